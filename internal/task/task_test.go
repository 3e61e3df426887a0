package task_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskq/internal/domain"
	"taskq/internal/infra/memq"
	"taskq/internal/logger"
	"taskq/internal/protocol"
	"taskq/internal/task"
)

var fixed = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixed }

type sum struct{}

func (sum) Run(_ context.Context, args []any, _ map[string]any) (any, error) {
	return args[0].(int64) + args[1].(int64), nil
}

func dequeue(t *testing.T, b *memq.Broker, queue string) protocol.Envelope {
	t.Helper()
	item, err := b.Dequeue(context.Background(), queue)
	require.NoError(t, err)
	env, err := protocol.Decode(item)
	require.NoError(t, err)
	return env
}

func TestNew_Validation(t *testing.T) {
	b := memq.New()

	_, err := task.New(nil, "q", sum{})
	assert.ErrorIs(t, err, task.ErrNilBroker)

	_, err = task.New(b, "", sum{})
	assert.ErrorIs(t, err, task.ErrEmptyQueue)

	_, err = task.New(b, "q", nil)
	assert.ErrorIs(t, err, task.ErrNilRunner)

	_, err = task.New(b, "q", sum{}, task.WithLogLevel("LOUD"))
	assert.ErrorIs(t, err, logger.ErrInvalidLevel)

	assert.Panics(t, func() { task.MustNew(b, "", sum{}) })
}

func TestNew_Defaults(t *testing.T) {
	var buf bytes.Buffer
	tk, err := task.New(memq.New(), "adder", sum{}, task.WithLogger(logger.New(&buf)))
	require.NoError(t, err)

	assert.Equal(t, "sum", tk.Name())
	assert.Equal(t, "adder", tk.Queue())
	assert.NotNil(t, tk.Hook())
	assert.NotNil(t, tk.RateLimiter())
	assert.Contains(t, buf.String(), `"event":"task_sanity_check_logger"`)
	assert.Contains(t, buf.String(), `"queue_name":"adder"`)
}

func TestDelay(t *testing.T) {
	ctx := context.Background()
	b := memq.New()
	defaults, err := domain.NewTaskOptionsAt(fixedClock, domain.WithETA(30), domain.WithMaxRetries(2), domain.WithLogID("l"))
	require.NoError(t, err)

	tk, err := task.New(b, "q", sum{}, task.WithClock(fixedClock), task.WithDefaults(defaults))
	require.NoError(t, err)

	id1, err := tk.Delay(ctx, []any{int64(1), int64(2)}, map[string]any{"k": "v"})
	require.NoError(t, err)
	id2, err := tk.Delay(ctx, []any{int64(3), int64(4)}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2, "each call gets a fresh task id")

	env := dequeue(t, b, "q")
	assert.Equal(t, id1, env.TaskID)
	assert.Equal(t, fixed.Add(30*time.Second), env.ETA)
	assert.Equal(t, 0, env.CurrentRetries)
	assert.Equal(t, 2, env.MaxRetries)
	assert.Equal(t, "l", env.LogID)
	assert.Equal(t, []any{int64(1), int64(2)}, env.Args)
	assert.Equal(t, map[string]any{"k": "v"}, env.Kwargs)

	env = dequeue(t, b, "q")
	assert.Equal(t, id2, env.TaskID)
	assert.Equal(t, map[string]any{}, env.Kwargs)
}

func TestDelay_OptionsOverride(t *testing.T) {
	ctx := context.Background()
	b := memq.New()
	tk, err := task.New(b, "q", sum{}, task.WithClock(fixedClock))
	require.NoError(t, err)

	override, err := domain.NewTaskOptionsAt(fixedClock, domain.WithTaskID("fixed-id"), domain.WithMaxRetries(7))
	require.NoError(t, err)

	id, err := tk.Delay(ctx, []any{int64(1), int64(2)}, map[string]any{"task_options": override, "k": 1})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)

	env := dequeue(t, b, "q")
	assert.Equal(t, 7, env.MaxRetries)
	assert.Equal(t, map[string]any{"k": int64(1)}, env.Kwargs, "options are not part of the payload")
}

func TestDelay_OptionsAsArg(t *testing.T) {
	b := memq.New()
	tk, err := task.New(b, "q", sum{})
	require.NoError(t, err)

	opts, err := domain.NewTaskOptions()
	require.NoError(t, err)

	_, err = tk.Delay(context.Background(), []any{opts}, nil)
	assert.ErrorIs(t, err, task.ErrOptionsAsArg)
	assert.Zero(t, b.Len("q"))
}

func TestDelay_UnsupportedValue(t *testing.T) {
	tk, err := task.New(memq.New(), "q", sum{})
	require.NoError(t, err)

	_, err = tk.Delay(context.Background(), []any{make(chan int)}, nil)
	assert.ErrorIs(t, err, protocol.ErrUnsupportedValue)
}

type failingBroker struct{ err error }

func (f failingBroker) Enqueue(context.Context, string, string, *domain.TaskOptions) error {
	return f.err
}

func (f failingBroker) Dequeue(context.Context, string) (string, error) { return "", f.err }

func TestDelay_BrokerError(t *testing.T) {
	boom := errors.New("boom")
	tk, err := task.New(failingBroker{err: boom}, "q", sum{})
	require.NoError(t, err)

	_, err = tk.Delay(context.Background(), nil, nil)
	assert.ErrorIs(t, err, boom)
}

func TestThen(t *testing.T) {
	b := memq.New()
	a := task.MustNew(b, "a", sum{}, task.WithName("a"))
	bb := task.MustNew(b, "b", sum{}, task.WithName("b"))
	c := task.MustNew(b, "c", sum{}, task.WithName("c"))

	got := a.Then(bb).Then(c)

	assert.Same(t, c, got)
	assert.Same(t, bb, a.Chain())
	assert.Same(t, c, bb.Chain())
	assert.Nil(t, c.Chain())
	assert.Equal(t, "Task{name=a queue=a chain=b}", a.String())
}

func TestRunnerFunc(t *testing.T) {
	tk := task.MustNew(memq.New(), "q", task.RunnerFunc(func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return len(args), nil
	}), task.WithName("count"))

	got, err := tk.Run(context.Background(), []any{1, 2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestDelay_UnbuiltOptions(t *testing.T) {
	b := memq.New()
	tk, err := task.New(b, "q", sum{})
	require.NoError(t, err)

	for name, o := range map[string]any{
		"zero value":   domain.TaskOptions{},
		"zero pointer": &domain.TaskOptions{},
		"nil pointer":  (*domain.TaskOptions)(nil),
	} {
		t.Run(name, func(t *testing.T) {
			id, err := tk.Delay(context.Background(), nil, map[string]any{"o": o})
			assert.ErrorIs(t, err, domain.ErrInvalidOption)
			assert.Empty(t, id)
		})
	}
	assert.Zero(t, b.Len("q"), "nothing is enqueued")

	built, err := domain.NewTaskOptions(domain.WithMaxRetries(1))
	require.NoError(t, err)
	id, err := tk.Delay(context.Background(), nil, map[string]any{"o": *built})
	require.NoError(t, err)
	assert.Equal(t, built.TaskID(), id, "a copy of built options is accepted")
}
