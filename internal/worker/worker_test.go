package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskq/internal/domain"
	"taskq/internal/infra/memq"
	"taskq/internal/ports"
	"taskq/internal/protocol"
	"taskq/internal/task"
	"taskq/internal/worker"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type notification struct {
	outcome domain.Outcome
	taskID  string
}

type recordingHook struct {
	mu    sync.Mutex
	calls []notification
}

func (h *recordingHook) Notify(_ context.Context, o domain.Outcome, taskID, _, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, notification{o, taskID})
	return nil
}

func (h *recordingHook) outcomes() []domain.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Outcome
	for _, c := range h.calls {
		out = append(out, c.outcome)
	}
	return out
}

type panickingHook struct{}

func (panickingHook) Notify(context.Context, domain.Outcome, string, string, string) error {
	panic("hook exploded")
}

type failingHook struct{}

func (failingHook) Notify(context.Context, domain.Outcome, string, string, string) error {
	return errors.New("hook failed")
}

// journal records which payloads a runner saw, in order.
type journal struct {
	mu   sync.Mutex
	seen []any
}

func (j *journal) add(v any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seen = append(j.seen, v)
}

func (j *journal) all() []any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]any(nil), j.seen...)
}

type fixture struct {
	broker *memq.Broker
	clock  *testClock
	hook   *recordingHook
}

func newFixture() *fixture {
	return &fixture{
		broker: memq.New(memq.WithPollInterval(5 * time.Millisecond)),
		clock:  newClock(),
		hook:   &recordingHook{},
	}
}

func (f *fixture) task(t *testing.T, queue string, r task.Runner, maxRetries int, opts ...task.Option) *task.Task {
	t.Helper()
	defaults, err := domain.NewTaskOptionsAt(f.clock.Now, domain.WithMaxRetries(maxRetries))
	require.NoError(t, err)
	require.NoError(t, f.broker.DeclareQueue(context.Background(), queue))

	base := []task.Option{
		task.WithName(queue),
		task.WithClock(f.clock.Now),
		task.WithHook(f.hook),
		task.WithDefaults(defaults),
	}
	tk, err := task.New(f.broker, queue, r, append(base, opts...)...)
	require.NoError(t, err)
	return tk
}

func TestRunOnce_Succeeds(t *testing.T) {
	f := newFixture()
	j := &journal{}
	tk := f.task(t, "q", task.RunnerFunc(func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		j.add(kwargs["name"])
		return nil, nil
	}), 0)

	id, err := tk.Delay(context.Background(), nil, map[string]any{"name": "x"})
	require.NoError(t, err)

	require.NoError(t, worker.New(tk).RunOnce(context.Background()))

	assert.Equal(t, []any{"x"}, j.all())
	assert.Equal(t, []notification{{domain.OutcomeSucceeded, id}}, f.hook.calls)
	assert.Zero(t, f.broker.Len("q"))
}

func TestRunOnce_RetryBound(t *testing.T) {
	const maxRetries = 3
	f := newFixture()
	var attempts atomic.Int32
	tk := f.task(t, "q", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
		attempts.Add(1)
		return nil, errors.New("always fails")
	}), maxRetries)

	_, err := tk.Delay(context.Background(), nil, nil)
	require.NoError(t, err)

	w := worker.New(tk)
	for range maxRetries + 1 {
		require.NoError(t, w.RunOnce(context.Background()))
	}

	assert.EqualValues(t, maxRetries+1, attempts.Load())
	assert.Equal(t, []domain.Outcome{
		domain.OutcomeRetrying,
		domain.OutcomeRetrying,
		domain.OutcomeRetrying,
		domain.OutcomeDead,
	}, f.hook.outcomes())
	assert.Zero(t, f.broker.Len("q"), "dead envelopes are not re-enqueued")
}

func TestRunOnce_RetryIncrementsCounter(t *testing.T) {
	f := newFixture()
	tk := f.task(t, "q", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("nope")
	}), 2)

	id, err := tk.Delay(context.Background(), []any{int64(1)}, nil)
	require.NoError(t, err)
	require.NoError(t, worker.New(tk).RunOnce(context.Background()))

	item, err := f.broker.Dequeue(context.Background(), "q")
	require.NoError(t, err)
	env, err := protocol.Decode(item)
	require.NoError(t, err)

	assert.Equal(t, id, env.TaskID, "a retry keeps its task id")
	assert.Equal(t, 1, env.CurrentRetries)
	assert.Equal(t, 2, env.MaxRetries)
	assert.Equal(t, []any{int64(1)}, env.Args)
}

func TestRunOnce_Chain(t *testing.T) {
	f := newFixture()
	add := f.task(t, "adder", task.RunnerFunc(func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return args[0].(int64) + args[1].(int64), nil
	}), 0)

	j := &journal{}
	div := f.task(t, "divider", task.RunnerFunc(func(_ context.Context, args []any, _ map[string]any) (any, error) {
		j.add(args[0])
		return float64(args[0].(int64)) / 3, nil
	}), 0)
	add.Then(div)

	_, err := add.Delay(context.Background(), []any{int64(4), int64(5)}, nil)
	require.NoError(t, err)

	require.NoError(t, worker.New(add).RunOnce(context.Background()))
	require.Equal(t, 1, f.broker.Len("divider"))

	require.NoError(t, worker.New(div).RunOnce(context.Background()))
	assert.Equal(t, []any{int64(9)}, j.all())
}

func TestRunOnce_FailedTaskDoesNotChain(t *testing.T) {
	f := newFixture()
	first := f.task(t, "first", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("fail")
	}), 0)
	second := f.task(t, "second", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
		return nil, nil
	}), 0)
	first.Then(second)

	_, err := first.Delay(context.Background(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, worker.New(first).RunOnce(context.Background()))

	assert.Zero(t, f.broker.Len("second"))
	assert.Equal(t, []domain.Outcome{domain.OutcomeDead}, f.hook.outcomes())
}

func TestRunOnce_DefersUntilDue(t *testing.T) {
	f := newFixture()
	j := &journal{}
	tk := f.task(t, "q", task.RunnerFunc(func(_ context.Context, args []any, _ map[string]any) (any, error) {
		j.add(args[0])
		return nil, nil
	}), 0)

	later, err := domain.NewTaskOptionsAt(f.clock.Now, domain.WithETA(60))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = tk.Delay(ctx, []any{"E1"}, map[string]any{"opts": later})
	require.NoError(t, err)
	_, err = tk.Delay(ctx, []any{"E2"}, nil)
	require.NoError(t, err)

	w := worker.New(tk)
	require.NoError(t, w.RunOnce(ctx))
	assert.Empty(t, j.all(), "E1 is not due and goes back to the tail")
	assert.Equal(t, 2, f.broker.Len("q"))

	require.NoError(t, w.RunOnce(ctx))
	assert.Equal(t, []any{"E2"}, j.all())

	require.NoError(t, w.RunOnce(ctx))
	assert.Equal(t, []any{"E2"}, j.all(), "E1 still waits")

	f.clock.Advance(61 * time.Second)
	require.NoError(t, w.RunOnce(ctx))
	assert.Equal(t, []any{"E2", "E1"}, j.all())
	assert.Equal(t, []domain.Outcome{domain.OutcomeSucceeded, domain.OutcomeSucceeded}, f.hook.outcomes())
}

func TestRunOnce_OrderUnderRetry(t *testing.T) {
	f := newFixture()
	j := &journal{}
	var failedOnce atomic.Bool
	tk := f.task(t, "q", task.RunnerFunc(func(_ context.Context, args []any, _ map[string]any) (any, error) {
		j.add(args[0])
		if args[0] == "E1" && failedOnce.CompareAndSwap(false, true) {
			return nil, errors.New("first attempt fails")
		}
		return nil, nil
	}), 1)

	ctx := context.Background()
	_, err := tk.Delay(ctx, []any{"E1"}, nil)
	require.NoError(t, err)
	_, err = tk.Delay(ctx, []any{"E2"}, nil)
	require.NoError(t, err)

	w := worker.New(tk)
	for range 3 {
		require.NoError(t, w.RunOnce(ctx))
	}

	assert.Equal(t, []any{"E1", "E2", "E1"}, j.all())
	assert.Equal(t, []domain.Outcome{
		domain.OutcomeRetrying,
		domain.OutcomeSucceeded,
		domain.OutcomeSucceeded,
	}, f.hook.outcomes())
}

func TestRunOnce_DropsMalformedEnvelope(t *testing.T) {
	f := newFixture()
	var called atomic.Bool
	tk := f.task(t, "q", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
		called.Store(true)
		return nil, nil
	}), 0)

	ctx := context.Background()
	require.NoError(t, f.broker.Enqueue(ctx, "{not json", "q", nil))
	require.NoError(t, f.broker.Enqueue(ctx, `{"version":9}`, "q", nil))

	w := worker.New(tk)
	require.NoError(t, w.RunOnce(ctx))
	require.NoError(t, w.RunOnce(ctx))

	assert.False(t, called.Load())
	assert.Empty(t, f.hook.outcomes())
	assert.Zero(t, f.broker.Len("q"))
}

func TestRunOnce_PanicIsAFailure(t *testing.T) {
	f := newFixture()
	tk := f.task(t, "q", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
		panic("business logic exploded")
	}), 1)

	_, err := tk.Delay(context.Background(), nil, nil)
	require.NoError(t, err)

	w := worker.New(tk)
	require.NoError(t, w.RunOnce(context.Background()))
	require.NoError(t, w.RunOnce(context.Background()))

	assert.Equal(t, []domain.Outcome{domain.OutcomeRetrying, domain.OutcomeDead}, f.hook.outcomes())
}

func TestRunOnce_TimeLimit(t *testing.T) {
	f := newFixture()
	release := make(chan struct{})
	defer close(release)

	tk := f.task(t, "q", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
		<-release
		return nil, nil
	}), 0)

	opts, err := domain.NewTaskOptionsAt(f.clock.Now, domain.WithTimeLimit(time.Second))
	require.NoError(t, err)
	_, err = tk.Delay(context.Background(), nil, map[string]any{"o": opts})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, worker.New(tk).RunOnce(context.Background()))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []domain.Outcome{domain.OutcomeDead}, f.hook.outcomes())
}

func TestRunOnce_HookFailuresAreSwallowed(t *testing.T) {
	for name, h := range map[string]ports.Hook{"panic": panickingHook{}, "error": failingHook{}} {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			first := f.task(t, "first", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
				return int64(1), nil
			}), 0, task.WithHook(h))
			second := f.task(t, "second", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
				return nil, nil
			}), 0)
			first.Then(second)

			_, err := first.Delay(context.Background(), nil, nil)
			require.NoError(t, err)

			assert.NotPanics(t, func() {
				require.NoError(t, worker.New(first).RunOnce(context.Background()))
			})
			assert.Equal(t, 1, f.broker.Len("second"), "chain still runs after a hook failure")
		})
	}
}

type countingLimiter struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (l *countingLimiter) Wait(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return l.err
}

func TestRunOnce_RateLimiter(t *testing.T) {
	t.Run("admits per queue", func(t *testing.T) {
		f := newFixture()
		lim := &countingLimiter{}
		tk := f.task(t, "q", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
			return nil, nil
		}), 0, task.WithRateLimiter(lim))

		_, err := tk.Delay(context.Background(), nil, nil)
		require.NoError(t, err)
		require.NoError(t, worker.New(tk).RunOnce(context.Background()))

		assert.Equal(t, []string{"q"}, lim.keys)
		assert.Equal(t, []domain.Outcome{domain.OutcomeSucceeded}, f.hook.outcomes())
	})

	t.Run("puts the envelope back when the wait fails", func(t *testing.T) {
		f := newFixture()
		lim := &countingLimiter{err: context.Canceled}
		var called atomic.Bool
		tk := f.task(t, "q", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
			called.Store(true)
			return nil, nil
		}), 0, task.WithRateLimiter(lim))

		_, err := tk.Delay(context.Background(), nil, nil)
		require.NoError(t, err)
		before, err := f.broker.Dequeue(context.Background(), "q")
		require.NoError(t, err)
		require.NoError(t, f.broker.Enqueue(context.Background(), before, "q", nil))

		require.NoError(t, worker.New(tk).RunOnce(context.Background()))

		assert.False(t, called.Load())
		after, err := f.broker.Dequeue(context.Background(), "q")
		require.NoError(t, err)
		assert.Equal(t, before, after, "envelope is unchanged")
	})
}

func TestRun_UnknownQueue(t *testing.T) {
	b := memq.New(memq.WithPollInterval(5 * time.Millisecond))
	tk, err := task.New(b, "ghost", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
		return nil, nil
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = worker.New(tk).Run(ctx)
	assert.ErrorIs(t, err, ports.ErrUnknownQueue)
}

func TestRun_ConcurrentConsumers(t *testing.T) {
	const n = 40
	f := newFixture()
	var done atomic.Int32
	tk := f.task(t, "q", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
		done.Add(1)
		return nil, nil
	}), 0)

	for i := range n {
		_, err := tk.Delay(context.Background(), []any{int64(i)}, nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- worker.New(tk, worker.WithConcurrency(4)).Run(ctx) }()

	assert.Eventually(t, func() bool { return done.Load() == n }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-errc)
	assert.Len(t, f.hook.outcomes(), n)
}

type flakyBroker struct {
	*memq.Broker
	failures atomic.Int32
}

func (b *flakyBroker) Dequeue(ctx context.Context, queue string) (string, error) {
	if b.failures.Add(-1) >= 0 {
		return "", errors.New("connection reset")
	}
	return b.Broker.Dequeue(ctx, queue)
}

func TestRun_BacksOffOnTransientErrors(t *testing.T) {
	b := &flakyBroker{Broker: memq.New(memq.WithPollInterval(5*time.Millisecond), memq.WithQueues("q"))}
	b.failures.Store(3)

	var ran atomic.Bool
	tk, err := task.New(b, "q", task.RunnerFunc(func(context.Context, []any, map[string]any) (any, error) {
		ran.Store(true)
		return nil, nil
	}))
	require.NoError(t, err)
	_, err = tk.Delay(context.Background(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- worker.New(tk, worker.WithBackoff(time.Millisecond, 10*time.Millisecond)).Run(ctx)
	}()

	assert.Eventually(t, ran.Load, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-errc)
}
