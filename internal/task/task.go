package task

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"

	"github.com/rs/zerolog"

	"taskq/internal/domain"
	"taskq/internal/hook"
	"taskq/internal/logger"
	"taskq/internal/ports"
	"taskq/internal/protocol"
	"taskq/internal/ratelimit"
)

var (
	// ErrNilBroker is returned when a task is built without a broker.
	ErrNilBroker = errors.New("task: broker cannot be nil")

	// ErrEmptyQueue is returned when a task is built without a queue name.
	ErrEmptyQueue = errors.New("task: queue name cannot be empty")

	// ErrNilRunner is returned when a task has no business logic.
	ErrNilRunner = errors.New("task: runner cannot be nil")

	// ErrOptionsAsArg is returned when TaskOptions are passed positionally to Delay.
	ErrOptionsAsArg = errors.New("task: TaskOptions cannot be a positional argument, pass it in kwargs")
)

// Runner is the business logic of a task. It is only ever invoked by a worker.
type Runner interface {
	Run(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

func (f RunnerFunc) Run(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, args, kwargs)
}

// Task binds a Runner to a queue on a broker.
type Task struct {
	name     string
	queue    string
	broker   ports.Broker
	runner   Runner
	chain    *Task
	hook     ports.Hook
	limiter  ports.RateLimiter
	logger   ports.Logger
	defaults *domain.TaskOptions
	clock    protocol.Clock

	logLevel    string
	logMetadata map[string]any
}

type Option func(*Task)

// WithName overrides the task name used in logs.
func WithName(name string) Option {
	return func(t *Task) { t.name = name }
}

// WithChain sets the task enqueued with this task's result on success.
func WithChain(next *Task) Option {
	return func(t *Task) { t.chain = next }
}

func WithHook(h ports.Hook) Option {
	return func(t *Task) { t.hook = h }
}

func WithRateLimiter(l ports.RateLimiter) Option {
	return func(t *Task) { t.limiter = l }
}

func WithLogger(l ports.Logger) Option {
	return func(t *Task) { t.logger = l }
}

func WithLogLevel(level string) Option {
	return func(t *Task) { t.logLevel = level }
}

func WithLogMetadata(md map[string]any) Option {
	return func(t *Task) { t.logMetadata = maps.Clone(md) }
}

// WithDefaults sets the options template used by Delay when no override is given.
func WithDefaults(o *domain.TaskOptions) Option {
	return func(t *Task) { t.defaults = o }
}

func WithClock(c protocol.Clock) Option {
	return func(t *Task) { t.clock = c }
}

// New validates its arguments and returns a ready task.
func New(broker ports.Broker, queue string, runner Runner, opts ...Option) (*Task, error) {
	if broker == nil {
		return nil, ErrNilBroker
	}
	if queue == "" {
		return nil, ErrEmptyQueue
	}
	if runner == nil {
		return nil, ErrNilRunner
	}

	t := &Task{
		queue:    queue,
		broker:   broker,
		runner:   runner,
		logLevel: "DEBUG",
		clock:    protocol.SystemClock,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.name == "" {
		t.name = typeName(runner)
	}
	if t.clock == nil {
		t.clock = protocol.SystemClock
	}
	if t.logger == nil {
		t.logger = logger.New(nil)
	}

	md := maps.Clone(t.logMetadata)
	if md == nil {
		md = make(map[string]any)
	}
	md["task_name"] = t.name
	md["queue_name"] = t.queue
	if err := t.logger.Bind(t.logLevel, md); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.name, err)
	}
	t.logger.Log(zerolog.DebugLevel, map[string]any{"event": "task_sanity_check_logger"})

	if t.hook == nil {
		t.hook = hook.NewLog(t.logger)
	}
	if t.limiter == nil {
		t.limiter = ratelimit.AllowAll{}
	}
	if t.defaults == nil {
		d, err := domain.NewTaskOptionsAt(t.clock)
		if err != nil {
			return nil, err
		}
		t.defaults = d
	}
	return t, nil
}

// MustNew is New that panics on error, for wiring fixed task sets.
func MustNew(broker ports.Broker, queue string, runner Runner, opts ...Option) *Task {
	t, err := New(broker, queue, runner, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// Then makes next the successor of t and returns next, so a.Then(b).Then(c)
// links a -> b -> c.
func (t *Task) Then(next *Task) *Task {
	t.chain = next
	return next
}

func (t *Task) Name() string                   { return t.name }
func (t *Task) Queue() string                  { return t.queue }
func (t *Task) Broker() ports.Broker           { return t.broker }
func (t *Task) Chain() *Task                   { return t.chain }
func (t *Task) Hook() ports.Hook               { return t.hook }
func (t *Task) RateLimiter() ports.RateLimiter { return t.limiter }
func (t *Task) Logger() ports.Logger           { return t.logger }
func (t *Task) Clock() protocol.Clock          { return t.clock }

// Run executes the business logic. Producers call Delay instead.
func (t *Task) Run(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return t.runner.Run(ctx, args, kwargs)
}

// Delay enqueues an invocation and returns its task id. A *domain.TaskOptions
// value in kwargs overrides the task defaults and is not part of the payload.
func (t *Task) Delay(ctx context.Context, args []any, kwargs map[string]any) (string, error) {
	for _, a := range args {
		if isOptions(a) {
			return "", ErrOptionsAsArg
		}
	}

	var override *domain.TaskOptions
	payload := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		switch o := v.(type) {
		case *domain.TaskOptions:
			override = o
		case domain.TaskOptions:
			override = &o
		default:
			payload[k] = v
			continue
		}
		if !override.Valid() {
			return "", fmt.Errorf("task %s: %w: %s must be built with domain.NewTaskOptions", t.name, domain.ErrInvalidOption, k)
		}
	}

	opts := override
	if opts == nil {
		opts = t.defaults.Renew(t.clock)
	}
	if args == nil {
		args = []any{}
	}

	item, err := protocol.Encode(opts.Envelope(args, payload))
	if err != nil {
		return "", fmt.Errorf("task %s: %w", t.name, err)
	}
	if err := t.broker.Enqueue(ctx, item, t.queue, opts); err != nil {
		return "", fmt.Errorf("task %s: enqueue: %w", t.name, err)
	}

	t.Log(zerolog.DebugLevel, map[string]any{
		"event":   "taskq.Task.delay",
		"state":   "enqueued",
		"task_id": opts.TaskID(),
		"eta":     protocol.FormatETA(opts.ETA()),
	})
	return opts.TaskID(), nil
}

// Log writes through the task logger, ignoring logger failures.
func (t *Task) Log(level zerolog.Level, data map[string]any) {
	logger.Safe(t.logger, level, data)
}

func (t *Task) String() string {
	chain := ""
	if t.chain != nil {
		chain = t.chain.name
	}
	return fmt.Sprintf("Task{name=%s queue=%s chain=%s}", t.name, t.queue, chain)
}

func isOptions(v any) bool {
	switch v.(type) {
	case *domain.TaskOptions, domain.TaskOptions:
		return true
	}
	return false
}

func typeName(v any) string {
	rt := reflect.TypeOf(v)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Name() == "" {
		return rt.String()
	}
	return rt.Name()
}
