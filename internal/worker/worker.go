package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"taskq/internal/domain"
	"taskq/internal/ports"
	"taskq/internal/protocol"
	"taskq/internal/task"
	"taskq/pkg/backoff"
)

// State names the stage an envelope is in. Used in log records.
type State string

const (
	StateDropped      State = "dropped"
	StateDeferred     State = "deferred"
	StateExecuting    State = "executing"
	StateSucceeded    State = "succeeded"
	StateReEnqueued   State = "re_enqueued"
	StateDeadLettered State = "dead_lettered"
)

var (
	// ErrPanic wraps a panic raised by a task's business logic.
	ErrPanic = errors.New("task panicked")

	// ErrTimeLimit is returned when a run exceeds the envelope time limit.
	ErrTimeLimit = errors.New("task exceeded its time limit")
)

// Worker consumes the queue of one task.
type Worker struct {
	task   *task.Task
	broker ports.Broker
	queue  string
	clock  protocol.Clock

	concurrency   int
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	deferInterval time.Duration
}

type Option func(*Worker)

func WithClock(c protocol.Clock) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithConcurrency sets how many consumers share the queue.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithBackoff bounds the wait after a failed dequeue.
func WithBackoff(base, max time.Duration) Option {
	return func(w *Worker) {
		w.baseBackoff = base
		w.maxBackoff = max
	}
}

// WithDeferInterval caps how long a consumer pauses after putting back an envelope that is not due.
func WithDeferInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.deferInterval = d
		}
	}
}

func New(t *task.Task, opts ...Option) *Worker {
	w := &Worker{
		task:          t,
		broker:        t.Broker(),
		queue:         t.Queue(),
		clock:         t.Clock(),
		concurrency:   1,
		baseBackoff:   500 * time.Millisecond,
		maxBackoff:    30 * time.Second,
		deferInterval: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Task() *task.Task { return w.task }

// Run consumes until ctx is cancelled. It returns nil on cancellation and an
// error only for conditions retrying cannot fix, such as an unknown queue.
func (w *Worker) Run(ctx context.Context) error {
	w.task.Log(zerolog.InfoLevel, map[string]any{
		"event":       "taskq.Worker.consume_tasks",
		"state":       "consume_tasks",
		"concurrency": w.concurrency,
	})

	g, gctx := errgroup.WithContext(ctx)
	for range w.concurrency {
		g.Go(func() error { return w.consume(gctx) })
	}
	return g.Wait()
}

// RunOnce dequeues and handles a single envelope.
func (w *Worker) RunOnce(ctx context.Context) error {
	_, err := w.runOnce(ctx)
	return err
}

func (w *Worker) consume(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		pause, err := w.runOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ports.ErrUnknownQueue) {
				w.task.Log(zerolog.ErrorLevel, map[string]any{
					"event": "taskq.Worker.dequeue",
					"error": err.Error(),
				})
				return err
			}

			failures++
			pause = backoff.ExponentialJitter(w.baseBackoff, w.maxBackoff, failures)
			w.task.Log(zerolog.WarnLevel, map[string]any{
				"event":   "taskq.Worker.dequeue",
				"error":   err.Error(),
				"backoff": pause.String(),
			})
		} else {
			failures = 0
		}

		if pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) (time.Duration, error) {
	item, err := w.broker.Dequeue(ctx, w.queue)
	if err != nil {
		return 0, err
	}
	return w.process(ctx, item), nil
}

// process drives one envelope through its states and returns how long the
// consumer should pause before the next dequeue.
func (w *Worker) process(ctx context.Context, item string) time.Duration {
	env, err := protocol.Decode(item)
	if err != nil {
		w.task.Log(zerolog.ErrorLevel, map[string]any{
			"event": "taskq.Worker.decode",
			"state": StateDropped,
			"error": err.Error(),
		})
		return 0
	}

	// The envelope left the broker; finish handling it even if ctx is cancelled from here on.
	bg := context.WithoutCancel(ctx)

	now := w.clock()
	if !env.Due(now) {
		if err := w.broker.Enqueue(bg, item, w.queue, domain.OptionsFromEnvelope(env)); err != nil {
			w.lost(bg, env, err)
			return 0
		}
		w.task.Log(zerolog.DebugLevel, map[string]any{
			"event":   "taskq.Worker.schedule",
			"state":   StateDeferred,
			"task_id": env.TaskID,
			"eta":     protocol.FormatETA(env.ETA),
		})
		return min(w.deferInterval, env.ETA.Sub(now))
	}

	if err := w.task.RateLimiter().Wait(ctx, w.queue); err != nil {
		// Put it back untouched.
		if err := w.broker.Enqueue(bg, item, w.queue, domain.OptionsFromEnvelope(env)); err != nil {
			w.lost(bg, env, err)
		}
		return 0
	}

	w.task.Log(zerolog.DebugLevel, map[string]any{
		"event":           "taskq.Worker.run",
		"state":           StateExecuting,
		"task_id":         env.TaskID,
		"current_retries": env.CurrentRetries,
	})

	result, err := w.execute(bg, env)
	if err != nil {
		w.failed(bg, env, err)
		return 0
	}
	w.succeeded(bg, env, result)
	return 0
}

func (w *Worker) execute(ctx context.Context, env protocol.Envelope) (any, error) {
	if env.TimeLimit <= 0 {
		return w.call(ctx, env)
	}

	ctx, cancel := context.WithTimeout(ctx, env.TimeLimit)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := w.call(ctx, env)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrTimeLimit, env.TimeLimit)
	}
}

func (w *Worker) call(ctx context.Context, env protocol.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return w.task.Run(ctx, env.Args, env.Kwargs)
}

func (w *Worker) succeeded(ctx context.Context, env protocol.Envelope, result any) {
	w.task.Log(zerolog.InfoLevel, map[string]any{
		"event":   "taskq.Worker.run",
		"state":   StateSucceeded,
		"task_id": env.TaskID,
	})
	w.notify(ctx, domain.OutcomeSucceeded, env)

	next := w.task.Chain()
	if next == nil {
		return
	}
	id, err := next.Delay(ctx, []any{result}, nil)
	if err != nil {
		w.task.Log(zerolog.WarnLevel, map[string]any{
			"event":      "taskq.Worker.chain",
			"task_id":    env.TaskID,
			"chain_task": next.Name(),
			"error":      err.Error(),
		})
		return
	}
	w.task.Log(zerolog.DebugLevel, map[string]any{
		"event":         "taskq.Worker.chain",
		"task_id":       env.TaskID,
		"chain_task":    next.Name(),
		"chain_task_id": id,
	})
}

func (w *Worker) failed(ctx context.Context, env protocol.Envelope, runErr error) {
	env.CurrentRetries++
	if env.CurrentRetries > env.MaxRetries {
		w.task.Log(zerolog.ErrorLevel, map[string]any{
			"event":       "taskq.Worker.run",
			"state":       StateDeadLettered,
			"task_id":     env.TaskID,
			"max_retries": env.MaxRetries,
			"error":       runErr.Error(),
		})
		w.notify(ctx, domain.OutcomeDead, env)
		return
	}

	item, err := protocol.Encode(env)
	if err == nil {
		err = w.broker.Enqueue(ctx, item, w.queue, domain.OptionsFromEnvelope(env))
	}
	if err != nil {
		w.lost(ctx, env, err)
		return
	}

	w.task.Log(zerolog.WarnLevel, map[string]any{
		"event":           "taskq.Worker.run",
		"state":           StateReEnqueued,
		"task_id":         env.TaskID,
		"current_retries": env.CurrentRetries,
		"max_retries":     env.MaxRetries,
		"error":           runErr.Error(),
	})
	w.notify(ctx, domain.OutcomeRetrying, env)
}

// lost reports an envelope that could not be put back on the broker.
func (w *Worker) lost(ctx context.Context, env protocol.Envelope, err error) {
	w.task.Log(zerolog.ErrorLevel, map[string]any{
		"event":   "taskq.Worker.enqueue",
		"state":   StateDeadLettered,
		"task_id": env.TaskID,
		"error":   err.Error(),
	})
	w.notify(ctx, domain.OutcomeDead, env)
}

func (w *Worker) notify(ctx context.Context, outcome domain.Outcome, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			w.task.Log(zerolog.ErrorLevel, map[string]any{
				"event":   "taskq.Worker.hook",
				"state":   outcome.String(),
				"task_id": env.TaskID,
				"error":   fmt.Sprint(r),
			})
		}
	}()

	if err := w.task.Hook().Notify(ctx, outcome, env.TaskID, env.LogID, env.HookMetadata); err != nil {
		w.task.Log(zerolog.ErrorLevel, map[string]any{
			"event":   "taskq.Worker.hook",
			"state":   outcome.String(),
			"task_id": env.TaskID,
			"error":   err.Error(),
		})
	}
}
