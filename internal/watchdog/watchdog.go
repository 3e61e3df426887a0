package watchdog

import (
	"bytes"
	"context"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"taskq/internal/ports"
	"taskq/internal/protocol"
	"taskq/internal/task"
	"taskq/internal/worker"
)

// Queue is reserved for heartbeat envelopes.
const Queue = "taskq.watchdog"

// nap is how long a heartbeat run pretends to work.
const nap = 66 * time.Millisecond

// Heartbeat is the shared timestamp of the last heartbeat run.
type Heartbeat struct {
	last atomic.Int64
}

func (h *Heartbeat) Beat(t time.Time) { h.last.Store(t.UnixNano()) }

// Last returns the time of the last beat, zero if none happened.
func (h *Heartbeat) Last() time.Time {
	n := h.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// beater is the heartbeat task body.
type beater struct {
	w   *Watchdog
	nap time.Duration
}

func (b beater) Run(ctx context.Context, _ []any, _ map[string]any) (any, error) {
	timer := time.NewTimer(b.nap)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	now := b.w.clock()
	b.w.hb.Beat(now)
	b.w.task.Log(zerolog.InfoLevel, map[string]any{
		"event": "taskq.Watchdog.run",
		"beat":  now,
	})
	return nil, nil
}

// Watchdog detects when heartbeat envelopes stop being served on time.
type Watchdog struct {
	hb        Heartbeat
	task      *task.Task
	worker    *worker.Worker
	clock     protocol.Clock
	interval  time.Duration
	threshold time.Duration
	started   atomic.Int64
}

type Option func(*Watchdog)

// WithInterval sets how often heartbeats are produced and checked.
func WithInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithThreshold sets the heartbeat age considered stale.
func WithThreshold(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.threshold = d
		}
	}
}

func WithClock(c protocol.Clock) Option {
	return func(w *Watchdog) {
		if c != nil {
			w.clock = c
		}
	}
}

// New builds the heartbeat task and its worker on broker. Heartbeats are
// logged through l.
func New(broker ports.Broker, l ports.Logger, opts ...Option) (*Watchdog, error) {
	w := &Watchdog{
		clock:     protocol.SystemClock,
		interval:  time.Second,
		threshold: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}

	t, err := task.New(broker, Queue, beater{w: w, nap: nap},
		task.WithName("WatchdogTask"),
		task.WithLogger(l),
		task.WithLogLevel("INFO"),
		task.WithClock(w.clock),
	)
	if err != nil {
		return nil, err
	}
	w.task = t
	w.worker = worker.New(t, worker.WithClock(w.clock), worker.WithDeferInterval(w.interval))
	return w, nil
}

func (w *Watchdog) Task() *task.Task { return w.task }

// LastBeat returns the time of the last served heartbeat.
func (w *Watchdog) LastBeat() time.Time { return w.hb.Last() }

// Stale reports whether the last heartbeat is older than the threshold. Before
// the first beat the start time is used.
func (w *Watchdog) Stale() bool {
	last := w.hb.Last()
	if last.IsZero() {
		started := w.started.Load()
		if started == 0 {
			return false
		}
		last = time.Unix(0, started)
	}
	return w.clock().Sub(last) > w.threshold
}

// Run produces heartbeats, serves them and watches their age until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	w.started.Store(w.clock().UnixNano())
	if d, ok := w.task.Broker().(ports.QueueDeclarer); ok {
		if err := d.DeclareQueue(ctx, Queue); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.worker.Run(gctx) })
	g.Go(func() error { return w.produce(gctx) })
	g.Go(func() error { return w.monitor(gctx) })
	return g.Wait()
}

func (w *Watchdog) produce(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.task.Delay(ctx, nil, nil); err != nil && ctx.Err() == nil {
			w.task.Log(zerolog.WarnLevel, map[string]any{
				"event": "taskq.Watchdog.produce",
				"error": err.Error(),
			})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) monitor(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		w.Check()
	}
}

// Check logs a warning with all goroutine stacks when the heartbeat is stale,
// and a debug heartbeat record otherwise. It returns the staleness verdict.
func (w *Watchdog) Check() bool {
	last := w.hb.Last()
	if !w.Stale() {
		w.task.Log(zerolog.DebugLevel, map[string]any{
			"event":     "taskq.Watchdog.heartbeat",
			"last_beat": last,
		})
		return false
	}

	var stacks bytes.Buffer
	_ = pprof.Lookup("goroutine").WriteTo(&stacks, 2)
	w.task.Log(zerolog.WarnLevel, map[string]any{
		"event":      "taskq.Watchdog.stale",
		"last_beat":  last,
		"threshold":  w.threshold.String(),
		"goroutines": stacks.String(),
		"hint":       "a task may be blocking the process; look for long running non cooperative work",
	})
	return true
}
