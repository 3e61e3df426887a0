package tasks

import (
	"fmt"
	"sort"
	"time"

	"taskq/internal/domain"
	"taskq/internal/logger"
	"taskq/internal/ports"
	"taskq/internal/task"
)

// Deps are the collaborators shared by every sample task.
type Deps struct {
	// Hook returns the hook for a queue, given the task logger. Nil keeps the
	// task default.
	Hook func(queue string, l ports.Logger) ports.Hook

	// Logger returns a fresh logger per task.
	Logger   func() ports.Logger
	Limiter  ports.RateLimiter
	LogLevel string
}

// Registry maps task names to tasks.
type Registry struct {
	tasks map[string]*task.Task
}

type sample struct {
	name   string
	queue  string
	runner task.Runner
	opts   []domain.Option
}

var samples = []sample{
	{"adder", "adder", Adder{}, []domain.Option{domain.WithMaxRetries(3), domain.WithLogID("adder_task")}},
	{"divider", "divider", Divider{}, []domain.Option{domain.WithMaxRetries(3), domain.WithLogID("divider_task")}},
	{"hasher", "hasher", Hasher{}, []domain.Option{domain.WithMaxRetries(1)}},
	{"printer", "printer", Printer{}, nil},
	{"fetcher", "fetcher", Fetcher{}, []domain.Option{domain.WithMaxRetries(3), domain.WithTimeLimit(time.Minute)}},
}

// Build wires the sample tasks to broker. The adder chains into the divider.
func Build(broker ports.Broker, d Deps) (*Registry, error) {
	r := &Registry{tasks: make(map[string]*task.Task, len(samples))}

	for _, s := range samples {
		defaults, err := domain.NewTaskOptions(s.opts...)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", s.name, err)
		}

		l := ports.Logger(logger.New(nil))
		if d.Logger != nil {
			l = d.Logger()
		}

		opts := []task.Option{task.WithName(s.name), task.WithDefaults(defaults), task.WithLogger(l)}
		if d.Hook != nil {
			opts = append(opts, task.WithHook(d.Hook(s.queue, l)))
		}
		if d.Limiter != nil {
			opts = append(opts, task.WithRateLimiter(d.Limiter))
		}
		if d.LogLevel != "" {
			opts = append(opts, task.WithLogLevel(d.LogLevel))
		}

		t, err := task.New(broker, s.queue, s.runner, opts...)
		if err != nil {
			return nil, err
		}
		r.tasks[s.name] = t
	}

	r.tasks["adder"].Then(r.tasks["divider"])
	return r, nil
}

// Get returns the task registered under name.
func (r *Registry) Get(name string) (*task.Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

// All returns the tasks sorted by name.
func (r *Registry) All() []*task.Task {
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]*task.Task, 0, len(names))
	for _, n := range names {
		out = append(out, r.tasks[n])
	}
	return out
}

// Queues returns the queue of every task.
func (r *Registry) Queues() []string {
	var qs []string
	for _, t := range r.All() {
		qs = append(qs, t.Queue())
	}
	return qs
}
