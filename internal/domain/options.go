package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"taskq/internal/protocol"
)

// TaskOptions holds the scheduling parameters of one invocation.
// Values are fixed at construction; use Renew to derive a fresh copy.
type TaskOptions struct {
	delay        float64
	eta          time.Time
	maxRetries   int
	logID        string
	hookMetadata string
	taskID       string
	explicitID   bool
	timeLimit    time.Duration
	built        bool
}

// Option configures TaskOptions.
type Option func(*TaskOptions) error

// WithETA delays execution by seconds from now. Negative values mean now.
func WithETA(seconds float64) Option {
	return func(o *TaskOptions) error {
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			return fmt.Errorf("%w: %v", ErrInvalidETA, seconds)
		}
		o.delay = max(seconds, 0)
		return nil
	}
}

// WithMaxRetries sets the retry budget. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(o *TaskOptions) error {
		if n < 0 {
			return fmt.Errorf("%w: got %d", ErrInvalidMaxRetries, n)
		}
		o.maxRetries = n
		return nil
	}
}

func WithLogID(id string) Option {
	return func(o *TaskOptions) error {
		o.logID = id
		return nil
	}
}

func WithHookMetadata(md string) Option {
	return func(o *TaskOptions) error {
		o.hookMetadata = md
		return nil
	}
}

// WithTaskID pins the task id instead of generating one.
func WithTaskID(id string) Option {
	return func(o *TaskOptions) error {
		if id != "" {
			o.taskID = id
			o.explicitID = true
		}
		return nil
	}
}

// WithTimeLimit bounds each run of the task.
func WithTimeLimit(d time.Duration) Option {
	return func(o *TaskOptions) error {
		o.timeLimit = max(d, 0)
		return nil
	}
}

// NewTaskOptions builds validated options against the system clock.
func NewTaskOptions(opts ...Option) (*TaskOptions, error) {
	return NewTaskOptionsAt(protocol.SystemClock, opts...)
}

// NewTaskOptionsAt builds validated options with eta measured from clock.
func NewTaskOptionsAt(clock protocol.Clock, opts ...Option) (*TaskOptions, error) {
	o := &TaskOptions{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	o.eta = protocol.EtaToAbsolute(clock, o.delay)
	if o.taskID == "" {
		o.taskID = uuid.NewString()
	}
	o.built = true
	return o, nil
}

// Renew returns a copy with eta recomputed from clock and, unless the id was
// set explicitly, a new task id.
func (o *TaskOptions) Renew(clock protocol.Clock) *TaskOptions {
	n := *o
	n.eta = protocol.EtaToAbsolute(clock, o.delay)
	if !o.explicitID {
		n.taskID = uuid.NewString()
	}
	return &n
}

// Valid reports whether o came from a constructor rather than a zero value.
func (o *TaskOptions) Valid() bool { return o != nil && o.built }

func (o *TaskOptions) ETA() time.Time           { return o.eta }
func (o *TaskOptions) MaxRetries() int          { return o.maxRetries }
func (o *TaskOptions) LogID() string            { return o.logID }
func (o *TaskOptions) HookMetadata() string     { return o.hookMetadata }
func (o *TaskOptions) TaskID() string           { return o.taskID }
func (o *TaskOptions) TimeLimit() time.Duration { return o.timeLimit }

// Envelope builds a fresh envelope for these options.
func (o *TaskOptions) Envelope(args []any, kwargs map[string]any) protocol.Envelope {
	return protocol.Envelope{
		Version:        protocol.Version,
		TaskID:         o.taskID,
		ETA:            o.eta,
		CurrentRetries: 0,
		MaxRetries:     o.maxRetries,
		LogID:          o.logID,
		HookMetadata:   o.hookMetadata,
		TimeLimit:      o.timeLimit,
		Args:           args,
		Kwargs:         kwargs,
	}
}

// OptionsFromEnvelope reconstructs the options an in-flight envelope was created with.
// Brokers receive them when the worker re-enqueues.
func OptionsFromEnvelope(e protocol.Envelope) *TaskOptions {
	return &TaskOptions{
		eta:          e.ETA,
		maxRetries:   e.MaxRetries,
		logID:        e.LogID,
		hookMetadata: e.HookMetadata,
		taskID:       e.TaskID,
		explicitID:   true,
		timeLimit:    e.TimeLimit,
		built:        e.TaskID != "",
	}
}

func (o *TaskOptions) String() string {
	return fmt.Sprintf("TaskOptions{task_id=%s eta=%s max_retries=%d log_id=%q}",
		o.taskID, protocol.FormatETA(o.eta), o.maxRetries, o.logID)
}

// ParseTaskOptions validates loosely typed options, as received over HTTP.
// Recognised keys: eta, max_retries, log_id, hook_metadata, task_id, timelimit.
func ParseTaskOptions(clock protocol.Clock, raw map[string]any) (*TaskOptions, error) {
	var opts []Option

	if v, ok := raw["eta"]; ok && v != nil {
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: got %T", ErrInvalidETA, v)
		}
		opts = append(opts, WithETA(f))
	}

	if v, ok := raw["max_retries"]; ok && v != nil {
		n, ok := asInt(v)
		if !ok {
			return nil, fmt.Errorf("%w: got %v", ErrInvalidMaxRetries, v)
		}
		opts = append(opts, WithMaxRetries(n))
	}

	if v, ok := raw["timelimit"]; ok && v != nil {
		n, ok := asInt(v)
		if !ok || n < 0 {
			return nil, fmt.Errorf("%w: timelimit must be a non-negative integer, got %v", ErrInvalidOption, v)
		}
		opts = append(opts, WithTimeLimit(time.Duration(n)*time.Second))
	}

	for key, set := range map[string]func(string) Option{
		"log_id":        WithLogID,
		"hook_metadata": WithHookMetadata,
		"task_id":       WithTaskID,
	} {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string or null, got %T", ErrInvalidOption, key, v)
		}
		opts = append(opts, set(s))
	}

	return NewTaskOptionsAt(clock, opts...)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int(x), true
	case json.Number:
		n, err := x.Int64()
		return int(n), err == nil
	}
	return 0, false
}
