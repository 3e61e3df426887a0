package hook

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"taskq/internal/domain"
	"taskq/internal/logger"
	"taskq/internal/ports"
)

var (
	_ ports.Hook = (*Log)(nil)
	_ ports.Hook = Multi(nil)
)

// Log reports outcomes to a Logger. It is the default hook of a task.
type Log struct {
	Logger ports.Logger
}

func NewLog(l ports.Logger) *Log {
	return &Log{Logger: l}
}

func (h *Log) Notify(_ context.Context, outcome domain.Outcome, taskID, logID, hookMetadata string) error {
	level := zerolog.InfoLevel
	if outcome == domain.OutcomeDead {
		level = zerolog.ErrorLevel
	}
	logger.Safe(h.Logger, level, map[string]any{
		"event":         "taskq.hook.notify",
		"state":         outcome.String(),
		"task_id":       taskID,
		"log_id":        logID,
		"hook_metadata": hookMetadata,
	})
	return nil
}

// Multi notifies every hook in order and joins their errors.
type Multi []ports.Hook

func (m Multi) Notify(ctx context.Context, outcome domain.Outcome, taskID, logID, hookMetadata string) error {
	var errs []error
	for _, h := range m {
		if h == nil {
			continue
		}
		if err := h.Notify(ctx, outcome, taskID, logID, hookMetadata); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
