package ports

import (
	"context"

	"github.com/rs/zerolog"

	"taskq/internal/domain"
)

// Hook is notified after every attempt.
type Hook interface {
	Notify(ctx context.Context, outcome domain.Outcome, taskID, logID, hookMetadata string) error
}

// RateLimiter admits executions for a key, blocking until a slot is free.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
}

// Logger is the structured logger consumed by tasks and workers.
type Logger interface {
	Bind(level string, metadata map[string]any) error
	Log(level zerolog.Level, data map[string]any)
}
