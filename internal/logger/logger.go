package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"taskq/internal/ports"
)

// ErrInvalidLevel is returned for level names outside DEBUG, INFO, WARNING, ERROR and CRITICAL.
var ErrInvalidLevel = errors.New("loglevel should be one of DEBUG, INFO, WARNING, ERROR or CRITICAL")

var _ ports.Logger = (*Logger)(nil)

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(name string) (zerolog.Level, error) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "INFO":
		return zerolog.InfoLevel, nil
	case "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	case "CRITICAL":
		return zerolog.FatalLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("%w: got %q", ErrInvalidLevel, name)
}

// Logger renders engine log records as JSON lines through zerolog.
type Logger struct {
	mu   sync.RWMutex
	base zerolog.Logger
	zl   zerolog.Logger
}

// New writes to w, or stderr when w is nil. Records are at DEBUG until Bind is called.
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	base := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{base: base, zl: base.Level(zerolog.DebugLevel)}
}

// FromZerolog wraps an existing zerolog logger.
func FromZerolog(zl zerolog.Logger) *Logger {
	return &Logger{base: zl, zl: zl}
}

func (l *Logger) Bind(level string, metadata map[string]any) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl = l.base.Level(lvl).With().Fields(metadata).Logger()
	return nil
}

func (l *Logger) Log(level zerolog.Level, data map[string]any) {
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	// WithLevel never exits or panics, even for CRITICAL records.
	zl.WithLevel(level).Fields(data).Send()
}

// Safe calls l.Log and swallows any panic from the implementation.
func Safe(l ports.Logger, level zerolog.Level, data map[string]any) {
	if l == nil {
		return
	}
	defer func() { _ = recover() }()
	l.Log(level, data)
}
