// Package tasks holds the sample business logic shipped with the worker.
package tasks

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

// ErrBadArgs is returned when a sample task receives a payload it cannot use.
var ErrBadArgs = errors.New("bad arguments")

// Adder returns a + b.
type Adder struct{}

func (Adder) Run(_ context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: adder takes 2 numbers, got %d", ErrBadArgs, len(args))
	}
	if x, ok := args[0].(int64); ok {
		if y, ok := args[1].(int64); ok {
			return x + y, nil
		}
	}
	a, ok := number(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: %v is not a number", ErrBadArgs, args[0])
	}
	b, ok := number(args[1])
	if !ok {
		return nil, fmt.Errorf("%w: %v is not a number", ErrBadArgs, args[1])
	}
	return a + b, nil
}

// Divider returns its argument divided by three.
type Divider struct{}

func (Divider) Run(_ context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: divider takes 1 number, got %d", ErrBadArgs, len(args))
	}
	a, ok := number(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: %v is not a number", ErrBadArgs, args[0])
	}
	return a / 3, nil
}

// Hasher returns the hex BLAKE2b-256 digest of kwargs["data"].
type Hasher struct{}

func (Hasher) Run(_ context.Context, _ []any, kwargs map[string]any) (any, error) {
	data, ok := kwargs["data"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: hasher needs a string data kwarg", ErrBadArgs)
	}
	sum := blake2b.Sum256([]byte(data))
	return hex.EncodeToString(sum[:]), nil
}

// Printer logs its payload.
type Printer struct{}

func (Printer) Run(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	log.Ctx(ctx).Info().Interface("args", args).Interface("kwargs", kwargs).Msg("print task")
	return nil, nil
}

// Fetcher GETs kwargs["url"] and returns the status code.
type Fetcher struct {
	Client *http.Client
}

func (f Fetcher) Run(ctx context.Context, _ []any, kwargs map[string]any) (any, error) {
	url, ok := kwargs["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("%w: fetcher needs a url kwarg", ErrBadArgs)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return int64(resp.StatusCode), nil
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
