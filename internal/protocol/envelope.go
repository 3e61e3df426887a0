package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Version is the only envelope version this package reads and writes.
const Version = 1

// Envelope is the unit of work that crosses the broker boundary.
type Envelope struct {
	Version        int
	TaskID         string
	ETA            time.Time
	CurrentRetries int
	MaxRetries     int
	LogID          string
	HookMetadata   string
	// TimeLimit bounds a single run; zero means unbounded.
	TimeLimit time.Duration
	Args      []any
	Kwargs    map[string]any
}

// Due reports whether the envelope may run at now.
func (e Envelope) Due(now time.Time) bool {
	return !now.Before(e.ETA)
}

// wire is the JSON shape. Pointers distinguish absent fields from zero values.
type wire struct {
	Version        *int            `json:"version"`
	TaskID         *string         `json:"task_id"`
	ETA            *string         `json:"eta"`
	CurrentRetries *int            `json:"current_retries"`
	MaxRetries     *int            `json:"max_retries"`
	LogID          *string         `json:"log_id"`
	HookMetadata   *string         `json:"hook_metadata"`
	TimeLimit      *int64          `json:"timelimit"`
	Args           *[]any          `json:"args"`
	Kwargs         *map[string]any `json:"kwargs"`
}

// Encode serializes e into its canonical JSON form.
func Encode(e Envelope) (string, error) {
	if e.Version != Version {
		return "", fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	}
	if e.CurrentRetries < 0 || e.MaxRetries < 0 {
		return "", fmt.Errorf("%w: negative retry counter", ErrMalformedEnvelope)
	}

	args, err := normalizeList(e.Args)
	if err != nil {
		return "", fmt.Errorf("args: %w", err)
	}
	kwargs, err := normalizeMap(e.Kwargs)
	if err != nil {
		return "", fmt.Errorf("kwargs: %w", err)
	}

	eta := FormatETA(e.ETA)
	timelimit := int64(e.TimeLimit / time.Second)
	w := wire{
		Version:        &e.Version,
		TaskID:         &e.TaskID,
		ETA:            &eta,
		CurrentRetries: &e.CurrentRetries,
		MaxRetries:     &e.MaxRetries,
		LogID:          &e.LogID,
		HookMetadata:   &e.HookMetadata,
		TimeLimit:      &timelimit,
		Args:           &args,
		Kwargs:         &kwargs,
	}

	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return string(b), nil
}

// Decode parses an envelope produced by Encode.
func Decode(item string) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(item)))
	dec.UseNumber()

	var w wire
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Envelope{}, fmt.Errorf("%w: trailing data after envelope", ErrMalformedEnvelope)
	}

	if w.Version == nil {
		return Envelope{}, fmt.Errorf("%w: missing version", ErrMalformedEnvelope)
	}
	if *w.Version != Version {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, *w.Version)
	}

	switch {
	case w.TaskID == nil:
		return Envelope{}, fmt.Errorf("%w: missing task_id", ErrMalformedEnvelope)
	case w.ETA == nil:
		return Envelope{}, fmt.Errorf("%w: missing eta", ErrMalformedEnvelope)
	case w.CurrentRetries == nil:
		return Envelope{}, fmt.Errorf("%w: missing current_retries", ErrMalformedEnvelope)
	case w.MaxRetries == nil:
		return Envelope{}, fmt.Errorf("%w: missing max_retries", ErrMalformedEnvelope)
	case w.Args == nil:
		return Envelope{}, fmt.Errorf("%w: missing args", ErrMalformedEnvelope)
	case w.Kwargs == nil:
		return Envelope{}, fmt.Errorf("%w: missing kwargs", ErrMalformedEnvelope)
	}

	if *w.CurrentRetries < 0 || *w.MaxRetries < 0 {
		return Envelope{}, fmt.Errorf("%w: negative retry counter", ErrMalformedEnvelope)
	}
	if *w.CurrentRetries > *w.MaxRetries {
		return Envelope{}, fmt.Errorf("%w: current_retries %d exceeds max_retries %d",
			ErrMalformedEnvelope, *w.CurrentRetries, *w.MaxRetries)
	}

	eta, err := ParseETA(*w.ETA)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: eta: %v", ErrMalformedEnvelope, err)
	}

	args, err := denormalizeList(*w.Args)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: args: %v", ErrMalformedEnvelope, err)
	}
	kwargs, err := denormalizeMap(*w.Kwargs)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: kwargs: %v", ErrMalformedEnvelope, err)
	}

	e := Envelope{
		Version:        *w.Version,
		TaskID:         *w.TaskID,
		ETA:            eta,
		CurrentRetries: *w.CurrentRetries,
		MaxRetries:     *w.MaxRetries,
		Args:           args,
		Kwargs:         kwargs,
	}
	if w.LogID != nil {
		e.LogID = *w.LogID
	}
	if w.HookMetadata != nil {
		e.HookMetadata = *w.HookMetadata
	}
	if w.TimeLimit != nil {
		if *w.TimeLimit < 0 {
			return Envelope{}, fmt.Errorf("%w: negative timelimit", ErrMalformedEnvelope)
		}
		e.TimeLimit = time.Duration(*w.TimeLimit) * time.Second
	}
	return e, nil
}
