package protocol

import (
	"math"
	"time"
)

// ETALayout is the wire format of the eta field.
const ETALayout = time.RFC3339Nano

// Clock returns the current time. Scheduling code reads "now" only through a Clock.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// EtaToAbsolute converts a relative delay in seconds to an absolute UTC time.
// Negative delays are clamped to zero.
func EtaToAbsolute(clock Clock, seconds float64) time.Time {
	if clock == nil {
		clock = SystemClock
	}
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	return clock().UTC().Add(time.Duration(seconds * float64(time.Second)))
}

// FormatETA renders t the way it travels on the wire.
func FormatETA(t time.Time) string {
	return t.UTC().Format(ETALayout)
}

// ParseETA parses a wire eta.
func ParseETA(s string) (time.Time, error) {
	t, err := time.Parse(ETALayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
