package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// ExponentialJitter doubles base for every attempt after the first, caps the
// result at max and spreads it by +/- 20%.
func ExponentialJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	mul := math.Pow(2, float64(attempt-1))
	d := time.Duration(math.Min(float64(base)*mul, float64(max)))
	if max <= 0 {
		d = time.Duration(float64(base) * mul)
	}

	j := int64(float64(d) * 0.2)
	if j <= 0 {
		return d
	}
	return d - time.Duration(j) + time.Duration(rand.Int64N(2*j))
}
