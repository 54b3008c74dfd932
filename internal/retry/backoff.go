package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before automatic retry attempt n (1-indexed)
type Strategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialWithJitter returns a random delay in
// [Initial*2^(n-1)/2, Initial*2^(n-1)], capped at Max
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with equal jitter
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	half := base / 2
	return time.Duration(half + rand.Float64()*half) //nolint:gosec // jitter does not need crypto rand
}

// DefaultStrategy is 5s initial, 5m cap
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(5*time.Second, 5*time.Minute)
}
