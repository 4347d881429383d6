// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff.
type Policy struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64 `yaml:"jitter"`
}

// Default is used for save retries: 1s doubling up to 5m with 20% jitter.
func Default() Policy {
	return Policy{
		Initial: time.Second,
		Max:     5 * time.Minute,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the wait before the given attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// DelayWithRand is Delay with a caller-provided random value in [0, 1).
func (p Policy) DelayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}
