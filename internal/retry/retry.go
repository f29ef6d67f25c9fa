package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy decides how long to wait before the next attempt. Attempt is the
// number of attempts that have failed so far, starting at 1.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Sleep waits for d or until ctx is done. Tests swap in an instant sleep.
type Sleep func(ctx context.Context, d time.Duration) error

// Wait is the default Sleep
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fixed waits the same amount before every retry
func Fixed(d time.Duration) Policy {
	return fixed(d)
}

type fixed time.Duration

func (f fixed) Delay(int) time.Duration {
	return time.Duration(f)
}

// Exponential grows the delay by Factor after every failure, capped at Max
type Exponential struct {
	Base   time.Duration
	Max    time.Duration // 0 is uncapped
	Factor float64       // defaults to 2
}

var _ Policy = (*Exponential)(nil)

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := e.Factor
	if factor <= 1 {
		factor = 2
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt-1))
	if e.Max > 0 && delay > float64(e.Max) {
		return e.Max
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Jitter spreads each delay of policy by up to ±fraction. Random returns
// values in [0, 1) and defaults to math/rand.
func Jitter(policy Policy, fraction float64, random func() float64) Policy {
	if random == nil {
		random = rand.Float64
	}
	return &jitter{policy, math.Max(0, math.Min(fraction, 1)), random}
}

type jitter struct {
	policy   Policy
	fraction float64
	random   func() float64
}

func (j *jitter) Delay(attempt int) time.Duration {
	delay := float64(j.policy.Delay(attempt))
	spread := delay * j.fraction * (2*j.random() - 1)
	return time.Duration(delay + spread)
}
