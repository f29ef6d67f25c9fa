package rate

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter throttles outgoing requests
type Limiter interface {
	Wait(ctx context.Context) error
}

// New limiter allowing n requests per second with bursts of up to n. Zero
// disables limiting.
func New(n int) Limiter {
	if n <= 0 {
		return unlimited{}
	}
	return &limiter{rate.NewLimiter(rate.Limit(n), n)}
}

type limiter struct {
	l *rate.Limiter
}

var _ Limiter = (*limiter)(nil)

func (l *limiter) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}

type unlimited struct{}

var _ Limiter = unlimited{}

func (unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}
