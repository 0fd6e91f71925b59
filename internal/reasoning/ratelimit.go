package reasoning

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited caps the call rate of the wrapped client.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited wraps next so that at most perMinute calls start per minute.
// A non-positive perMinute returns next unchanged.
func NewRateLimited(next Client, perMinute int) Client {
	if perMinute <= 0 {
		return next
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

// Generate waits for a token, then delegates.
func (r *RateLimited) Generate(ctx context.Context, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", &Error{Kind: KindTransport, Backend: "rate limiter", Err: err}
	}
	return r.next.Generate(ctx, prompt)
}
