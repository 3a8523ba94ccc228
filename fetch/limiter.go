// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package fetch provides rate-limited, retried HTTP access for adapters.
package fetch

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"golang.org/x/time/rate"
)

var (
	// Error is the default fetch errs class.
	Error = errs.Class("fetch")

	mon = monkit.Package()
)

// RateLimiter is a token bucket refilling continuously at rate tokens per
// second up to burst capacity. Acquire blocks until tokens are available and
// honors context cancellation.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a token bucket with the given refill rate and burst
// capacity. A rate of zero blocks every Acquire; callers must not configure
// zero.
func NewRateLimiter(tokensPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(tokensPerSecond), burst)}
}

// NewMinIntervalLimiter creates a limiter enforcing a minimum interval of
// 1/tokensPerSecond between calls, equivalent to a token bucket with burst 1.
func NewMinIntervalLimiter(tokensPerSecond float64) *RateLimiter {
	return NewRateLimiter(tokensPerSecond, 1)
}

// Acquire blocks until n tokens are available, returning the time waited.
func (limiter *RateLimiter) Acquire(ctx context.Context, n int) (waited time.Duration, err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()
	if err := limiter.limiter.WaitN(ctx, n); err != nil {
		if ctx.Err() != nil {
			return time.Since(start), ctx.Err()
		}
		return time.Since(start), Error.Wrap(err)
	}
	return time.Since(start), nil
}

// Rate returns the configured refill rate in tokens per second.
func (limiter *RateLimiter) Rate() float64 {
	return float64(limiter.limiter.Limit())
}

// Burst returns the configured bucket capacity.
func (limiter *RateLimiter) Burst() int {
	return limiter.limiter.Burst()
}
