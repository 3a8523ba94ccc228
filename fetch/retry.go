// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package fetch

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/zeebo/errs"
)

// Error kinds classifying why a fetch failed. Retry policies allow and deny
// by kind.
type Kind string

// Fetch error kinds.
const (
	KindTimeout     Kind = "timeout"
	KindConnection  Kind = "connection"
	KindServer      Kind = "server"
	KindRateLimited Kind = "rate_limited"
	KindClient      Kind = "client"
	KindOther       Kind = "other"
)

var (
	// ErrRetryExhausted wraps the last error after the retry budget is spent.
	ErrRetryExhausted = errs.Class("retry exhausted")

	// ErrRateLimited tags responses rejected with HTTP 429.
	ErrRateLimited = errs.Class("rate limited")

	// ErrDownload tags failed or partial downloads.
	ErrDownload = errs.Class("download")
)

// RetryConfig is an immutable retry policy.
//
// The delay before attempt k (1-indexed) is
// min(BaseDelay * ExponentialBase^(k-1), MaxDelay) scaled by a uniformly
// random factor in [1-Jitter, 1+Jitter].
type RetryConfig struct {
	MaxAttempts     int           `help:"how many upstream attempts a request may use" default:"3"`
	BaseDelay       time.Duration `help:"backoff delay before the first retry" default:"1s"`
	MaxDelay        time.Duration `help:"upper bound on a single backoff delay" default:"30s"`
	ExponentialBase float64       `help:"backoff growth factor between attempts" default:"2"`
	Jitter          float64       `help:"random backoff scaling in [0,1]" default:"0.1"`

	// RetryOn lists kinds that trigger a retry; empty means the default set
	// (timeout, connection, server, rate_limited). NoRetryOn takes precedence.
	RetryOn   []Kind
	NoRetryOn []Kind
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		Jitter:          0.1,
	}
}

var defaultRetryOn = []Kind{KindTimeout, KindConnection, KindServer, KindRateLimited}

// ShouldRetry reports whether an error of the given kind is retried.
func (config RetryConfig) ShouldRetry(kind Kind) bool {
	for _, denied := range config.NoRetryOn {
		if denied == kind {
			return false
		}
	}
	allowed := config.RetryOn
	if len(allowed) == 0 {
		allowed = defaultRetryOn
	}
	for _, k := range allowed {
		if k == kind {
			return true
		}
	}
	return false
}

// Delay computes the backoff before retrying after attempt (1-indexed).
func (config RetryConfig) Delay(attempt int) time.Duration {
	base := config.ExponentialBase
	if base <= 0 {
		base = 2
	}
	delay := float64(config.BaseDelay) * math.Pow(base, float64(attempt-1))
	if max := float64(config.MaxDelay); config.MaxDelay > 0 && delay > max {
		delay = max
	}
	if config.Jitter > 0 {
		delay *= 1 + config.Jitter*(2*rand.Float64()-1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Run invokes op up to MaxAttempts times. op reports the error kind and an
// optional server-directed delay override (HTTP Retry-After) alongside its
// error. Run sleeps the computed backoff between attempts and honors ctx.
func (config RetryConfig) Run(ctx context.Context, op func(ctx context.Context) (Kind, time.Duration, error)) error {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		kind, override, err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !config.ShouldRetry(kind) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := config.Delay(attempt)
		if override > 0 {
			delay = override
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
	return ErrRetryExhausted.New("after %d attempts: %w", attempts, lastErr)
}

// sleep waits for d, returning false when ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
