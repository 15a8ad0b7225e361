package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"syscall"
	"time"
)

// RetryPolicy decides whether a failed stage attempt is retried and how long
// to wait first.
type RetryPolicy struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         bool          `yaml:"jitter"`

	// rand returns a value in [0,1). Nil uses math/rand/v2.
	rand func() float64
}

// DefaultRetryPolicy returns 3 retries starting at 1s, doubling, capped at 600s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     10 * time.Minute,
		Jitter:         true,
	}
}

// WithRand returns a copy of p using r as its jitter source.
func (p RetryPolicy) WithRand(r func() float64) RetryPolicy {
	p.rand = r
	return p
}

// Delay returns the backoff before retry number attempt (0-indexed):
// InitialBackoff * Multiplier^attempt capped at MaxBackoff. With jitter the
// result is scaled by a factor in [0.5, 1.5).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	base := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt))
	if p.MaxBackoff > 0 {
		base = math.Min(base, float64(p.MaxBackoff))
	}
	if p.Jitter {
		r := p.rand
		if r == nil {
			r = rand.Float64
		}
		base *= 0.5 + r()
	}
	// Converting an out-of-range float to int64 is implementation-defined.
	if math.IsNaN(base) || base <= 0 {
		return 0
	}
	if base >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base))
}

// Decide classifies err for the attempt-th retry (0-indexed). A fatal
// retryable error comes back wrapped with ErrRetriesExhausted.
func (p RetryPolicy) Decide(err error, attempt int) (bool, time.Duration, error) {
	if !IsRetryable(err) {
		return false, 0, err
	}
	if attempt >= p.MaxRetries {
		return false, 0, fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, attempt, err)
	}
	return true, p.Delay(attempt), err
}

// IsRetryable reports whether err is a transient failure worth retrying.
// Validation errors and cancellation are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var rerr *RetryableError
	if errors.As(err, &rerr) {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
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
