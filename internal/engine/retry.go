package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// IsRetryableError classifies whether a failed step attempt may be retried.
// Timeouts, network errors and transient typed errors are retryable;
// validation, configuration and cancellation are not. Untyped errors from
// action handlers default to retryable and the step's policy bounds them.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var e *schema.Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range nonRetryablePatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

var nonRetryablePatterns = []string{
	"permission denied",
	"unauthorized",
	"forbidden",
	"invalid argument",
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
// Supports none, constant, linear, and exponential backoff with optional
// max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}
	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt && delay <= math.MaxInt64/2; i++ {
			delay *= 2
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // constant, none or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// maxAttempts returns how many times a step may run in total.
func maxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.Max <= 0 {
		return 1
	}
	return policy.Max + 1
}

// Clock is the engine's view of time. Step delays and retry backoff wait on
// it so tests never sleep.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or returns ctx.Err() if ctx ends first.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
