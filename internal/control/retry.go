package control

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/gantry/pkg/schema"
)

// Retry timing defaults. Callers can override the base delay per request and
// the cap via configuration.
const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 5 * time.Minute
)

// CanRetry reports retry eligibility: the execution must be failed or timed
// out and have attempt budget left. Exhaustion is permanent for the context;
// there is no silent reset.
func CanRetry(ctx *schema.ExecutionContext) bool {
	if ctx == nil {
		return false
	}
	if ctx.EnhancedState != schema.StateFailed && ctx.EnhancedState != schema.StateTimeout {
		return false
	}
	if ctx.RetryInfo == nil {
		return true
	}
	return ctx.RetryInfo.AttemptCount < ctx.RetryInfo.MaxAttempts
}

// ComputeRetryDelay calculates the delay before the next retry attempt.
// attempt is the attempt number being scheduled (1-based). maxDelay caps
// linear and exponential growth; <=0 falls back to DefaultMaxDelay.
func ComputeRetryDelay(info *schema.RetryInfo, attempt int, maxDelay time.Duration) time.Duration {
	if info == nil || attempt < 1 {
		return 0
	}

	base := DefaultBaseDelay
	if info.BaseDelay != "" {
		if parsed, err := time.ParseDuration(info.BaseDelay); err == nil {
			base = parsed
		}
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	var delay time.Duration
	switch info.Strategy {
	case schema.RetryImmediate:
		return 0
	case schema.RetryLinear:
		delay = base * time.Duration(attempt)
	case schema.RetryCustom:
		if parsed, err := time.ParseDuration(info.CustomDelay); err == nil {
			// Custom delays are stored verbatim, exempt from the cap.
			return parsed
		}
		return 0
	default: // exponential
		multiplier := time.Duration(1)
		for i := 1; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	}

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// ScheduleRetry applies one accepted retry request to the context's retry
// accounting: increments the attempt count and stamps NextRetryAt from the
// strategy. The caller must have verified the attempt budget first.
func ScheduleRetry(ectx *schema.ExecutionContext, info *schema.RetryInfo, now time.Time, maxDelay time.Duration) {
	info.AttemptCount++
	next := now.Add(ComputeRetryDelay(info, info.AttemptCount, maxDelay))
	info.NextRetryAt = &next
	ectx.RetryInfo = info
}

// RetryBudgetError builds the non-retryable failure for an exhausted context.
func RetryBudgetError(ectx *schema.ExecutionContext) *schema.ControlError {
	info := ectx.RetryInfo
	return schema.NewErrorf(schema.ErrCodeRetryLimit,
		"retry limit reached: %d of %d attempts used", info.AttemptCount, info.MaxAttempts).
		WithExecution(ectx.ExecutionID).
		WithDetails(map[string]any{
			"attempt_count": info.AttemptCount,
			"max_attempts":  info.MaxAttempts,
		})
}

// IsRetryableDispatchError classifies whether a failed source dispatch should
// count as transient. Used by the retry dispatcher when a deferred dispatch
// fails, to decide between rescheduling and failing the execution.
func IsRetryableDispatchError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Context cancelled means the core is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ctrlErr *schema.ControlError
	if errors.As(err, &ctrlErr) {
		switch ctrlErr.Code {
		case schema.ErrCodeTimeout, schema.ErrCodeSourceUnavailable:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// WaitForRetry sleeps until the delay elapses or the context is cancelled.
func WaitForRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
