package scheduler

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"cadence/pkg/llmerrors"
)

// retryPlan resolves the backoff configuration for a classified error.
func (e *executor) retryPlan(err error) (llmerrors.RetryConfig, llmerrors.ErrorType) {
	class := llmerrors.TypeOf(err)
	if cfg, ok := e.retry[class]; ok {
		return cfg, class
	}
	return e.retry[llmerrors.ErrorTypeUnknown], class
}

// retryableError reports whether the error's class should be retried at
// all. Unclassified errors are treated as fatal.
func retryableError(err error) bool {
	var lerr *llmerrors.Error
	if errors.As(err, &lerr) {
		return lerr.IsRetryable()
	}
	return false
}

// backoffDelay computes the exponential backoff for the nth retry
// (1-based), capped at the class maximum and jittered by up to 10% either
// way so synchronized clients spread out.
func backoffDelay(retry int, cfg llmerrors.RetryConfig) time.Duration {
	if retry <= 0 {
		return 0
	}
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(retry-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		delay += time.Duration((rand.Float64()*2 - 1) * 0.1 * float64(delay)) //nolint:gosec // jitter, not crypto
	}
	return delay
}

// errMentions matches upstream rejection text for fallback detection.
func errMentions(err error, needles ...string) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
