// Package breaker implements per-service circuit breakers with error
// classification and cross-service coordination.
package breaker

import (
	"errors"
	"strings"
	"time"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// Outcome is the classification of one call result with respect to breaker
// trip math.
type Outcome int

// Classification outcomes. Only OutcomeFailure drives the circuit toward
// OPEN; the excluded categories are tracked separately because they are
// transient or not attributable to the service being down.
const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeRateLimit: the service is alive and shedding load; record
	// backoffUntil instead of counting a failure.
	OutcomeRateLimit
	// OutcomeTransient: deadlocks, pool exhaustion and similar; counted in
	// transientErrorCount only.
	OutcomeTransient
	// OutcomePermanentAuth: cannot self-heal; the breaker marks itself
	// degraded without opening.
	OutcomePermanentAuth
)

// Classifier maps a call error to an Outcome for one service.
type Classifier func(err error) Outcome

// RateLimitError carries the provider's retry-after hint. It wraps
// domain.ErrRateLimited so taxonomy checks keep working.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return "rate limited, retry after " + e.RetryAfter.String() }

// Unwrap ties the error into the taxonomy.
func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

// CircuitOpenError carries when an open circuit admits its next probe. It
// wraps domain.ErrCircuitOpen so taxonomy checks keep working.
type CircuitOpenError struct {
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return "circuit open, next probe at " + e.RetryAt.Format(time.RFC3339)
}

// Unwrap ties the error into the taxonomy.
func (e *CircuitOpenError) Unwrap() error { return domain.ErrCircuitOpen }

// RetryAfter extracts the wait hint from err, zero when absent or elapsed.
func RetryAfter(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		if d := time.Until(coe.RetryAt); d > 0 {
			return d
		}
	}
	return 0
}

// ClassifyLLM classifies LLM provider errors. Rate limits and auth errors do
// not open the circuit; timeouts and network errors do.
func ClassifyLLM(err error) Outcome {
	switch domain.Kind(err) {
	case "":
		return OutcomeSuccess
	case domain.KindRateLimit:
		return OutcomeRateLimit
	case domain.KindAuthPermanent:
		return OutcomePermanentAuth
	case domain.KindTimeout, domain.KindTransientIO:
		return OutcomeFailure
	default:
		return OutcomeFailure
	}
}

// ClassifyGraph classifies graph-store errors. Pool exhaustion and deadlocks
// are transient; SERVICE_UNAVAILABLE style errors count as failures.
func ClassifyGraph(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "pool exhausted") || strings.Contains(msg, "too many connections") {
		return OutcomeRateLimit
	}
	if strings.Contains(msg, "deadlock") || strings.Contains(msg, "serialization failure") {
		return OutcomeTransient
	}
	switch domain.Kind(err) {
	case domain.KindRateLimit:
		return OutcomeRateLimit
	case domain.KindTimeout, domain.KindTransientIO:
		return OutcomeFailure
	default:
		return OutcomeFailure
	}
}

// ClassifyCache classifies cache errors. Connection errors count
// immediately; command timeouts count as failures and trip after the
// windowed threshold.
func ClassifyCache(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
