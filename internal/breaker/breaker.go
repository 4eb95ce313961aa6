package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
	"github.com/fairyhunter13/cognitive-triangulation/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows operations through while counting failures.
	StateClosed State = iota
	// StateOpen fails fast until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probes to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MaxResetTimeout  time.Duration
	ProbeCount       int
	// FailureWindow bounds how long a failure counts toward the threshold.
	FailureWindow time.Duration
}

// ExecuteOptions tune a single Execute call.
type ExecuteOptions struct {
	// MaxRetries re-attempts fn on retryable kinds before classifying.
	MaxRetries int
	// UseFallback serves the cache fallback when the circuit refuses the call.
	UseFallback bool
	// AllowDegraded serves the degraded function when the circuit refuses the
	// call and no fallback applies.
	AllowDegraded bool
}

// PerformanceMetrics summarizes a breaker's call history.
type PerformanceMetrics struct {
	TotalRequests      int64
	TotalFailures      int64
	TotalSuccesses     int64
	TransientErrors    int64
	RateLimitedCalls   int64
	StateChanges       int64
	ConsecutiveOpens   int
	AvgCallDuration    time.Duration
	PermanentlyDegaded bool
}

// CircuitBreaker wraps calls to one external dependency. Transient and
// non-attributable error categories never drive the circuit into OPEN.
type CircuitBreaker struct {
	mu sync.Mutex

	service  string
	cfg      Config
	classify Classifier

	state           State
	failures        []time.Time
	nextRetryAt     time.Time
	currentTimeout  time.Duration
	probesInFlight  int
	probeFailures   int
	probeSuccesses  int
	backoffUntil    time.Time
	permanentlyDown bool

	fallback func(ctx context.Context) error
	degraded func(ctx context.Context) error
	backoff  BackoffStore

	onStateChange func(service string, open bool)

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	transientCount int64
	rateLimited    int64
	stateChanges   int64
	consecOpens    int
	totalCallTime  time.Duration
}

// New constructs a breaker for one service with its classifier.
func New(service string, cfg Config, classify Classifier) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.MaxResetTimeout <= 0 {
		cfg.MaxResetTimeout = 8 * cfg.ResetTimeout
	}
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = 1
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if classify == nil {
		classify = func(err error) Outcome {
			if err == nil {
				return OutcomeSuccess
			}
			return OutcomeFailure
		}
	}
	return &CircuitBreaker{
		service:        service,
		cfg:            cfg,
		classify:       classify,
		state:          StateClosed,
		currentTimeout: cfg.ResetTimeout,
	}
}

// SetCacheFallback installs the fallback served when the circuit refuses a
// call and opts.UseFallback is set.
func (cb *CircuitBreaker) SetCacheFallback(fn func(ctx context.Context) error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.fallback = fn
}

// SetDegradedFunction installs the degraded-mode handler.
func (cb *CircuitBreaker) SetDegradedFunction(fn func(ctx context.Context) error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.degraded = fn
}

// SetBackoffStore shares the provider backoff deadline across processes.
// Without a store the deadline lives in process memory only.
func (cb *CircuitBreaker) SetBackoffStore(store BackoffStore) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.backoff = store
}

// Execute runs fn under the breaker's state machine.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error, opts ExecuteOptions) error {
	if err := cb.admitBackoff(ctx); err != nil {
		return cb.refuse(ctx, opts, err)
	}
	_, probing, err := cb.admit()
	if err != nil {
		return cb.refuse(ctx, opts, err)
	}

	start := time.Now()
	callErr := fn(ctx)
	for attempt := 0; attempt < opts.MaxRetries && callErr != nil && domain.IsRetryable(callErr); attempt++ {
		select {
		case <-ctx.Done():
			attempt = opts.MaxRetries
			continue
		default:
		}
		callErr = fn(ctx)
	}
	cb.record(ctx, callErr, time.Since(start), probing)
	return callErr
}

// refuse serves the fallback or degraded handler when the breaker refuses a
// call; with neither installed the refusal error surfaces.
func (cb *CircuitBreaker) refuse(ctx context.Context, opts ExecuteOptions, err error) error {
	if opts.UseFallback {
		cb.mu.Lock()
		fb := cb.fallback
		cb.mu.Unlock()
		if fb != nil {
			return fb(ctx)
		}
	}
	if opts.AllowDegraded {
		cb.mu.Lock()
		dg := cb.degraded
		cb.mu.Unlock()
		if dg != nil {
			return dg(ctx)
		}
	}
	return err
}

// admitBackoff refuses calls while a provider cooldown is active. The shared
// store is consulted only once the in-process deadline has elapsed, so
// cooldowns recorded by other worker processes are honored too.
func (cb *CircuitBreaker) admitBackoff(ctx context.Context) error {
	cb.mu.Lock()
	until := cb.backoffUntil
	store := cb.backoff
	cb.mu.Unlock()

	now := time.Now()
	if !now.Before(until) && store != nil {
		shared, err := store.GetBackoffUntil(ctx, cb.service)
		if err != nil {
			slog.Warn("backoff store read failed",
				slog.String("service", cb.service), slog.Any("error", err))
			return nil
		}
		until = shared
	}
	if !now.Before(until) {
		return nil
	}

	cb.mu.Lock()
	if until.After(cb.backoffUntil) {
		cb.backoffUntil = until
	}
	cb.rateLimited++
	cb.mu.Unlock()
	return fmt.Errorf("op=breaker.execute service=%s: %w", cb.service,
		&RateLimitError{RetryAfter: until.Sub(now)})
}

// admit decides whether a call may proceed. probing reports whether the call
// counts against the half-open probe budget.
func (cb *CircuitBreaker) admit() (ok, probing bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case StateClosed:
		return true, false, nil
	case StateOpen:
		if now.Before(cb.nextRetryAt) {
			return false, false, fmt.Errorf("op=breaker.execute service=%s: %w", cb.service, &CircuitOpenError{RetryAt: cb.nextRetryAt})
		}
		cb.transitionLocked(StateHalfOpen)
		cb.probesInFlight = 1
		cb.probeFailures = 0
		cb.probeSuccesses = 0
		return true, true, nil
	case StateHalfOpen:
		if cb.probesInFlight >= cb.cfg.ProbeCount {
			return false, false, fmt.Errorf("op=breaker.execute service=%s: %w", cb.service, &CircuitOpenError{RetryAt: cb.nextRetryAt})
		}
		cb.probesInFlight++
		return true, true, nil
	default:
		return false, false, fmt.Errorf("op=breaker.execute service=%s: %w", cb.service, domain.ErrInternal)
	}
}

// record applies the classified outcome of one call and persists any new
// backoff deadline to the shared store.
func (cb *CircuitBreaker) record(ctx context.Context, callErr error, dur time.Duration, probing bool) {
	cb.mu.Lock()
	persistUntil := cb.recordLocked(callErr, dur, probing)
	store := cb.backoff
	cb.mu.Unlock()

	if store != nil && !persistUntil.IsZero() {
		if err := store.SetBackoffUntil(ctx, cb.service, persistUntil); err != nil {
			slog.Warn("backoff store write failed",
				slog.String("service", cb.service), slog.Any("error", err))
		}
	}
}

// recordLocked returns the backoff deadline to persist when the outcome was a
// rate limit, the zero time otherwise.
func (cb *CircuitBreaker) recordLocked(callErr error, dur time.Duration, probing bool) time.Time {
	cb.totalRequests++
	cb.totalCallTime += dur
	outcome := cb.classify(callErr)
	now := time.Now()

	if probing {
		cb.probesInFlight--
	}

	switch outcome {
	case OutcomeSuccess:
		cb.totalSuccesses++
		if cb.state == StateHalfOpen {
			cb.probeSuccesses++
			if cb.probeSuccesses >= cb.cfg.ProbeCount {
				cb.transitionLocked(StateClosed)
				cb.failures = nil
				cb.currentTimeout = cb.cfg.ResetTimeout
				cb.consecOpens = 0
				slog.Info("circuit breaker closed after successful probes",
					slog.String("service", cb.service),
					slog.Int("probes", cb.probeSuccesses))
			}
		}
	case OutcomeRateLimit:
		// Alive but shedding load; never counts toward the trip threshold.
		cb.rateLimited++
		ra := RetryAfter(callErr)
		if ra <= 0 {
			ra = time.Second
		}
		cb.backoffUntil = now.Add(ra)
		return cb.backoffUntil
	case OutcomeTransient:
		cb.transientCount++
	case OutcomePermanentAuth:
		// Cannot self-heal and opening would not help; flag and surface.
		cb.permanentlyDown = true
		slog.Error("circuit breaker marked permanently degraded",
			slog.String("service", cb.service),
			slog.Any("error", callErr))
	case OutcomeFailure:
		cb.totalFailures++
		if cb.state == StateHalfOpen {
			cb.probeFailures++
			cb.openLocked(now, true)
			return time.Time{}
		}
		cb.failures = append(cb.failures, now)
		cb.pruneFailuresLocked(now)
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.openLocked(now, false)
		}
	}
	return time.Time{}
}

// openLocked transitions to OPEN, doubling the reset timeout when reopening.
func (cb *CircuitBreaker) openLocked(now time.Time, fromHalfOpen bool) {
	if fromHalfOpen || cb.consecOpens > 0 {
		cb.currentTimeout *= 2
		if cb.currentTimeout > cb.cfg.MaxResetTimeout {
			cb.currentTimeout = cb.cfg.MaxResetTimeout
		}
	}
	cb.consecOpens++
	cb.nextRetryAt = now.Add(cb.currentTimeout)
	cb.transitionLocked(StateOpen)
	cb.failures = nil
	slog.Warn("circuit breaker opened",
		slog.String("service", cb.service),
		slog.Duration("reset_timeout", cb.currentTimeout),
		slog.Bool("from_half_open", fromHalfOpen))
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.stateChanges++
	observability.BreakerState.WithLabelValues(cb.service).Set(float64(to))
	if cb.onStateChange != nil {
		open := to == StateOpen
		wasOpen := from == StateOpen
		if open != wasOpen {
			go cb.onStateChange(cb.service, open)
		}
	}
}

func (cb *CircuitBreaker) pruneFailuresLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.FailureWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

// State returns the current state, promoting OPEN to HALF_OPEN when the reset
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !time.Now().Before(cb.nextRetryAt) {
		return StateHalfOpen
	}
	return cb.state
}

// FailureCount returns the failures currently inside the rolling window.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneFailuresLocked(time.Now())
	return len(cb.failures)
}

// NextRetryTime returns when an OPEN circuit will admit a probe.
func (cb *CircuitBreaker) NextRetryTime() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.nextRetryAt
}

// BackoffUntil returns the provider-driven backoff deadline, zero when none.
func (cb *CircuitBreaker) BackoffUntil() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.backoffUntil
}

// PermanentlyDegraded reports whether the service hit a non-self-healing
// error (auth).
func (cb *CircuitBreaker) PermanentlyDegraded() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.permanentlyDown
}

// PerformanceMetrics returns the breaker's call statistics.
func (cb *CircuitBreaker) PerformanceMetrics() PerformanceMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	var avg time.Duration
	if cb.totalRequests > 0 {
		avg = cb.totalCallTime / time.Duration(cb.totalRequests)
	}
	return PerformanceMetrics{
		TotalRequests:      cb.totalRequests,
		TotalFailures:      cb.totalFailures,
		TotalSuccesses:     cb.totalSuccesses,
		TransientErrors:    cb.transientCount,
		RateLimitedCalls:   cb.rateLimited,
		StateChanges:       cb.stateChanges,
		ConsecutiveOpens:   cb.consecOpens,
		AvgCallDuration:    avg,
		PermanentlyDegaded: cb.permanentlyDown,
	}
}
