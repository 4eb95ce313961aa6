package domain

import "errors"

// Error taxonomy (sentinels). Every error crossing a component boundary wraps
// exactly one of these so that retryability is a property of the kind, not of
// the call site.
var (
	ErrTransientIO         = errors.New("transient io error")
	ErrTimeout             = errors.New("timeout")
	ErrRateLimited         = errors.New("rate limited")
	ErrAuthPermanent       = errors.New("permanent auth error")
	ErrCircuitOpen         = errors.New("circuit open")
	ErrQueueFull           = errors.New("queue full")
	ErrShutdown            = errors.New("shut down")
	ErrSchemaInvariant     = errors.New("schema invariant violated")
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrExcessiveFailures   = errors.New("excessive failures")
	ErrAlreadyReleased     = errors.New("permit already released")
	ErrNotFound            = errors.New("not found")
	ErrInternal            = errors.New("internal error")
)

// ErrorKind names an entry of the taxonomy for logs, metrics and reports.
type ErrorKind string

// Kinds corresponding to the sentinel errors.
const (
	KindTransientIO         ErrorKind = "TRANSIENT_IO"
	KindTimeout             ErrorKind = "TIMEOUT"
	KindRateLimit           ErrorKind = "RATE_LIMIT"
	KindAuthPermanent       ErrorKind = "AUTH_PERMANENT"
	KindCircuitOpen         ErrorKind = "CIRCUIT_OPEN"
	KindQueueFull           ErrorKind = "QUEUE_FULL"
	KindShutdown            ErrorKind = "SHUT_DOWN"
	KindSchemaInvariant     ErrorKind = "SCHEMA_INVARIANT"
	KindUnresolvedReference ErrorKind = "UNRESOLVED_REFERENCE"
	KindExcessiveFailures   ErrorKind = "EXCESSIVE_FAILURES"
	KindInternalBug         ErrorKind = "INTERNAL_BUG"
)

// Kind classifies err against the taxonomy. Unrecognized errors are treated
// as internal bugs so they surface loudly instead of being retried forever.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransientIO):
		return KindTransientIO
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrAuthPermanent):
		return KindAuthPermanent
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrShutdown):
		return KindShutdown
	case errors.Is(err, ErrSchemaInvariant):
		return KindSchemaInvariant
	case errors.Is(err, ErrUnresolvedReference):
		return KindUnresolvedReference
	case errors.Is(err, ErrExcessiveFailures):
		return KindExcessiveFailures
	default:
		return KindInternalBug
	}
}

// IsRetryable reports whether the queue layer may re-attempt a job that
// failed with err. CIRCUIT_OPEN is excluded: it is surfaced to the worker so
// it can shed load without burning job attempts.
func IsRetryable(err error) bool {
	switch Kind(err) {
	case KindTransientIO, KindTimeout:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must abort the run: new work stops, in-flight
// work drains, the run fails.
func IsFatal(err error) bool {
	switch Kind(err) {
	case KindAuthPermanent, KindSchemaInvariant, KindInternalBug:
		return true
	default:
		return false
	}
}
