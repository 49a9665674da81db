package quotes

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a fetch error so the orchestrator can decide
// whether to retry, rotate credentials, fall through, or give up.
type ErrorKind string

const (
	KindTransient      ErrorKind = "transient"       // timeout, 5xx - retryable
	KindRateLimited    ErrorKind = "rate_limited"    // admission denied - skip/rotate
	KindQuotaExhausted ErrorKind = "quota_exhausted" // no credential available - skip provider
	KindCircuitOpen    ErrorKind = "circuit_open"    // provider unhealthy - skip, no network call
	KindValidation     ErrorKind = "validation"      // malformed payload - provider failure
	KindBadSymbol      ErrorKind = "bad_symbol"      // caller error, not a provider health signal
	KindExhausted      ErrorKind = "all_providers_exhausted"
)

// Error is the typed error returned by every acquisition component.
// Lower layers never swallow errors; they return one of these and the
// orchestrator inspects Kind.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Symbol     string
	Message    string
	RetryAfter time.Duration // set for rate-limited errors when known
	Cause      error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Provider != "" {
		s += " [" + e.Provider + "]"
	}
	if e.Symbol != "" {
		s += " " + e.Symbol
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" (%v)", e.Cause)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

func NewTransientError(provider, symbol, message string, cause error) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitedError(provider, symbol, message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Provider: provider, Symbol: symbol, Message: message, RetryAfter: retryAfter}
}

func NewQuotaExhaustedError(provider, message string) *Error {
	return &Error{Kind: KindQuotaExhausted, Provider: provider, Message: message}
}

func NewCircuitOpenError(provider string) *Error {
	return &Error{Kind: KindCircuitOpen, Provider: provider, Message: "circuit open"}
}

func NewValidationError(provider, symbol, message string, cause error) *Error {
	return &Error{Kind: KindValidation, Provider: provider, Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(provider, symbol, message string) *Error {
	return &Error{Kind: KindBadSymbol, Provider: provider, Symbol: symbol, Message: message}
}

func NewExhaustedError(symbol, message string) *Error {
	return &Error{Kind: KindExhausted, Symbol: symbol, Message: message}
}

// KindOf extracts the classification of err, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ""
}

// RetryAfterOf extracts the retry hint from a rate-limited error.
func RetryAfterOf(err error) time.Duration {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.RetryAfter
	}
	return 0
}

// CountsAsBreakerFailure reports whether err is a provider health signal.
// Network timeouts, 5xx and malformed payloads trip the breaker; a
// well-formed "symbol not found" is a caller error and must not, and
// admission-control errors never reach the provider at all.
func CountsAsBreakerFailure(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindValidation:
		return true
	case "":
		// Untyped errors out of an adapter are treated as provider failures.
		return err != nil
	default:
		return false
	}
}

// IsSkippable reports whether the cascade should move on to the next
// provider without retrying the current one.
func IsSkippable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindQuotaExhausted, KindCircuitOpen:
		return true
	}
	return false
}
