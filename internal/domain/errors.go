package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the gateway and scoring layers.
var (
	// ErrSessionUnavailable means the gateway stayed unreachable after
	// repeated backoff. Propagates to callers of order endpoints.
	ErrSessionUnavailable = errors.New("gateway session unavailable")

	// ErrSessionDropped notifies a pending request that the session
	// died under it. Delivered exactly once per registered handler.
	ErrSessionDropped = errors.New("gateway session dropped")

	// ErrTimeout means no response arrived within the configured bound.
	// For orders this is not an error to the caller; the persistent
	// listener reconciles when the event eventually arrives.
	ErrTimeout = errors.New("request timed out")

	// ErrNoProviders means every scoring provider failed or returned a
	// non-compliant response, so no consensus can be computed.
	ErrNoProviders = errors.New("no providers available")

	// ErrConflictingLink is an attempt to insert a duplicate
	// (evaluation, order) link. Callers skip it silently.
	ErrConflictingLink = errors.New("conflicting eval-execution link")
)

// ValidationError is a request rejected before any I/O.
// Surfaces to HTTP callers as a 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// GatewayError carries a broker-side error code. Non-fatal codes are
// swallowed by the session layer; fatal codes propagate as this type.
type GatewayError struct {
	ReqID   int64
	Code    int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d (req %d): %s", e.Code, e.ReqID, e.Message)
}

// Gateway error codes the core must recognise.
const (
	// GatewayCodeConnectionLost: connectivity between gateway and broker
	// lost; retry after a fixed 10 s instead of the normal backoff.
	GatewayCodeConnectionLost = 1100

	// GatewayCodeConnectionRestored: the session recovered in place;
	// suppress reconnection entirely.
	GatewayCodeConnectionRestored = 1102
)

// nonFatalGatewayCodes are transient broker-side warnings: logged,
// never propagated to correlated requests.
var nonFatalGatewayCodes = map[int]bool{
	1101: true, // connection restored, data lost (resubscribe handled upstream)
	2103: true, // market data farm connection broken
	2104: true, // market data farm connection OK
	2106: true, // HMDS data farm connection OK
	2108: true, // market data farm inactive but should be available
	2158: true, // sec-def data farm connection OK
}

// IsFatalGatewayCode reports whether a gateway error code should be
// propagated to the request that triggered it.
func IsFatalGatewayCode(code int) bool {
	return !nonFatalGatewayCodes[code]
}

// ProviderFailure wraps a single external scoring provider's failure.
// Never fatal to the ensemble while at least one provider succeeds.
type ProviderFailure struct {
	Provider string
	Cause    error
}

func (e *ProviderFailure) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Provider, e.Cause)
}

func (e *ProviderFailure) Unwrap() error { return e.Cause }

// SchemaMismatch is provider output failing validation (score out of
// [0,100], confidence outside [0,1], ...). Aggregation treats it the
// same as a ProviderFailure.
type SchemaMismatch struct {
	Provider string
	Detail   string
}

func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("provider %s returned invalid payload: %s", e.Provider, e.Detail)
}
