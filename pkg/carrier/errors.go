package carrier

import (
	"errors"
	"fmt"
)

// Kind classifies a carrier error for propagation policy decisions.
type Kind string

const (
	// KindConfiguration covers missing credentials or addresses.
	// Non-retryable; surfaced to the operator.
	KindConfiguration Kind = "configuration"

	// KindAuthentication covers 401/403 from a carrier. Triggers one
	// token invalidation plus retry for idempotent calls only.
	KindAuthentication Kind = "authentication"

	// KindTransient covers 5xx, timeouts, and connection failures.
	// Eligible for stale-cache fallback on quoting.
	KindTransient Kind = "transient"

	// KindParse covers carrier responses missing expected fields.
	// Always surfaced; a tracking number or price is never guessed.
	KindParse Kind = "parse"

	// KindValidation covers bad or missing caller input.
	KindValidation Kind = "validation"
)

// Error represents a classified error from a carrier integration.
type Error struct {
	Carrier    string
	Kind       Kind
	Code       string
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s error (%s): %s: %v", e.Carrier, e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s error (%s): %s", e.Carrier, e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so callers can branch with errors.Is and a prototype.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a classified carrier error.
func NewError(carrierName string, kind Kind, code, message string) *Error {
	return &Error{Carrier: carrierName, Kind: kind, Code: code, Message: message}
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithStatusCode attaches the HTTP status the carrier returned.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// Sentinel errors shared across the integration boundary.
var (
	// ErrCarrierNotFound indicates the requested carrier is not registered.
	ErrCarrierNotFound = errors.New("carrier not found")

	// ErrCarrierDisabled indicates the carrier exists but the operator
	// has switched it off.
	ErrCarrierDisabled = errors.New("carrier disabled")

	// ErrMissingCredentials indicates carrier credentials are not configured.
	ErrMissingCredentials = errors.New("missing carrier credentials")

	// ErrBadSignature indicates webhook authentication failed.
	ErrBadSignature = errors.New("webhook signature invalid")

	// ErrReauthenticateRequired indicates a label operation failed with an
	// auth error and the operator must re-authenticate the carrier account.
	ErrReauthenticateRequired = errors.New("carrier re-authentication required")
)

// KindOf extracts the Kind from an error chain, or "" if unclassified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsAuth reports whether err is a carrier authentication failure.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuthentication
}

// IsTransient reports whether err qualifies for stale-cache fallback.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuthentication
	case status >= 500:
		return KindTransient
	default:
		return KindParse
	}
}
