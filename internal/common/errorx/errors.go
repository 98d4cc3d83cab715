package errorx

import (
	"errors"
	"fmt"
)

// Category groups errors by how callers must react to them.
type Category string

const (
	// CategoryAuth covers user-correctable credential failures, shown inline
	CategoryAuth Category = "auth-failure"
	// CategoryBlocked covers suspended organizations; callers redirect, never retry
	CategoryBlocked Category = "access-blocked"
	// CategoryNetwork covers transient transport failures
	CategoryNetwork Category = "network-error"
	// CategoryDecode covers unreadable capture input; ignored, scanning continues
	CategoryDecode Category = "decode-error"
	// CategoryStale covers responses that arrived for a superseded attempt
	CategoryStale Category = "stale-response"
	// CategoryInternal covers everything else
	CategoryInternal Category = "internal"
)

// Error is the structured error carried across the agent's components.
type Error struct {
	Code     string
	Category Category
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a structured error.
func New(code string, category Category, message string) *Error {
	return &Error{Code: code, Category: category, Message: message}
}

// Wrap attaches a cause to a copy of the given error.
func Wrap(base *Error, cause error) *Error {
	return &Error{Code: base.Code, Category: base.Category, Message: base.Message, Cause: cause}
}

// WithMessage returns a copy of the given error carrying the server-provided message.
func WithMessage(base *Error, message string) *Error {
	return &Error{Code: base.Code, Category: base.Category, Message: message}
}

var (
	// ErrInvalidCredentials is returned when the server rejects email/password
	ErrInvalidCredentials = New("invalid_credentials", CategoryAuth, "invalid email or password")
	// ErrOrganizationBlocked is returned when the owning organization is suspended
	ErrOrganizationBlocked = New("organization_blocked", CategoryBlocked, "organization is blocked")
	// ErrNetworkUnreachable is returned when the backend cannot be reached
	ErrNetworkUnreachable = New("network_unreachable", CategoryNetwork, "server unreachable")
	// ErrSessionExpired is returned when a restored credential is no longer valid
	ErrSessionExpired = New("session_expired", CategoryAuth, "session expired")
	// ErrStaleResponse marks a decision that arrived for a superseded scan attempt
	ErrStaleResponse = New("stale_response", CategoryStale, "response for superseded attempt")
	// ErrDecodeFailed marks unreadable capture input
	ErrDecodeFailed = New("decode_failed", CategoryDecode, "could not decode input")
	// ErrChannelClosed is returned when sending on a closed event channel
	ErrChannelClosed = New("channel_closed", CategoryInternal, "event channel is closed")
)

func categoryIs(err error, c Category) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == c
	}
	return false
}

// IsBlocked reports whether the error requires routing to the blocked-access view.
func IsBlocked(err error) bool { return categoryIs(err, CategoryBlocked) }

// IsAuthFailure reports whether the error is a user-correctable credential failure.
func IsAuthFailure(err error) bool { return categoryIs(err, CategoryAuth) }

// IsNetwork reports whether the error is a transient transport failure.
func IsNetwork(err error) bool { return categoryIs(err, CategoryNetwork) }

// IsStale reports whether the error marks a superseded attempt's response.
func IsStale(err error) bool { return categoryIs(err, CategoryStale) }
