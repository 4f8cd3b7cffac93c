package autherr

import (
	"errors"
	"fmt"
)

// Kind classifies an authentication failure. Handlers map kinds to HTTP
// statuses; services never return raw backing-store errors.
type Kind string

const (
	KindInvalidChannel      Kind = "AUTH_001"
	KindInvalidCredentials  Kind = "AUTH_002"
	KindUserNotFound        Kind = "AUTH_003"
	KindUserDisabled        Kind = "AUTH_004"
	KindCredentialMismatch  Kind = "AUTH_005"
	KindCaptchaError        Kind = "AUTH_006"
	KindSmsCodeError        Kind = "AUTH_007"
	KindExternalCodeInvalid Kind = "AUTH_008"
	KindTokenInvalid        Kind = "AUTH_009"
	KindTokenExpired        Kind = "AUTH_010"
	KindDeviceNotAuthorized Kind = "AUTH_011"
	KindRefreshTokenInvalid Kind = "AUTH_012"
	KindDeviceLimitExceeded Kind = "AUTH_013"
	KindRegistryUnavailable Kind = "AUTH_014"
)

// Error is a typed authentication failure: a stable kind code plus a
// human-readable message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is(err, autherr.New(kind, "")) match on kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New returns a typed failure of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a cause (typically a backing-store error) to a typed failure.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the kind from err, or "" when err is not a typed failure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller may retry the failed call. Only
// backing-store outages qualify; every other kind is a definitive answer.
func Retryable(err error) bool {
	return IsKind(err, KindRegistryUnavailable)
}
