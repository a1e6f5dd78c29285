package identity

import (
	"errors"
	"fmt"

	"github.com/Strob0t/DeskRelay/internal/domain/channel"
)

// Sentinels matched through errors.Is against an *AuthError.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthErrorKind classifies an authentication or authorization failure.
type AuthErrorKind int

const (
	KindInvalidToken AuthErrorKind = iota
	KindExpired
	KindUnauthorized
)

// AuthError reports a failed authentication or a denied channel access.
// Channel is set only for KindUnauthorized when a specific channel was denied.
type AuthError struct {
	Kind    AuthErrorKind
	Channel channel.Name
	Err     error
}

func (e *AuthError) Error() string {
	switch e.Kind {
	case KindExpired:
		return "Token expired"
	case KindUnauthorized:
		if e.Channel != "" {
			return fmt.Sprintf("Unauthorized for channel %s", e.Channel)
		}
		return "Authentication required"
	default:
		if e.Err != nil && errors.Is(e.Err, errTokenRequired) {
			return "Token required"
		}
		return "Invalid token"
	}
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *AuthError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindExpired:
		sentinel = ErrExpired
	case KindUnauthorized:
		sentinel = ErrUnauthorized
	default:
		sentinel = ErrInvalidToken
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

var errTokenRequired = errors.New("token required")

// TokenRequired returns the error for a missing credential.
func TokenRequired() *AuthError {
	return &AuthError{Kind: KindInvalidToken, Err: errTokenRequired}
}

// InvalidToken wraps cause as an invalid-token failure.
func InvalidToken(cause error) *AuthError {
	return &AuthError{Kind: KindInvalidToken, Err: cause}
}

// Expired wraps cause as an expired-token failure.
func Expired(cause error) *AuthError {
	return &AuthError{Kind: KindExpired, Err: cause}
}

// Unauthorized reports that ch may not be accessed. ch may be empty when the
// session is simply not authenticated.
func Unauthorized(ch channel.Name) *AuthError {
	return &AuthError{Kind: KindUnauthorized, Channel: ch}
}
