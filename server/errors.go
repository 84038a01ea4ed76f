package server

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks missing or invalid start-up configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrSession marks a missing or mismatched state/nonce pair at callback.
	ErrSession = errors.New("session error")
	// ErrTokenExchange marks a failed code-for-token exchange.
	ErrTokenExchange = errors.New("token exchange failed")
	// ErrUserInfo marks a failed user-info retrieval.
	ErrUserInfo = errors.New("userinfo failed")
)

// AuthorizationError is returned when the authorization server reports an
// error on the redirect back to the callback.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authorization server returned %s", e.Code)
	}
	return fmt.Sprintf("authorization server returned %s: %s", e.Code, e.Description)
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
