package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Login errors. Each one terminates the current login attempt.
var (
	ErrPopupBlocked    = errors.New("cannot start authentication")
	ErrStateMismatch   = errors.New("invalid state")
	ErrProviderError   = errors.New("authorization server returned an error")
	ErrExchangeFailed  = errors.New("cannot exchange token")
	ErrRefreshFailed   = errors.New("refresh token rejected")
	ErrUserCancelled   = errors.New("authentication cancelled")
	ErrLoginInProgress = errors.New("another login is already in progress")
	ErrNoOpener        = errors.New("no login waiting for this redirect")
)

// Non-critical errors. These are logged and ignored by callers.
var (
	ErrSessionDestroyFailed = errors.New("session destroy failed")
	ErrSnapshotFetchFailed  = errors.New("cannot request snapshot")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// ProviderError carries the error code and description sent back by the
// authorization server on the redirect. It matches ErrProviderError.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s: %s", ErrProviderError, e.Code)
	}

	return fmt.Sprintf("%s: %s: %s", ErrProviderError, e.Code, e.Description)
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderError
}

// UserMessage returns the text shown to the user for a login failure.
// Provider errors surface their description, everything else its message.
func UserMessage(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Description != "" {
			return pe.Description
		}

		return pe.Code
	}

	for _, sentinel := range []error{
		ErrPopupBlocked,
		ErrStateMismatch,
		ErrExchangeFailed,
		ErrRefreshFailed,
		ErrUserCancelled,
		ErrLoginInProgress,
	} {
		if errors.Is(err, sentinel) {
			return capitalize(sentinel.Error())
		}
	}

	return err.Error()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	return strings.ToUpper(s[:1]) + s[1:]
}
