package csrfkit

import (
	"errors"
	"strconv"
)

var (
	// ErrAuthRequired means the caller has no valid session. Only re-authentication helps; the
	// manager never retries it on its own.
	ErrAuthRequired = errors.New("csrf: authentication required")
	// ErrNetwork means no response was received. Safe to retry.
	ErrNetwork = errors.New("csrf: token endpoint unreachable")
	// ErrTokenFetch means the server answered with an unusable payload or status.
	ErrTokenFetch = errors.New("csrf: token fetch failed")
	// ErrSessionCleared is returned to callers waiting on an operation that Logout detached.
	ErrSessionCleared = errors.New("csrf: token state cleared by logout")
	// ErrManagerNotReady is returned by methods called on a nil or unbuilt Manager.
	ErrManagerNotReady = errors.New("csrf: manager not initialized")
)

// TokenError carries the details of a failed fetch or refresh. errors.Is matches its Kind
// (one of ErrAuthRequired, ErrNetwork, ErrTokenFetch) as well as the underlying cause.
type TokenError struct {
	Op         string
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *TokenError) Error() string {
	msg := "csrf " + e.Op + ": " + e.Kind.Error()
	if e.StatusCode != 0 {
		msg += " (status " + strconv.Itoa(e.StatusCode) + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *TokenError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether err is worth retrying without user involvement.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrAuthRequired) {
		return false
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTokenFetch) || errors.Is(err, ErrSessionCleared)
}
