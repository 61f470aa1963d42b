package endpoint

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnauthorized marks a 401 from the token endpoint.
	ErrUnauthorized = errors.New("token endpoint unauthorized")
	// ErrRejected marks any other non-2xx status.
	ErrRejected = errors.New("token endpoint rejected request")
	// ErrMalformed marks a 2xx response whose payload is unusable.
	ErrMalformed = errors.New("token endpoint returned malformed payload")
	// ErrTransport marks a request that produced no response.
	ErrTransport = errors.New("token endpoint unreachable")
)

// Error describes one failed endpoint call.
type Error struct {
	Op         string
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.StatusCode != 0 {
		msg += " (status " + strconv.Itoa(e.StatusCode) + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
