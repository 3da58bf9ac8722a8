package client

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is the outcome of a cancelled request. It is delivered
	// through OnCancel, never OnFailure.
	ErrCancelled = errors.New("request cancelled")

	ErrInvalidParams = errors.New("invalid parameters")
	ErrStatus        = errors.New("unexpected status")
	ErrEmptyPayload  = errors.New("empty payload")
	ErrClosed        = errors.New("dispatcher closed")
)

// TransportError covers connection, timeout, IO and non-2xx failures.
// DNS failures arrive wrapped in it and still match *dns.ResolutionError.
type TransportError struct {
	Method string
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %v %d", e.Method, e.URL, e.Err, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a payload the method could not turn into its result.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
