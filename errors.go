package nitram

import (
	"errors"
	"fmt"
)

// MethodError is the error surface available to application handlers.
// Returning one maps to a stable wire payload; any other error maps to the
// ErrServer payload.
type MethodError uint8

const (
	// ErrServer reports an internal handler failure.
	ErrServer MethodError = iota
	// ErrNotFound reports a missing domain entity.
	ErrNotFound
	// ErrNotAuthorized rejects a caller that is connected but not allowed.
	ErrNotAuthorized
	// ErrNotAuthenticated rejects a caller with no valid identity.
	ErrNotAuthenticated
	// ErrNoResponse tells the push path to skip the topic this tick. On the
	// request path it degrades to ErrServer.
	ErrNoResponse
)

func (e MethodError) Error() string {
	switch e {
	case ErrNotFound:
		return "not found"
	case ErrNotAuthorized:
		return "not authorized"
	case ErrNotAuthenticated:
		return "not authenticated"
	case ErrNoResponse:
		return "no response"
	default:
		return "server error"
	}
}

func (e MethodError) niceMessage() NiceMessage {
	switch e {
	case ErrNotFound:
		return NiceNotFound
	case ErrNotAuthorized:
		return NiceNotAuthorized
	case ErrNotAuthenticated:
		return NiceNotAuthenticated
	default:
		return NiceServerError
	}
}

// WithData attaches a JSON-serializable blob to the wire payload, producing
// the "(~ message ~~ data ~)" form.
func (e MethodError) WithData(data any) error {
	return &methodErrorData{kind: e, data: data}
}

type methodErrorData struct {
	kind MethodError
	data any
}

func (e *methodErrorData) Error() string { return e.kind.Error() }
func (e *methodErrorData) Unwrap() error { return e.kind }

// Dispatch-internal failure kinds. These never reach handlers; the wire
// mapping lives in Engine.errorPayload.
var (
	errMethodNotFound   = errors.New("method not found")
	errNotAuthenticated = errors.New("not authenticated")
	errNotAuthorized    = errors.New("not authorized")
)

// paramsError distinguishes absent params from undecodable params. Both map
// to the bad-request payload.
type paramsError struct {
	missing bool
	cause   error
}

func (e *paramsError) Error() string {
	if e.missing {
		return "params missing but requested"
	}
	return fmt.Sprintf("params parsing: %v", e.cause)
}

func (e *paramsError) Unwrap() error { return e.cause }
