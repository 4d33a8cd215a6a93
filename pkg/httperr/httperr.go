// Package httperr defines the outcome taxonomy shared by the request pipeline.
//
// Every stage of connection handling returns either a value or an *Error
// carrying one of the kinds below. The connection handler maps the kind to a
// response status and is the only place failures are recovered.
package httperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure
type Kind int

const (
	// UnexpectedFailure is the catch-all for anything not classified below
	UnexpectedFailure Kind = iota
	// EmptyRequest means the peer closed before sending a request line
	EmptyRequest
	// MalformedRequest means the request line could not be parsed
	MalformedRequest
	// MethodNotAllowed means the method is not GET
	MethodNotAllowed
	// ForbiddenPath means the target contains ".." or resolves outside the root
	ForbiddenPath
	// UnsupportedType means the file extension has no content type
	UnsupportedType
	// NotFound means nothing servable exists at the resolved path
	NotFound
	// IoFailure means reading the request or file, or writing the response, failed
	IoFailure
)

var kindNames = map[Kind]string{
	UnexpectedFailure: "unexpected failure",
	EmptyRequest:      "empty request",
	MalformedRequest:  "malformed request",
	MethodNotAllowed:  "method not allowed",
	ForbiddenPath:     "forbidden path",
	UnsupportedType:   "unsupported type",
	NotFound:          "not found",
	IoFailure:         "i/o failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status returns the HTTP status code a kind is answered with.
// EmptyRequest has no response and returns 0.
func (k Kind) Status() int {
	switch k {
	case EmptyRequest:
		return 0
	case MalformedRequest:
		return http.StatusBadRequest
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ForbiddenPath, UnsupportedType:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing reason shown on the error page.
// It never includes request data or server internals.
func (k Kind) Message() string {
	switch k {
	case MalformedRequest:
		return "The request could not be understood by the server."
	case MethodNotAllowed:
		return "Only GET requests are supported."
	case ForbiddenPath:
		return "Access to the requested path is not allowed."
	case UnsupportedType:
		return "The requested file type is not served."
	case NotFound:
		return "The requested resource was not found on this server."
	default:
		return "The server encountered an error while processing the request."
	}
}

// Error is a classified pipeline failure
type Error struct {
	Kind Kind
	Op   string // stage that failed, e.g. "parse", "resolve"
	Err  error  // underlying cause, may be nil
}

// New returns an *Error of the given kind
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns an *Error whose cause is built from format and args
func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, httperr.New(httperr.NotFound, "", nil)) works regardless of Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf classifies err. Errors that are not an *Error are UnexpectedFailure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnexpectedFailure
}
