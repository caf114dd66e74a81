package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies backend failures into categories suitable for retry
// and UX decisions.
type ErrorKind string

const (
	// ErrorKindAuth indicates authentication or authorization failures.
	ErrorKindAuth ErrorKind = "auth"
	// ErrorKindInvalidRequest indicates the request cannot succeed as issued.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	// ErrorKindNotFound indicates the addressed resource does not exist.
	ErrorKindNotFound ErrorKind = "not_found"
	// ErrorKindRateLimited indicates the backend is throttling requests.
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindUnavailable indicates a 5xx or network failure.
	ErrorKindUnavailable ErrorKind = "unavailable"
	// ErrorKindUnknown indicates an unclassified failure.
	ErrorKindUnknown ErrorKind = "unknown"
)

var (
	// ErrRateLimited is matched by errors.Is for every rate-limited remote
	// failure.
	ErrRateLimited = errors.New("remote: rate limited")

	// ErrUnsupported is returned by backends for operations they do not
	// implement.
	ErrUnsupported = errors.New("remote: operation not supported")
)

// Error describes a failure returned by a backend. It crosses package
// boundaries so the relay can surface stable, structured information.
type Error struct {
	provider  string
	operation string
	http      int
	kind      ErrorKind
	code      string
	message   string
	requestID string
	cause     error
}

// NewError constructs an Error. provider and kind are required.
func NewError(provider, operation string, httpStatus int, kind ErrorKind, code, message, requestID string, cause error) *Error {
	if provider == "" {
		panic("remote: provider is required")
	}
	if kind == "" {
		panic("remote: error kind is required")
	}
	return &Error{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		code:      code,
		message:   message,
		requestID: requestID,
		cause:     cause,
	}
}

// Provider returns the backend identifier (for example "openai").
func (e *Error) Provider() string { return e.provider }

// Operation returns the backend operation name when known.
func (e *Error) Operation() string { return e.operation }

// HTTPStatus returns the HTTP status code when available, otherwise 0.
func (e *Error) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained classification.
func (e *Error) Kind() ErrorKind { return e.kind }

// Code returns the backend error code when available.
func (e *Error) Code() string { return e.code }

// Message returns the backend error message when available.
func (e *Error) Message() string { return e.message }

// RequestID returns the backend request identifier when available.
func (e *Error) RequestID() string { return e.requestID }

// Retryable reports whether retrying may succeed without changing the request.
func (e *Error) Retryable() bool {
	return e.kind == ErrorKindRateLimited || e.kind == ErrorKindUnavailable
}

func (e *Error) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	code := ""
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "remote error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, code+msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.cause }

// Is makes rate-limited errors match ErrRateLimited.
func (e *Error) Is(target error) bool {
	return target == ErrRateLimited && e.kind == ErrorKindRateLimited
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ClassifyHTTP maps an HTTP status and backend error code to an ErrorKind.
func ClassifyHTTP(status int, code string) ErrorKind {
	if IsRateLimitCode(code) {
		return ErrorKindRateLimited
	}
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorKindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorKindAuth
	case status == http.StatusNotFound:
		return ErrorKindNotFound
	case status >= 500:
		return ErrorKindUnavailable
	case status >= 400:
		return ErrorKindInvalidRequest
	default:
		return ErrorKindUnknown
	}
}

// IsRateLimitCode reports whether a backend error code denotes rate limiting.
func IsRateLimitCode(code string) bool {
	code = strings.ToLower(code)
	return code == "rate_limit_exceeded" || code == "rate_limit_error" ||
		code == "too_many_requests" || strings.Contains(code, "rate_limit")
}
