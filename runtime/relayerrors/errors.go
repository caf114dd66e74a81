// Package relayerrors defines the caller-visible error taxonomy of the relay.
//
// Every failure that leaves the relay core is an *Error carrying a Kind. The
// kind tells callers whether retrying later may help (transient, timeout,
// remote_rate_limited) or whether the request cannot succeed as issued.
package relayerrors

import (
	"context"
	"errors"
	"fmt"

	"goa.design/coderelay/runtime/backoff"
	"goa.design/coderelay/runtime/remote"
)

// Kind classifies relay failures.
type Kind string

const (
	// KindTransient indicates a rate-limited remote call that exhausted its
	// retries.
	KindTransient Kind = "transient"

	// KindTimeout indicates the poll deadline elapsed before the run reached a
	// terminal status. The run may still complete remotely.
	KindTimeout Kind = "timeout"

	// KindRemoteFailure indicates the run reached failed, cancelled or expired.
	KindRemoteFailure Kind = "remote_failure"

	// KindRemoteRateLimited indicates the run failed remotely because of rate
	// limiting. Callers should try again later.
	KindRemoteRateLimited Kind = "remote_rate_limited"

	// KindNotFound indicates a file or session lookup failure.
	KindNotFound Kind = "not_found"

	// KindUnsupportedBackend indicates the remote client lacks a capability
	// required at construction time.
	KindUnsupportedBackend Kind = "unsupported_backend"

	// KindInvalidRequest indicates the caller supplied an invalid request.
	KindInvalidRequest Kind = "invalid_request"

	// KindMalformed indicates a remote payload node that could not be
	// interpreted. It never leaves the output normalizer.
	KindMalformed Kind = "malformed"

	// KindInternal indicates an unclassified failure.
	KindInternal Kind = "internal"
)

// Error is a classified relay failure.
type Error struct {
	// Kind is the failure classification.
	Kind Kind
	// Op names the relay operation that failed (for example "run.await").
	Op string
	// Code is the remote-provided error code when available.
	Code string
	// Message is a human readable description.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// New returns an Error with the given kind, operation and message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf is like New but formats the message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind wrapping cause. The cause message is
// kept as the error message so remote diagnostics survive.
func Wrap(kind Kind, op string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Op: op, Message: msg, Cause: cause}
}

// WithCode sets the remote error code and returns e.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// RetryLater reports whether the failure may succeed if retried later without
// changing the request.
func (e *Error) RetryLater() bool {
	switch e.Kind {
	case KindTransient, KindTimeout, KindRemoteRateLimited:
		return true
	default:
		return false
	}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal
// when err is not a relay error. KindOf(nil) returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if re, ok := As(err); ok {
		return re.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromRemote classifies a failed remote call made by op. Deadline expiry is a
// timeout. A remote.Error is classified by its kind: rate limited calls that
// exhausted their retries are transient, 404s map to not found, 400s to
// invalid request and anything else to a remote failure. Unstructured errors
// that look rate limited are transient, other ones are remote failures. Relay
// errors are returned unchanged.
func FromRemote(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return Wrap(KindInternal, op, err)
	}
	if re, ok := remote.AsError(err); ok {
		kind := KindRemoteFailure
		switch {
		case backoff.RateLimitClassifier(re) == backoff.Retryable:
			kind = KindTransient
		case re.Kind() == remote.ErrorKindNotFound:
			kind = KindNotFound
		case re.Kind() == remote.ErrorKindInvalidRequest:
			kind = KindInvalidRequest
		}
		return Wrap(kind, op, err).WithCode(re.Code())
	}
	if backoff.RateLimitClassifier(err) == backoff.Retryable {
		return Wrap(KindTransient, op, err)
	}
	return Wrap(KindRemoteFailure, op, err)
}
