package httpapi

import (
	"context"
	"math"
	"net/http"
	"strconv"

	goahttp "goa.design/goa/v3/http"

	"goa.design/coderelay/runtime/backoff"
	"goa.design/coderelay/runtime/relayerrors"
)

// defaultRetryAfter is advertised on 429 responses when the remote error
// carries no retry hint.
const defaultRetryAfter = 30

// ErrorBody is the JSON body of error responses. RetryLater tells clients
// whether the same request may succeed later.
type ErrorBody struct {
	Name       string `json:"name"`
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	RetryLater bool   `json:"retry_later"`
}

// StatusCode maps a relay error kind to the HTTP status of the response.
func StatusCode(kind relayerrors.Kind) int {
	switch kind {
	case relayerrors.KindInvalidRequest:
		return http.StatusBadRequest
	case relayerrors.KindNotFound:
		return http.StatusNotFound
	case relayerrors.KindTimeout:
		return http.StatusGatewayTimeout
	case relayerrors.KindTransient, relayerrors.KindRemoteRateLimited:
		return http.StatusTooManyRequests
	case relayerrors.KindRemoteFailure:
		return http.StatusBadGateway
	case relayerrors.KindUnsupportedBackend:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := relayerrors.KindOf(err)
	status := StatusCode(kind)
	body := ErrorBody{Name: string(kind), Message: err.Error()}
	if re, ok := relayerrors.As(err); ok {
		body.Message = re.Message
		body.Code = re.Code
		body.RetryLater = re.RetryLater()
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", "err", err)
		body.Message = "internal error"
	} else {
		s.logger.Warn(ctx, "request failed", "kind", kind, "err", err)
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter(err)))
	}
	s.encode(ctx, w, status, body)
}

// retryAfter returns the number of seconds clients should wait, derived from
// the remote retry hint when present.
func retryAfter(err error) int {
	if d, ok := backoff.RetryAfterHint(err); ok {
		return max(1, int(math.Ceil(d.Seconds())))
	}
	return defaultRetryAfter
}

func (s *Server) encode(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := goahttp.ResponseEncoder(ctx, w).Encode(v); err != nil {
		s.logger.Error(ctx, "failed to encode response", "err", err)
	}
}
