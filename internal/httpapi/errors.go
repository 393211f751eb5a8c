package httpapi

import (
	"errors"
	"net/http"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
)

// errorBody is the wire shape of every non-2xx response. Kind is the stable
// taxonomy value from internal/agoraerr so a client can branch on failure
// category without parsing Message, and Retryable tells the client library
// whether to apply its backoff-and-retry policy.
type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps the agoraerr taxonomy onto HTTP status codes. The mapping
// is deliberately coarse: callers branch on Kind in the response body, not
// on the status code, so the code only needs to get the broad class right
// (client error vs. conflict vs. server-side).
func statusFor(kind agoraerr.Kind) int {
	switch kind {
	case agoraerr.InvalidArgument, agoraerr.InvalidTransitionError:
		return http.StatusBadRequest
	case agoraerr.IdentitySpoofingError, agoraerr.PermissionDenied, agoraerr.Halted:
		return http.StatusForbidden
	case agoraerr.NotFound:
		return http.StatusNotFound
	case agoraerr.Conflict, agoraerr.CursorExpired:
		return http.StatusConflict
	case agoraerr.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case agoraerr.Overloaded:
		return http.StatusServiceUnavailable
	case agoraerr.IdGenerationError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := agoraerr.KindOf(err)
	retryable := false
	var ae *agoraerr.Error
	if errors.As(err, &ae) {
		retryable = ae.Retryable()
	}
	writeJSON(w, statusFor(kind), errorBody{
		Kind:      string(kind),
		Message:   err.Error(),
		Retryable: retryable,
	})
}
