package signaling

import (
	"errors"

	"github.com/securevox/call-server/internal/auth"
	"github.com/securevox/call-server/internal/call"
	"github.com/securevox/call-server/internal/keys"
	"github.com/securevox/call-server/internal/upstream"
)

// Stable machine-readable error codes shared by the WebSocket and REST
// surfaces.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeCapacity       = "CAPACITY_EXCEEDED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidSession = "INVALID_SESSION"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeUserOffline    = "USER_OFFLINE"
	CodeStateConflict  = "STATE_CONFLICT"
	CodeUpstream       = "UPSTREAM_UNAVAILABLE"
	CodeInternal       = "INTERNAL_ERROR"
)

// ErrUserOffline rejects a call to a user with no live signaling connection.
var ErrUserOffline = errors.New("callee has no active connection")

// ErrorCode maps a domain error to its wire code. Unknown errors are
// INTERNAL_ERROR; their details stay in the logs.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, errValidation),
		errors.Is(err, call.ErrSelfCall),
		errors.Is(err, call.ErrNoCallees),
		errors.Is(err, call.ErrInvalidMedia):
		return CodeValidation
	case errors.Is(err, call.ErrTooManyCalls),
		errors.Is(err, call.ErrSystemCapacity),
		errors.Is(err, auth.ErrTooManyConnections):
		return CodeCapacity
	case errors.Is(err, call.ErrRateLimited),
		errors.Is(err, auth.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, call.ErrNotFound),
		errors.Is(err, keys.ErrNoContext):
		return CodeNotFound
	case errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrAlreadyInCall):
		return CodeStateConflict
	case errors.Is(err, call.ErrNotParticipant),
		errors.Is(err, keys.ErrNotParticipant),
		errors.Is(err, auth.ErrForbidden),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrRevoked):
		return CodeUnauthorized
	case errors.Is(err, ErrUserOffline):
		return CodeUserOffline
	case errors.Is(err, auth.ErrUpstreamUnavailable),
		errors.Is(err, upstream.ErrUnavailable):
		return CodeUpstream
	default:
		return CodeInternal
	}
}

// errorEnvelope builds the error event sent back to the offending client.
func errorEnvelope(err error) Envelope {
	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return mustEnvelope(TypeError, ErrorData{Code: code, Message: msg})
}
