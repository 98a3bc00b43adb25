package auth

import "errors"

var (
	ErrMissingToken        = errors.New("missing token")
	ErrInvalidToken        = errors.New("invalid token")
	ErrRevoked             = errors.New("token revoked")
	ErrRateLimited         = errors.New("too many authentication attempts")
	ErrTooManyConnections  = errors.New("connection limit reached")
	ErrForbidden           = errors.New("insufficient permissions")
	ErrUpstreamUnavailable = errors.New("identity authority unavailable")
)
