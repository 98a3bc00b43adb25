package call

import "errors"

var (
	ErrNotFound        = errors.New("call session not found")
	ErrInvalidState    = errors.New("operation not valid in current call state")
	ErrNotParticipant  = errors.New("user is not a participant of this call")
	ErrSelfCall        = errors.New("caller and callee are the same user")
	ErrNoCallees       = errors.New("group call needs at least one callee")
	ErrTooManyCalls    = errors.New("per-user concurrent call limit reached")
	ErrSystemCapacity  = errors.New("server call capacity reached")
	ErrRateLimited     = errors.New("call rate limit exceeded")
	ErrAlreadyInCall   = errors.New("user is already a participant of this call")
	ErrInvalidMedia    = errors.New("unsupported media kind")
)
