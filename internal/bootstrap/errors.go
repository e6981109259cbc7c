package bootstrap

import "offgrid/internal/utils"

var (
	ErrNotInitialized    = utils.InitializationError("bootstrap coordinator not initialized")
	ErrAllMethodsFailed  = utils.TransientError("all bootstrap methods failed")
	ErrNoCandidates      = utils.TransientError("no bootstrap candidates")
	ErrMethodUnavailable = utils.InitializationError("bootstrap method unavailable")
	ErrUnknownMethod     = utils.ValidationError("unknown bootstrap method")
	ErrInvalidNode       = utils.ValidationError("invalid bootstrap node")
	ErrBadRelayReply     = utils.MalformedError("bad relay reply")
)
