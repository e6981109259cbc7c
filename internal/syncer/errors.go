package syncer

import "offgrid/internal/utils"

var (
	ErrMissingDependency = utils.InitializationError("orchestrator dependency missing")
	ErrUnknownChange     = utils.ValidationError("unknown change kind")
	ErrUnknownMethod     = utils.ValidationError("unknown sync method")
	ErrBadParams         = utils.MalformedError("malformed request params")
	ErrSenderMismatch    = utils.SecurityError("message sender does not match stream peer")
	ErrNoPublisher       = utils.InitializationError("no profile publisher")
)
