package queue

import "offgrid/internal/utils"

var (
	ErrNotInitialized = utils.InitializationError("change queue not initialized")
	ErrNoHandler      = utils.InitializationError("change queue has no sync handlers")
	ErrChangeNotFound = utils.ValidationError("pending change not found")
	ErrNilPayload     = utils.ValidationError("change payload is nil")
)
