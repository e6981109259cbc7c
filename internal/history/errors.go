package history

import "offgrid/internal/utils"

var (
	ErrNotInitialized       = utils.InitializationError("message store not initialized")
	ErrNoCipher             = utils.InitializationError("encryption enabled without a cipher")
	ErrNoResender           = utils.InitializationError("message store has no resender")
	ErrConversationNotFound = utils.ValidationError("conversation not found")
	ErrMessageNotFound      = utils.ValidationError("message not found")
	ErrInvalidMessage       = utils.ValidationError("invalid message")
)
