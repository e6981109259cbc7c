package crypto

import "offgrid/internal/utils"

var (
	ErrEncryptionFailed = utils.SecurityError("encryption failed")
	ErrDecryptFailed    = utils.SecurityError("decryption failed")
	ErrSigningFailed    = utils.SecurityError("signing failed")
	ErrSignatureInvalid = utils.SecurityError("signature invalid")
	ErrBadKey           = utils.SecurityError("invalid key provided")
	ErrUnknownScheme    = utils.ValidationError("unknown signature scheme")
)
