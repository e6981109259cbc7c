package profile

import (
	"offgrid/internal/utils"
)

var (
	ErrProfileNotFound   = utils.StorageError("profile not found")
	ErrIdentityNotFound  = utils.StorageError("identity not found")
	ErrInvalidPassphrase = utils.SecurityError("invalid passphrase")
	ErrIdentityMismatch  = utils.ValidationError("replicas belong to different profiles")
	ErrMalformedSnapshot = utils.MalformedError("malformed profile snapshot")
	ErrNoSignature       = utils.ValidationError("signature not found on profile")
)
