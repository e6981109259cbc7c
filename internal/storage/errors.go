package storage

import "offgrid/internal/utils"

var (
	ErrNotFound   = utils.StorageError("key not found")
	ErrClosed     = utils.StorageError("store closed")
	ErrEmptyKey   = utils.ValidationError("empty storage key")
	ErrCannotOpen = utils.InitializationError("cannot open store")
	ErrBadBackup  = utils.MalformedError("malformed backup stream")
	ErrBadRecord  = utils.MalformedError("malformed stored record")
)
