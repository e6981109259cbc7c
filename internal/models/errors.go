package models

import "offgrid/internal/utils"

var (
	ErrUnknownChangeKind = utils.MalformedError("unknown change kind")
	ErrMissingPayload    = utils.MalformedError("change payload missing or invalid")
)
