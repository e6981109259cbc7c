package p2p

import "offgrid/internal/utils"

var (
	ErrHostInit    = utils.InitializationError("cannot start libp2p host")
	ErrNoPubSub    = utils.InitializationError("pubsub not initialized")
	ErrNoRouting   = utils.InitializationError("dht not initialized")
	ErrBadAddr     = utils.ValidationError("invalid peer address")
	ErrSelfDial    = utils.ValidationError("refusing to dial self")
	ErrUnreachable = utils.TransientError("peer unreachable")
	ErrRejected    = utils.TransientError("peer rejected request")
	ErrBadAnnounce = utils.MalformedError("malformed profile announcement")
)
