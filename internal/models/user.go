package models

import (
	dil2 "github.com/cloudflare/circl/sign/dilithium/mode2"
	lib "github.com/libp2p/go-libp2p/core/crypto"
)

// Keybag holds the unlocked private material of the local identity.
type Keybag struct {
	Libp2pPriv    lib.PrivKey
	DilithiumPriv *dil2.PrivateKey
	StorageKey    []byte // 32 bytes, root of the at-rest encryption keys
}

type Identity struct {
	PeerID string
	DID    string
	Keybag *Keybag
}
