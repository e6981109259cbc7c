package profile

import (
	"offgrid/internal/crypto"
	"offgrid/internal/models"
)

// Profile is the projected, read-only view of a Replica.
type Profile struct {
	ID          string           `json:"id"`
	DID         string           `json:"did"`
	Name        string           `json:"name"`
	Age         int              `json:"age"`
	Bio         string           `json:"bio"`
	Photos      []string         `json:"photos"`
	Interests   []string         `json:"interests"`
	Location    *models.GeoPoint `json:"location,omitempty"`
	Signatures  []Signature      `json:"signatures"`
	Version     uint64           `json:"version"`
	LastUpdated int64            `json:"last_updated"`
}

// Signature is one independent attestation over the canonical profile bytes.
type Signature struct {
	SignerDID string        `json:"signer_did"`
	Scheme    crypto.Scheme `json:"scheme"`
	PublicKey []byte        `json:"public_key"`
	Value     []byte        `json:"value"`
	SignedAt  int64         `json:"signed_at"` // unix micro
}

// identityRecord is the at-rest form of a local identity. Private keys are
// sealed with a passphrase-derived key.
type identityRecord struct {
	PeerID           string `json:"peer_id"`
	DID              string `json:"did"`
	PasswordSalt     []byte `json:"password_salt"`
	PasswordChecksum []byte `json:"password_checksum"`
	DilithiumPrivEnc []byte `json:"dilithium_priv_enc"`
	Libp2pPrivEnc    []byte `json:"libp2p_priv_enc"`
	Created          int64  `json:"created"`
}
