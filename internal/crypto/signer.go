package crypto

import (
	"crypto/rand"

	dil2 "github.com/cloudflare/circl/sign/dilithium/mode2"
	lib "github.com/libp2p/go-libp2p/core/crypto"
)

type Scheme string

const (
	SchemeEd25519    Scheme = "ed25519"
	SchemeDilithium2 Scheme = "dilithium2"
)

// Signer signs with a private key it never exposes.
type Signer interface {
	Scheme() Scheme
	PublicKey() ([]byte, error)
	Sign(data []byte) ([]byte, error)
}

// Ed25519Signer wraps the libp2p identity key.
type Ed25519Signer struct {
	priv lib.PrivKey
}

func NewEd25519Signer(priv lib.PrivKey) (*Ed25519Signer, error) {
	if priv == nil || priv.Type() != lib.Ed25519 {
		return nil, ErrBadKey.WithDetails("ed25519 private key required")
	}
	return &Ed25519Signer{priv: priv}, nil
}

func (s *Ed25519Signer) Scheme() Scheme { return SchemeEd25519 }

// PublicKey is the protobuf-encoded libp2p public key.
func (s *Ed25519Signer) PublicKey() ([]byte, error) {
	return lib.MarshalPublicKey(s.priv.GetPublic())
}

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	sig, err := s.priv.Sign(data)
	if err != nil {
		return nil, ErrSigningFailed.WithDetails(err.Error())
	}
	return sig, nil
}

type DilithiumSigner struct {
	priv *dil2.PrivateKey
}

func NewDilithiumSigner(priv *dil2.PrivateKey) (*DilithiumSigner, error) {
	if priv == nil {
		return nil, ErrBadKey.WithDetails("nil dilithium key")
	}
	return &DilithiumSigner{priv: priv}, nil
}

// GenerateDilithiumSigner creates a fresh Dilithium2 keypair.
func GenerateDilithiumSigner() (*DilithiumSigner, error) {
	_, priv, err := dil2.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &DilithiumSigner{priv: priv}, nil
}

func (s *DilithiumSigner) Scheme() Scheme { return SchemeDilithium2 }

func (s *DilithiumSigner) PublicKey() ([]byte, error) {
	pub, ok := s.priv.Public().(*dil2.PublicKey)
	if !ok {
		return nil, ErrBadKey.WithDetails("unexpected dilithium public key type")
	}
	return pub.MarshalBinary()
}

func (s *DilithiumSigner) Sign(data []byte) ([]byte, error) {
	sig := make([]byte, dil2.SignatureSize)
	dil2.SignTo(s.priv, data, sig)
	return sig, nil
}

// Verify checks sig over data under the public key pub of the given scheme.
func Verify(scheme Scheme, pub, data, sig []byte) error {
	switch scheme {
	case SchemeEd25519:
		pk, err := lib.UnmarshalPublicKey(pub)
		if err != nil {
			return ErrBadKey.WithDetails(err.Error())
		}
		ok, err := pk.Verify(data, sig)
		if err != nil || !ok {
			return ErrSignatureInvalid
		}
		return nil
	case SchemeDilithium2:
		var pk dil2.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return ErrBadKey.WithDetails(err.Error())
		}
		if !dil2.Verify(&pk, data, sig) {
			return ErrSignatureInvalid
		}
		return nil
	default:
		return ErrUnknownScheme.WithDetails(string(scheme))
	}
}
