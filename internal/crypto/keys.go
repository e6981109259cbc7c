package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	lib "github.com/libp2p/go-libp2p/core/crypto"
)

const storageKeyInfo = "offgrid/storage/v1"

// GenerateKey returns 32 random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveStorageKey derives the at-rest root key from the identity key, so
// stored ciphertext stays readable for as long as the identity exists.
func DeriveStorageKey(priv lib.PrivKey) ([]byte, error) {
	if priv == nil {
		return nil, ErrBadKey.WithDetails("nil identity key")
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, ErrBadKey.WithDetails(err.Error())
	}
	return DeriveKey(raw, storageKeyInfo)
}

// ContentHash is a hex SHA-256 over length-prefixed parts, so ("ab","c")
// and ("a","bc") hash differently.
func ContentHash(parts ...[]byte) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
