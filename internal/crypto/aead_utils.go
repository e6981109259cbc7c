package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	chacha "golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SealAEAD prepends a fresh random nonce to the ciphertext.
func SealAEAD(data []byte, aead cipher.AEAD, ad []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, data, ad), nil
}

func OpenAEAD(encData []byte, aead cipher.AEAD, ad []byte) ([]byte, error) {
	if len(encData) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryptFailed.WithDetails("ciphertext too short")
	}
	nonce := encData[:aead.NonceSize()]
	return aead.Open(nil, nonce, encData[aead.NonceSize():], ad)
}

// DeriveKey expands root into a 32 byte key bound to info.
func DeriveKey(root []byte, info string) ([]byte, error) {
	if len(root) < 16 {
		return nil, ErrBadKey.WithDetails("root key too short")
	}
	hk := hkdf.New(sha256.New, root, nil, []byte(info))
	key := make([]byte, chacha.KeySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewXAEAD returns an XChaCha20-Poly1305 cipher; its 24 byte nonce is safe
// to pick at random for every seal.
func NewXAEAD(key []byte) (cipher.AEAD, error) {
	aead, err := chacha.NewX(key)
	if err != nil {
		return nil, ErrBadKey.WithDetails(err.Error())
	}
	return aead, nil
}
