package crypto

import (
	"crypto/cipher"
	"sync"
)

// Provider bundles the capabilities the storage and profile layers consume:
// signing, at-rest sealing scoped by an arbitrary label, and content hashing.
type Provider interface {
	Signer
	Encrypt(scope string, plaintext []byte) ([]byte, error)
	Decrypt(scope string, ciphertext []byte) ([]byte, error)
	Hash(parts ...[]byte) string
}

// LocalProvider seals with keys derived per scope from one root storage key.
type LocalProvider struct {
	Signer
	root []byte

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

func NewLocalProvider(signer Signer, storageKey []byte) (*LocalProvider, error) {
	if len(storageKey) < 16 {
		return nil, ErrBadKey.WithDetails("storage key too short")
	}
	return &LocalProvider{
		Signer: signer,
		root:   append([]byte{}, storageKey...),
		aeads:  make(map[string]cipher.AEAD),
	}, nil
}

func (p *LocalProvider) aead(scope string) (cipher.AEAD, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.aeads[scope]; ok {
		return a, nil
	}
	key, err := DeriveKey(p.root, "offgrid/scope/"+scope)
	if err != nil {
		return nil, err
	}
	a, err := NewXAEAD(key)
	if err != nil {
		return nil, err
	}
	p.aeads[scope] = a
	return a, nil
}

// Encrypt binds the ciphertext to scope, so it cannot be replayed into a
// different conversation.
func (p *LocalProvider) Encrypt(scope string, plaintext []byte) ([]byte, error) {
	a, err := p.aead(scope)
	if err != nil {
		return nil, ErrEncryptionFailed.WithDetails(err.Error())
	}
	ct, err := SealAEAD(plaintext, a, []byte(scope))
	if err != nil {
		return nil, ErrEncryptionFailed.WithDetails(err.Error())
	}
	return ct, nil
}

func (p *LocalProvider) Decrypt(scope string, ciphertext []byte) ([]byte, error) {
	a, err := p.aead(scope)
	if err != nil {
		return nil, ErrDecryptFailed.WithDetails(err.Error())
	}
	pt, err := OpenAEAD(ciphertext, a, []byte(scope))
	if err != nil {
		return nil, ErrDecryptFailed.WithDetails(err.Error())
	}
	return pt, nil
}

func (p *LocalProvider) Hash(parts ...[]byte) string {
	return ContentHash(parts...)
}
