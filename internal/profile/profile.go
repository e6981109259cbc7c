package profile

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"

	dil2 "github.com/cloudflare/circl/sign/dilithium/mode2"
	lib "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/argon2"
	chacha "golang.org/x/crypto/chacha20poly1305"

	"offgrid/internal/crypto"
	"offgrid/internal/models"
	"offgrid/internal/storage"
	"offgrid/internal/utils"
)

const didKeyPrefix = "did:key:"

func passKeys(pass string, salt []byte) (passKey, checksum []byte) {
	passKey = argon2.IDKey([]byte(pass), salt, 1, 64*1024, 4, 32)
	checksum = argon2.IDKey([]byte(pass), salt, 3, 8*1024, 2, 32)
	return passKey, checksum
}

// GenerateIdentity creates Ed25519 and Dilithium2 keys, seals the private
// halves under the passphrase and stores the record at identity:<peerID>.
func GenerateIdentity(ctx context.Context, kv storage.KeyValueStore, pass string) (*models.Identity, error) {
	if pass == "" {
		return nil, utils.ValidationError("passphrase is required")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	passKey, checksum := passKeys(pass, salt)

	_, dilPriv, err := dil2.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	libPriv, _, err := lib.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPrivateKey(libPriv)
	if err != nil {
		return nil, err
	}

	aead, err := chacha.New(passKey)
	if err != nil {
		return nil, err
	}
	dilPrivBytes, err := dilPriv.MarshalBinary()
	if err != nil {
		return nil, err
	}
	dilEnc, err := crypto.SealAEAD(dilPrivBytes, aead, nil)
	if err != nil {
		return nil, err
	}
	libPrivBytes, err := lib.MarshalPrivateKey(libPriv)
	if err != nil {
		return nil, err
	}
	libEnc, err := crypto.SealAEAD(libPrivBytes, aead, nil)
	if err != nil {
		return nil, err
	}

	rec := identityRecord{
		PeerID:           pid.String(),
		DID:              didKeyPrefix + pid.String(),
		PasswordSalt:     salt,
		PasswordChecksum: checksum,
		DilithiumPrivEnc: dilEnc,
		Libp2pPrivEnc:    libEnc,
		Created:          utils.NowMicro(),
	}
	if err := storage.SaveJSON(ctx, kv, storage.IdentityKey(rec.PeerID), rec); err != nil {
		return nil, fmt.Errorf("store identity: %w", err)
	}
	return buildIdentity(rec, libPriv, dilPriv)
}

// LoadIdentity unseals the identity stored for peerID.
func LoadIdentity(ctx context.Context, kv storage.KeyValueStore, peerID, pass string) (*models.Identity, error) {
	var rec identityRecord
	found, err := storage.LoadJSON(ctx, kv, storage.IdentityKey(peerID), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrIdentityNotFound.WithDetails(peerID)
	}
	passKey, check := passKeys(pass, rec.PasswordSalt)
	if !hmac.Equal(check, rec.PasswordChecksum) {
		return nil, ErrInvalidPassphrase
	}

	aead, err := chacha.New(passKey)
	if err != nil {
		return nil, err
	}
	dilPrivBytes, err := crypto.OpenAEAD(rec.DilithiumPrivEnc, aead, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase.WithDetails("dilithium key: " + err.Error())
	}
	libPrivBytes, err := crypto.OpenAEAD(rec.Libp2pPrivEnc, aead, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase.WithDetails("libp2p key: " + err.Error())
	}

	var dilPriv dil2.PrivateKey
	if err := dilPriv.UnmarshalBinary(dilPrivBytes); err != nil {
		return nil, fmt.Errorf("decode dilithium key: %w", err)
	}
	libPriv, err := lib.UnmarshalPrivateKey(libPrivBytes)
	if err != nil {
		return nil, fmt.Errorf("decode libp2p key: %w", err)
	}
	return buildIdentity(rec, libPriv, &dilPriv)
}

// ListIdentities returns the peer ids with a stored identity.
func ListIdentities(ctx context.Context, kv storage.KeyValueStore) ([]string, error) {
	keys, err := kv.List(ctx, storage.PrefixIdentity)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len(storage.PrefixIdentity):])
	}
	return out, nil
}

// LoadOrGenerateIdentity opens the single stored identity, or creates one
// if none exists.
func LoadOrGenerateIdentity(ctx context.Context, kv storage.KeyValueStore, pass string) (*models.Identity, error) {
	ids, err := ListIdentities(ctx, kv)
	if err != nil {
		return nil, err
	}
	switch len(ids) {
	case 0:
		return GenerateIdentity(ctx, kv, pass)
	case 1:
		return LoadIdentity(ctx, kv, ids[0], pass)
	default:
		return nil, errors.New("several identities stored, pick one by peer id")
	}
}

func buildIdentity(rec identityRecord, libPriv lib.PrivKey, dilPriv *dil2.PrivateKey) (*models.Identity, error) {
	storageKey, err := crypto.DeriveStorageKey(libPriv)
	if err != nil {
		return nil, err
	}
	return &models.Identity{
		PeerID: rec.PeerID,
		DID:    rec.DID,
		Keybag: &models.Keybag{
			Libp2pPriv:    libPriv,
			DilithiumPriv: dilPriv,
			StorageKey:    storageKey,
		},
	}, nil
}
