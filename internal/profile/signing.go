package profile

import (
	"bytes"
	"encoding/json"

	"offgrid/internal/crypto"
	"offgrid/internal/utils"
)

// CanonicalBytes encodes the visible fields with sorted keys. Signatures,
// version and timestamps are left out so that a signature never covers
// itself and stays valid on every replica.
func CanonicalBytes(p Profile) ([]byte, error) {
	fields := map[string]any{
		"id":        p.ID,
		"did":       p.DID,
		"name":      p.Name,
		"age":       p.Age,
		"bio":       p.Bio,
		"photos":    nonNil(p.Photos),
		"interests": nonNil(p.Interests),
		"location":  p.Location,
	}
	// encoding/json writes map keys in sorted order
	return json.Marshal(fields)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// SignProfile signs the current canonical encoding and appends the
// signature to the replica.
func (r *Replica) SignProfile(signer crypto.Signer, signerDID string) (Signature, error) {
	data, err := CanonicalBytes(r.Snapshot())
	if err != nil {
		return Signature{}, err
	}
	value, err := signer.Sign(data)
	if err != nil {
		return Signature{}, err
	}
	pub, err := signer.PublicKey()
	if err != nil {
		return Signature{}, err
	}
	sig := Signature{
		SignerDID: signerDID,
		Scheme:    signer.Scheme(),
		PublicKey: pub,
		Value:     value,
		SignedAt:  utils.NowMicro(),
	}
	r.addSignature(sig)
	return sig, nil
}

// VerifySignature checks one signature against the current state,
// independent of any other signature on the profile. A signature made
// before a later edit no longer verifies.
func (r *Replica) VerifySignature(sig Signature) error {
	data, err := CanonicalBytes(r.Snapshot())
	if err != nil {
		return err
	}
	return crypto.Verify(sig.Scheme, sig.PublicKey, data, sig.Value)
}

// VerifySignatures returns how many of the attached signatures verify.
func (r *Replica) VerifySignatures() (valid, total int) {
	p := r.Snapshot()
	data, err := CanonicalBytes(p)
	if err != nil {
		return 0, len(p.Signatures)
	}
	for _, s := range p.Signatures {
		if crypto.Verify(s.Scheme, s.PublicKey, data, s.Value) == nil {
			valid++
		}
	}
	return valid, len(p.Signatures)
}

// HasSignatureFrom reports whether a signature with pub is attached.
func (r *Replica) HasSignatureFrom(pub []byte) bool {
	for _, s := range r.Snapshot().Signatures {
		if bytes.Equal(s.PublicKey, pub) {
			return true
		}
	}
	return false
}
