package profile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offgrid/internal/crypto"
	"offgrid/internal/models"
	"offgrid/internal/storage"
	"offgrid/internal/utils"
)

func completeProfile() *Replica {
	r := NewReplica("alice", testDID, "a", nil)
	r.SetName("Alice")
	r.SetAge(29)
	r.SetBio("Trail runner and amateur astronomer.")
	r.AddPhoto("p1")
	r.AddPhoto("p2")
	r.AddPhoto("p3")
	for _, i := range []string{"running", "stars", "coffee", "go", "maps"} {
		r.AddInterest(i)
	}
	r.SetLocation(models.GeoPoint{Lat: 48.1, Lon: 11.6})
	return r
}

func TestSignProfile_VerifyAndInvalidateOnEdit(t *testing.T) {
	r := completeProfile()
	dil, err := crypto.GenerateDilithiumSigner()
	require.NoError(t, err)

	sig, err := r.SignProfile(dil, "did:key:notary")
	require.NoError(t, err)
	require.NoError(t, r.VerifySignature(sig), "signature list is not part of what is signed")

	// a second, independent attestation
	dil2, err := crypto.GenerateDilithiumSigner()
	require.NoError(t, err)
	_, err = r.SignProfile(dil2, "did:key:other")
	require.NoError(t, err)
	valid, total := r.VerifySignatures()
	require.Equal(t, 2, valid)
	require.Equal(t, 2, total)

	r.SetBio("changed")
	require.ErrorIs(t, r.VerifySignature(sig), crypto.ErrSignatureInvalid)
}

func TestSignature_SurvivesMerge(t *testing.T) {
	a := completeProfile()
	dil, err := crypto.GenerateDilithiumSigner()
	require.NoError(t, err)
	sig, err := a.SignProfile(dil, "did:key:notary")
	require.NoError(t, err)

	b := NewReplica("alice", testDID, "b", nil)
	_, err = b.Merge(a)
	require.NoError(t, err)
	require.NoError(t, b.VerifySignature(sig))
	pub, err := dil.PublicKey()
	require.NoError(t, err)
	require.True(t, b.HasSignatureFrom(pub))
}

func TestCanonicalBytes_Deterministic(t *testing.T) {
	p := completeProfile().Snapshot()
	a, err := CanonicalBytes(p)
	require.NoError(t, err)
	p.Version = 99
	p.Signatures = append(p.Signatures, Signature{SignerDID: "x"})
	b, err := CanonicalBytes(p)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestTrustScore_BoundsAndOrdering(t *testing.T) {
	now := time.Now()
	empty := NewReplica("bob", "did:key:bob", "b", nil).Snapshot()
	full := completeProfile()

	require.GreaterOrEqual(t, empty.TrustScore(now), 0.0)
	require.InDelta(t, 0.7, full.Snapshot().TrustScore(now), 1e-9)

	dil, err := crypto.GenerateDilithiumSigner()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := full.SignProfile(dil, "did:key:n")
		require.NoError(t, err)
	}
	signed := full.Snapshot()
	require.InDelta(t, 1.0, signed.TrustScore(now), 1e-9)
	require.LessOrEqual(t, signed.TrustScore(now), 1.0)
	require.Less(t, signed.TrustScore(now.Add(365*24*time.Hour)), signed.TrustScore(now))
	// pure: same input, same output
	require.Equal(t, signed.TrustScore(now), signed.TrustScore(now))
}

func TestIsSpamLikely(t *testing.T) {
	spam := NewReplica("s", "did:key:s", "s", nil)
	spam.SetName("HotDeals2024")
	spam.SetBio("visit https://deals.example now")
	require.True(t, spam.Snapshot().IsSpamLikely())

	r := completeProfile()
	dil, err := crypto.GenerateDilithiumSigner()
	require.NoError(t, err)
	_, err = r.SignProfile(dil, "did:key:n")
	require.NoError(t, err)
	require.False(t, r.Snapshot().IsSpamLikely())
}

func TestValidation(t *testing.T) {
	require.True(t, completeProfile().Snapshot().IsValid())

	tests := []struct {
		name   string
		mutate func(p *Profile)
	}{
		{"missing id", func(p *Profile) { p.ID = "" }},
		{"bad did", func(p *Profile) { p.DID = "alice" }},
		{"missing name", func(p *Profile) { p.Name = " " }},
		{"too young", func(p *Profile) { p.Age = 17 }},
		{"too old", func(p *Profile) { p.Age = 101 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := completeProfile().Snapshot()
			tt.mutate(&p)
			require.False(t, p.IsValid())
			require.Len(t, p.ValidationErrors(), 1)
			require.True(t, utils.IsValidationError(p.Validate()))
		})
	}
}

func TestRepository_SaveLoadMerge(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	repo := NewRepository(kv, "local", nil)

	_, err := repo.Load(ctx, "alice", testDID)
	require.ErrorIs(t, err, ErrProfileNotFound)

	r := completeProfile()
	require.NoError(t, repo.Save(ctx, r))

	loaded, err := repo.Load(ctx, "alice", testDID)
	require.NoError(t, err)
	require.Equal(t, r.Snapshot(), loaded.Snapshot())

	remote := clone(t, r, "remote")
	remote.SetBio("updated elsewhere")
	snap, err := remote.Serialize()
	require.NoError(t, err)

	added, err := repo.MergeRemote(ctx, "alice", testDID, snap)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	added, err = repo.MergeRemote(ctx, "alice", testDID, snap)
	require.NoError(t, err)
	require.Zero(t, added, "redelivery is harmless")

	loaded, err = repo.Load(ctx, "alice", testDID)
	require.NoError(t, err)
	require.Equal(t, "updated elsewhere", loaded.Snapshot().Bio)

	ids, err := repo.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, ids)
}

func TestRepository_CorruptRecordDegrades(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	require.NoError(t, kv.Save(ctx, storage.ProfileKey("alice"), []byte{0xff, 0x00}))

	r, err := NewRepository(kv, "local", nil).Load(ctx, "alice", testDID)
	require.NoError(t, err)
	require.Empty(t, r.Snapshot().Name)
}

func TestIdentity_GenerateAndLoad(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()

	id, err := GenerateIdentity(ctx, kv, "correct horse")
	require.NoError(t, err)
	require.True(t, utils.HasDIDPrefix(id.DID))
	require.Len(t, id.Keybag.StorageKey, 32)

	back, err := LoadIdentity(ctx, kv, id.PeerID, "correct horse")
	require.NoError(t, err)
	require.Equal(t, id.DID, back.DID)
	require.Equal(t, id.Keybag.StorageKey, back.Keybag.StorageKey, "storage key is recoverable")
	require.True(t, id.Keybag.Libp2pPriv.Equals(back.Keybag.Libp2pPriv))

	_, err = LoadIdentity(ctx, kv, id.PeerID, "wrong")
	require.ErrorIs(t, err, ErrInvalidPassphrase)

	_, err = LoadIdentity(ctx, kv, "nobody", "correct horse")
	require.ErrorIs(t, err, ErrIdentityNotFound)

	again, err := LoadOrGenerateIdentity(ctx, kv, "correct horse")
	require.NoError(t, err)
	require.Equal(t, id.PeerID, again.PeerID)
}

func TestRepository_UpdateKeepsConcurrentMerge(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(storage.NewMemoryStore(), "local", nil)

	remote := NewReplica("alice", testDID, "remote", nil)
	remote.AddInterest("hiking")
	snap, err := remote.Serialize()
	require.NoError(t, err)

	merged := make(chan int, 1)
	rep, err := repo.Update(ctx, "alice", testDID, func(r *Replica) {
		go func() {
			added, err := repo.MergeRemote(ctx, "alice", testDID, snap)
			if err != nil {
				added = -1
			}
			merged <- added
		}()
		select {
		case <-merged:
			t.Error("merge ran while the update held the profile")
		case <-time.After(50 * time.Millisecond):
		}
		r.SetName("Alice")
	})
	require.NoError(t, err)
	require.Equal(t, "Alice", rep.Snapshot().Name)
	require.Equal(t, 1, <-merged)

	stored, err := repo.Load(ctx, "alice", testDID)
	require.NoError(t, err)
	require.Equal(t, "Alice", stored.Snapshot().Name)
	require.Equal(t, []string{"hiking"}, stored.Snapshot().Interests)
}
