package profile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"offgrid/internal/models"
)

const testDID = "did:key:alice"

// fields strips the local bookkeeping so projections of different replicas
// can be compared.
func fields(r *Replica) Profile {
	p := r.Snapshot()
	p.Version = 0
	p.LastUpdated = 0
	return p
}

func clone(t *testing.T, r *Replica, actor string) *Replica {
	t.Helper()
	data, err := r.Serialize()
	require.NoError(t, err)
	return Deserialize(data, r.ID(), r.DID(), actor, nil)
}

func TestReplica_SettersBumpVersion(t *testing.T) {
	r := NewReplica("alice", testDID, "a", nil)
	require.Zero(t, r.Version())

	r.SetName("Alice")
	r.SetAge(30)
	require.True(t, r.AddInterest("hiking"))
	require.False(t, r.AddInterest("hiking"), "already present")
	require.True(t, r.AddPhoto("p1"))
	r.SetLocation(models.GeoPoint{Lat: 52.5, Lon: 13.4})

	require.EqualValues(t, 5, r.Version())
	require.NotZero(t, r.LastUpdated())

	p := r.Snapshot()
	require.Equal(t, "Alice", p.Name)
	require.Equal(t, 30, p.Age)
	require.Equal(t, []string{"hiking"}, p.Interests)
	require.Equal(t, []string{"p1"}, p.Photos)
	require.Equal(t, 52.5, p.Location.Lat)
}

func TestReplica_SequencesKeepInsertionOrder(t *testing.T) {
	r := NewReplica("alice", testDID, "a", nil)
	for _, p := range []string{"p1", "p2", "p3"} {
		r.AddPhoto(p)
	}
	require.True(t, r.RemovePhoto("p2"))
	require.False(t, r.RemovePhoto("p2"))
	r.AddPhoto("p4")
	require.Equal(t, []string{"p1", "p3", "p4"}, r.Snapshot().Photos)
}

func TestReplica_MergeConverges(t *testing.T) {
	base := NewReplica("alice", testDID, "a", nil)
	base.SetName("Alice")
	base.AddInterest("hiking")
	base.AddPhoto("p1")

	a := clone(t, base, "a")
	b := clone(t, base, "b")

	// concurrent edits on both sides
	a.SetName("Alicia")
	a.AddInterest("chess")
	a.RemovePhoto("p1")
	a.AddPhoto("pa")

	b.SetName("Ali")
	b.SetBio("likes long walks")
	b.AddInterest("climbing")
	b.RemoveInterest("hiking")
	b.AddPhoto("pb")

	ab := clone(t, a, "x")
	_, err := ab.Merge(b)
	require.NoError(t, err)

	ba := clone(t, b, "y")
	_, err = ba.Merge(a)
	require.NoError(t, err)

	require.Equal(t, fields(ab), fields(ba), "commutative")

	got := fields(ab)
	require.Equal(t, "likes long walks", got.Bio)
	require.ElementsMatch(t, []string{"chess", "climbing"}, got.Interests)
	require.ElementsMatch(t, []string{"pa", "pb"}, got.Photos)
	// both renames carry the same counter; the greater replica id wins
	require.Equal(t, "Ali", got.Name)
}

func TestReplica_MergeIdempotent(t *testing.T) {
	a := NewReplica("alice", testDID, "a", nil)
	a.SetName("Alice")
	b := clone(t, a, "b")
	b.AddInterest("chess")

	added, err := a.Merge(b)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	before := a.Snapshot()

	added, err = a.Merge(b)
	require.NoError(t, err)
	require.Zero(t, added)
	require.Equal(t, before, a.Snapshot(), "second merge changes nothing, version included")
}

func TestReplica_MergeAssociative(t *testing.T) {
	base := NewReplica("alice", testDID, "a", nil)
	a, b, c := clone(t, base, "a"), clone(t, base, "b"), clone(t, base, "c")
	a.SetName("A")
	a.AddPhoto("pa")
	b.SetAge(40)
	b.AddPhoto("pb")
	c.SetName("C")
	c.AddPhoto("pc")

	left := clone(t, a, "l")
	_, _ = left.Merge(b)
	_, _ = left.Merge(c)

	bc := clone(t, b, "m")
	_, _ = bc.Merge(c)
	right := clone(t, a, "r")
	_, _ = right.Merge(bc)

	require.Equal(t, fields(left), fields(right))
}

func TestReplica_MergeBumpsVersionOnlyOnNewState(t *testing.T) {
	a := NewReplica("alice", testDID, "a", nil)
	b := clone(t, a, "b")
	b.SetBio("hi")

	v := a.Version()
	_, err := a.Merge(b)
	require.NoError(t, err)
	require.Greater(t, a.Version(), v)

	// local ops after a merge sort after everything seen
	a.SetBio("later")
	_, err = b.Merge(a)
	require.NoError(t, err)
	require.Equal(t, "later", b.Snapshot().Bio)
}

func TestReplica_MergeRejectsOtherProfile(t *testing.T) {
	a := NewReplica("alice", testDID, "a", nil)
	b := NewReplica("bob", "did:key:bob", "b", nil)
	_, err := a.Merge(b)
	require.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestReplica_SerializeRoundTrip(t *testing.T) {
	a := NewReplica("alice", testDID, "a", nil)
	a.SetName("Alice")
	a.SetAge(28)
	a.AddPhoto("p1")
	a.AddInterest("go")

	back := clone(t, a, "")
	require.Equal(t, a.Snapshot(), back.Snapshot())

	// the restored replica keeps issuing unique op ids
	back.SetName("Alice B")
	_, err := a.Merge(back)
	require.NoError(t, err)
	require.Equal(t, "Alice B", a.Snapshot().Name)
}

func TestDeserialize_MalformedDegradesToDefaults(t *testing.T) {
	for name, data := range map[string][]byte{
		"garbage": []byte("definitely not snappy"),
		"empty":   nil,
	} {
		t.Run(name, func(t *testing.T) {
			r := Deserialize(data, "alice", testDID, "a", nil)
			require.NotNil(t, r)
			p := r.Snapshot()
			require.Equal(t, "alice", p.ID)
			require.Empty(t, p.Name)
			require.Zero(t, p.Version)
		})
	}
}

func TestDeserialize_WrongProfileDegrades(t *testing.T) {
	bob := NewReplica("bob", "did:key:bob", "b", nil)
	bob.SetName("Bob")
	data, err := bob.Serialize()
	require.NoError(t, err)

	r := Deserialize(data, "alice", testDID, "a", nil)
	require.Empty(t, r.Snapshot().Name)
}

func TestMergeSnapshot_Malformed(t *testing.T) {
	a := NewReplica("alice", testDID, "a", nil)
	_, err := a.MergeSnapshot([]byte("nope"))
	require.ErrorIs(t, err, ErrMalformedSnapshot)
}
