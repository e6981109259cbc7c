package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offgrid/internal/bootstrap"
	"offgrid/internal/config"
	"offgrid/internal/history"
	"offgrid/internal/models"
	"offgrid/internal/profile"
	"offgrid/internal/queue"
	"offgrid/internal/storage"
	"offgrid/internal/utils"
)

const (
	alice    = "alice"
	aliceDID = "did:key:alice"
	bob      = "bob"
)

var errDown = errors.New("link down")

type sent struct {
	peer   string
	method string
	params any
}

type fakeNetwork struct {
	mu    sync.Mutex
	down  map[string]bool
	sends []sent
}

func (f *fakeNetwork) SendToPeer(_ context.Context, peerID, method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sent{peerID, method, params})
	if f.down[peerID] {
		return errDown
	}
	return nil
}

func (f *fakeNetwork) setDown(peer string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = make(map[string]bool)
	}
	f.down[peer] = down
}

func (f *fakeNetwork) Sends() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent{}, f.sends...)
}

type fakePublisher struct {
	mu   sync.Mutex
	reqs []models.ProfileMergeRequest
}

func (p *fakePublisher) PublishProfile(_ context.Context, req models.ProfileMergeRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	return nil
}

type counter struct{ n atomic.Int32 }

func (c *counter) ConnectionCount() int { return int(c.n.Load()) }

type recorder struct {
	mu       sync.Mutex
	outcomes map[string][]bool
}

func (r *recorder) RecordPeerInteraction(_ context.Context, peerID string, _ models.InteractionType, success bool, _ bootstrap.InteractionMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string][]bool)
	}
	r.outcomes[peerID] = append(r.outcomes[peerID], success)
	return nil
}

type fixture struct {
	kv       *storage.MemoryStore
	queue    *queue.ChangeQueue
	messages *history.MessageStore
	profiles *profile.Repository
	net      *fakeNetwork
	pub      *fakePublisher
	orch     *Orchestrator
}

func newFixture(t *testing.T, d Deps) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{kv: storage.NewMemoryStore(), net: &fakeNetwork{}, pub: &fakePublisher{}}

	f.queue = queue.New(f.kv, config.QueueConfig{MaxRetries: 3}, nil)
	require.NoError(t, f.queue.Initialize(ctx))
	var err error
	f.messages, err = history.New(f.kv, nil, alice, config.MessagesConfig{Dedup: true, MaxRetries: 3, BatchSize: 5}, nil)
	require.NoError(t, err)
	require.NoError(t, f.messages.Initialize(ctx))
	f.profiles = profile.NewRepository(f.kv, alice, nil)

	d.Queue, d.Messages, d.Profiles = f.queue, f.messages, f.profiles
	d.Network, d.Publisher = f.net, f.pub
	d.LocalID, d.LocalDID = alice, aliceDID
	f.orch, err = New(d, 0, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) status(t *testing.T, id string) models.DeliveryStatus {
	t.Helper()
	msgs, err := f.messages.GetMessages(context.Background(), models.MessageQuery{ConversationID: utils.ConversationID(alice, bob)})
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ID == id {
			return m.DeliveryStatus
		}
	}
	t.Fatalf("message %s not stored", id)
	return ""
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, time.Second, nil)
	require.ErrorIs(t, err, ErrMissingDependency)
}

func TestSendMessage_OfflineQueuesThenFlushesOnReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Deps{})

	sm, err := f.orch.SendMessage(ctx, bob, models.MsgTypeText, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, sm.DeliveryStatus)
	require.Empty(t, f.net.Sends(), "nothing goes out offline")
	require.Len(t, f.queue.PeekMessages(), 1)

	res, err := f.orch.HandleConnectivityChange(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, res.MessagesSent)
	require.Empty(t, f.queue.PeekMessages())
	require.Equal(t, models.StatusSent, f.status(t, sm.ID))
	require.Len(t, f.net.Sends(), 1, "recovery does not resend a message the queue delivered")
}

func TestSendMessage_OnlineGoesStraightOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Deps{})
	_, err := f.orch.HandleConnectivityChange(ctx, true)
	require.NoError(t, err)

	sm, err := f.orch.SendMessage(ctx, bob, models.MsgTypeText, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, models.StatusSent, sm.DeliveryStatus)
	require.Equal(t, models.StatusSent, f.status(t, sm.ID))
	require.Empty(t, f.queue.PeekMessages())

	sends := f.net.Sends()
	require.Len(t, sends, 1)
	require.Equal(t, bob, sends[0].peer)
	require.Equal(t, models.MethodDeliverMessage, sends[0].method)
	req := sends[0].params.(models.DeliverMessageRequest)
	require.Equal(t, "hi", string(req.Message.Content))
}

func TestSendMessage_FailedDirectSendIsQueued(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	f := newFixture(t, Deps{Peers: rec})
	_, err := f.orch.HandleConnectivityChange(ctx, true)
	require.NoError(t, err)
	f.net.setDown(bob, true)

	sm, err := f.orch.SendMessage(ctx, bob, models.MsgTypeText, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, sm.DeliveryStatus)
	require.Len(t, f.queue.PeekMessages(), 1)

	f.net.setDown(bob, false)
	f.orch.Reconcile(ctx)
	require.Empty(t, f.queue.PeekMessages())
	require.Equal(t, models.StatusSent, f.status(t, sm.ID))
	require.Equal(t, []bool{false, true}, rec.outcomes[bob])
}

func TestHandleConnectivityChange_RecoversStoredMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Deps{})
	// stored as pending but never queued, e.g. written before a crash
	_, _, err := f.messages.StoreMessage(ctx, models.ChatMessage{ID: "m1", SenderID: alice, RecipientID: bob, Content: []byte("x"), Timestamp: 1}, models.StatusPending)
	require.NoError(t, err)

	_, err = f.orch.HandleConnectivityChange(ctx, true)
	require.NoError(t, err)
	require.Equal(t, models.StatusSent, f.status(t, "m1"))
	sends := f.net.Sends()
	require.Len(t, sends, 1)
	require.Equal(t, "m1", sends[0].params.(models.DeliverMessageRequest).Message.ID)
}

func TestDispatch_EachChangeKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Deps{})
	_, err := f.orch.HandleConnectivityChange(ctx, true)
	require.NoError(t, err)

	p, err := f.orch.UpdateProfile(ctx, "alice-profile", func(r *profile.Replica) {
		r.SetName("Alice")
		r.AddInterest("climbing")
	})
	require.NoError(t, err)
	require.Equal(t, "Alice", p.Name)
	require.Len(t, f.pub.reqs, 1)
	require.Equal(t, aliceDID, f.pub.reqs[0].DID)

	remote := profile.Deserialize(f.pub.reqs[0].Snapshot, "alice-profile", aliceDID, "other", nil)
	require.Equal(t, []string{"climbing"}, remote.Snapshot().Interests)

	require.NoError(t, f.orch.Like(ctx, bob))
	require.NoError(t, f.orch.Match(ctx, "match-1", "carol"))

	sends := f.net.Sends()
	require.Len(t, sends, 2)
	require.Equal(t, sent{bob, models.MethodLike, models.LikeRequest{Like: models.LikePayload{FromID: alice, ToID: bob}}}, sends[0])
	require.Equal(t, "carol", sends[1].peer)
	require.Equal(t, models.MethodMatch, sends[1].method)

	require.Empty(t, f.queue.PendingChanges())
	require.Equal(t, 3, f.queue.Stats().SyncedChanges)
}

func TestDispatch_FailureKeepsChangePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Deps{})
	f.net.setDown(bob, true)
	require.NoError(t, f.orch.Like(ctx, bob))
	require.Empty(t, f.net.Sends(), "offline")

	_, err := f.orch.HandleConnectivityChange(ctx, true)
	require.NoError(t, err)
	pending := f.queue.PendingChanges()
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)
}

func TestReconcile_FollowsConnectivity(t *testing.T) {
	ctx := context.Background()
	conn := &counter{}
	f := newFixture(t, Deps{Connectivity: conn})
	require.NoError(t, f.orch.Like(ctx, bob))

	f.orch.Reconcile(ctx)
	require.False(t, f.queue.IsOnline())

	conn.n.Store(2)
	f.orch.Reconcile(ctx)
	require.True(t, f.queue.IsOnline())
	require.Empty(t, f.queue.PendingChanges())

	conn.n.Store(0)
	f.orch.Reconcile(ctx)
	require.False(t, f.queue.IsOnline())
}

func TestStart_PeriodicSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Deps{})
	f.orch.interval = 5 * time.Millisecond
	f.net.setDown(bob, true)
	_, err := f.orch.HandleConnectivityChange(ctx, true)
	require.NoError(t, err)
	require.NoError(t, f.orch.Like(ctx, bob))
	require.Len(t, f.queue.PendingChanges(), 1)

	f.net.setDown(bob, false)
	f.orch.Start(ctx)
	defer f.orch.Stop()
	require.Eventually(t, func() bool { return len(f.queue.PendingChanges()) == 0 }, time.Second, 5*time.Millisecond)
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestInbound_DeliverMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Deps{})
	in := NewInbound(f.messages, f.profiles, nil)

	msg := models.ChatMessage{ID: "m1", SenderID: bob, RecipientID: alice, Content: []byte("yo"), Timestamp: 5}
	params := rawParams(t, models.DeliverMessageRequest{Message: msg})
	require.NoError(t, in.HandleRPC(ctx, bob, models.MethodDeliverMessage, params))
	require.NoError(t, in.HandleRPC(ctx, bob, models.MethodDeliverMessage, params), "redelivery is harmless")

	require.Equal(t, models.StatusDelivered, f.status(t, "m1"))
	meta, ok := f.messages.GetConversation(utils.ConversationID(alice, bob))
	require.True(t, ok)
	require.Equal(t, 1, meta.MessageCount)
	require.Equal(t, 1, meta.UnreadCount)

	require.ErrorIs(t, in.HandleRPC(ctx, "mallory", models.MethodDeliverMessage, params), ErrSenderMismatch)
	require.ErrorIs(t, in.HandleRPC(ctx, bob, models.MethodDeliverMessage, json.RawMessage(`{"message":7}`)), ErrBadParams)
	require.ErrorIs(t, in.HandleRPC(ctx, bob, "poke", params), ErrUnknownMethod)
}

func TestInbound_ProfileMerge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Deps{})
	in := NewInbound(f.messages, f.profiles, nil)

	remote := profile.NewReplica("bob-profile", "did:key:bob", bob, nil)
	remote.SetName("Bob")
	remote.AddPhoto("https://example.org/bob.jpg")
	snap, err := remote.Serialize()
	require.NoError(t, err)

	req := models.ProfileMergeRequest{ProfileID: "bob-profile", DID: "did:key:bob", Snapshot: snap}
	require.NoError(t, in.HandleRPC(ctx, bob, models.MethodProfileMerge, rawParams(t, req)))
	in.HandleProfileAnnouncement(bob, req)

	rep, err := f.profiles.Load(ctx, "bob-profile", "did:key:bob")
	require.NoError(t, err)
	p := rep.Snapshot()
	require.Equal(t, "Bob", p.Name)
	require.Equal(t, []string{"https://example.org/bob.jpg"}, p.Photos)

	bad := models.ProfileMergeRequest{ProfileID: "bob-profile", Snapshot: []byte("garbage")}
	require.ErrorIs(t, in.HandleRPC(ctx, bob, models.MethodProfileMerge, rawParams(t, bad)), profile.ErrMalformedSnapshot)
	require.ErrorIs(t, in.HandleRPC(ctx, bob, models.MethodProfileMerge, rawParams(t, models.ProfileMergeRequest{})), ErrBadParams)
}

func TestInbound_LikeAndMatchObservers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Deps{})
	in := NewInbound(f.messages, f.profiles, nil)

	var likes []string
	in.OnLike(func(from string, like models.LikePayload) { likes = append(likes, from+">"+like.ToID) })
	in.OnMatch(func(string, models.MatchPayload) { panic("observer bug") })

	like := models.LikeRequest{Like: models.LikePayload{FromID: bob, ToID: alice}}
	require.NoError(t, in.HandleRPC(ctx, bob, models.MethodLike, rawParams(t, like)))
	require.Equal(t, []string{"bob>alice"}, likes)

	match := models.MatchRequest{Match: models.MatchPayload{MatchID: "m", PeerA: bob, PeerB: alice}}
	require.NoError(t, in.HandleRPC(ctx, bob, models.MethodMatch, rawParams(t, match)), "observer panic is contained")
}

func TestUpdateProfile_KeepsInboundMergeDuringEdit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Deps{})
	in := NewInbound(f.messages, f.profiles, nil)

	remote := profile.NewReplica("alice-profile", aliceDID, bob, nil)
	remote.AddInterest("hiking")
	snap, err := remote.Serialize()
	require.NoError(t, err)

	done := make(chan struct{})
	_, err = f.orch.UpdateProfile(ctx, "alice-profile", func(r *profile.Replica) {
		go func() {
			in.HandleProfileAnnouncement(bob, models.ProfileMergeRequest{ProfileID: "alice-profile", DID: aliceDID, Snapshot: snap})
			close(done)
		}()
		time.Sleep(20 * time.Millisecond)
		r.SetName("Alice")
	})
	require.NoError(t, err)
	<-done

	stored, err := f.profiles.Load(ctx, "alice-profile", aliceDID)
	require.NoError(t, err)
	require.Equal(t, "Alice", stored.Snapshot().Name)
	require.Equal(t, []string{"hiking"}, stored.Snapshot().Interests)
}

func TestDispatch_TrackedMessageChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Deps{})
	m := models.ChatMessage{ID: "m9", SenderID: alice, RecipientID: bob, Content: []byte("hi"), Timestamp: 9}
	_, _, err := f.messages.StoreMessage(ctx, m, models.StatusPending)
	require.NoError(t, err)

	_, err = f.queue.TrackChange(ctx, models.MessagePayload{Message: m})
	require.NoError(t, err)
	require.Empty(t, f.net.Sends(), "offline")

	_, err = f.orch.HandleConnectivityChange(ctx, true)
	require.NoError(t, err)
	sends := f.net.Sends()
	require.Len(t, sends, 1)
	require.Equal(t, bob, sends[0].peer)
	require.Equal(t, models.MethodDeliverMessage, sends[0].method)
	require.Equal(t, models.StatusSent, f.status(t, "m9"))
	require.Empty(t, f.queue.PendingChanges())
}
