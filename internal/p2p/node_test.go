package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offgrid/internal/models"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (h *recordingHandler) HandleRPC(_ context.Context, from, method string, params json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, from+" "+method)
	if h.fail {
		return errors.New("refused")
	}
	var req models.DeliverMessageRequest
	return json.Unmarshal(params, &req)
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := NewNode(context.Background(), nil, []string{"/ip4/127.0.0.1/tcp/0"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNode_ConnectAndSend(t *testing.T) {
	ctx := context.Background()
	alice := newTestNode(t)
	bob := newTestNode(t)
	h := &recordingHandler{}
	bob.SetHandler(h)

	require.Zero(t, alice.ConnectionCount())
	require.False(t, alice.DHTReady(), "no dht yet")

	require.NoError(t, alice.Connect(ctx, bob.Addrs()[0], 5*time.Second))
	require.Equal(t, 1, alice.ConnectionCount())

	req := models.DeliverMessageRequest{Message: models.ChatMessage{ID: "m1", SenderID: alice.ID(), RecipientID: bob.ID()}}
	require.NoError(t, alice.SendToPeer(ctx, bob.ID(), models.MethodDeliverMessage, req))
	h.mu.Lock()
	require.Equal(t, []string{alice.ID() + " " + models.MethodDeliverMessage}, h.calls)
	h.mu.Unlock()

	h.mu.Lock()
	h.fail = true
	h.mu.Unlock()
	err := alice.SendToPeer(ctx, bob.ID(), models.MethodDeliverMessage, req)
	require.ErrorIs(t, err, ErrRejected)
}

func TestNode_SendWithoutHandlerIsRejected(t *testing.T) {
	ctx := context.Background()
	alice := newTestNode(t)
	bob := newTestNode(t)
	require.NoError(t, alice.Connect(ctx, bob.Addrs()[0], 5*time.Second))
	require.ErrorIs(t, alice.SendToPeer(ctx, bob.ID(), models.MethodLike, models.LikeRequest{}), ErrRejected)
}

func TestNode_ConnectErrors(t *testing.T) {
	ctx := context.Background()
	alice := newTestNode(t)

	require.ErrorIs(t, alice.Connect(ctx, "/ip4/127.0.0.1/tcp/1", time.Second), ErrBadAddr, "no peer id")
	require.ErrorIs(t, alice.Connect(ctx, alice.Addrs()[0], time.Second), ErrSelfDial)

	gone := newTestNode(t)
	addr := gone.Addrs()[0]
	require.NoError(t, gone.Close())
	err := alice.Connect(ctx, addr, 500*time.Millisecond)
	require.ErrorIs(t, err, ErrUnreachable)

	require.ErrorIs(t, alice.SendToPeer(ctx, "not-a-peer", models.MethodLike, nil), ErrBadAddr)
}

func TestNode_NoRoutingOrPubSub(t *testing.T) {
	n := newTestNode(t)
	_, err := n.FindPeers(context.Background(), "/offgrid/test")
	require.ErrorIs(t, err, ErrNoRouting)
	require.ErrorIs(t, n.PublishProfile(context.Background(), models.ProfileMergeRequest{ProfileID: "p"}), ErrNoPubSub)
}
