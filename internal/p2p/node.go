// Package p2p is the libp2p transport: dialing with timeouts, a JSON
// request/response sync stream, DHT readiness, mDNS and rendezvous
// discovery, and the gossipsub profile topic.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"offgrid/internal/models"
	"offgrid/internal/utils"
)

const SyncProtocolID = protocol.ID("/offgrid/sync/1.0.0")

const streamTimeout = 30 * time.Second

// Handler serves one decoded request from a remote peer.
type Handler interface {
	HandleRPC(ctx context.Context, from string, method string, params json.RawMessage) error
}

type Node struct {
	Host   host.Host
	DHT    *dht.IpfsDHT
	PS     *pubsub.PubSub
	Ctx    context.Context
	logger *zap.Logger

	mu      sync.Mutex
	handler Handler
	topics  map[string]*pubsub.Topic
}

// NewNode starts a libp2p host with the given identity.
func NewNode(ctx context.Context, priv crypto.PrivKey, listenAddrs []string, logger *zap.Logger) (*Node, error) {
	opts := []libp2p.Option{libp2p.ListenAddrStrings(listenAddrs...)}
	if priv != nil {
		opts = append(opts, libp2p.Identity(priv))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, ErrHostInit.WithDetails(err.Error())
	}
	n := &Node{
		Host:   h,
		Ctx:    ctx,
		logger: utils.OrNop(logger).Named("p2p"),
		topics: make(map[string]*pubsub.Topic),
	}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.logger.Debug("peer connected",
				zap.String("peer", c.RemotePeer().String()), zap.String("addr", c.RemoteMultiaddr().String()))
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			n.logger.Debug("peer disconnected", zap.String("peer", c.RemotePeer().String()))
		},
	})
	h.SetStreamHandler(SyncProtocolID, n.handleStream)
	n.logger.Info("host started", zap.String("id", h.ID().String()), zap.Strings("addrs", n.Addrs()))
	return n, nil
}

func (n *Node) InitDHT() error {
	d, err := dht.New(n.Ctx, n.Host)
	if err != nil {
		return err
	}
	n.DHT = d
	return n.DHT.Bootstrap(n.Ctx)
}

func (n *Node) InitPubSub() error {
	ps, err := pubsub.NewGossipSub(n.Ctx, n.Host)
	if err != nil {
		return err
	}
	n.PS = ps
	return nil
}

// ID is the local peer id.
func (n *Node) ID() string { return n.Host.ID().String() }

// Addrs lists dialable multiaddrs including the /p2p component.
func (n *Node) Addrs() []string {
	info := peer.AddrInfo{ID: n.Host.ID(), Addrs: n.Host.Addrs()}
	maddrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, len(maddrs))
	for i, a := range maddrs {
		out[i] = a.String()
	}
	return out
}

// Connect dials a /p2p multiaddr, giving up after timeout.
func (n *Node) Connect(ctx context.Context, addr string, timeout time.Duration) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return ErrBadAddr.WithDetails(addr)
	}
	if pi.ID == n.Host.ID() {
		return ErrSelfDial
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := n.Host.Connect(ctx, *pi); err != nil {
		return ErrUnreachable.WithDetails(fmt.Sprintf("%s: %v", pi.ID, err))
	}
	return nil
}

func (n *Node) ConnectionCount() int {
	return len(n.Host.Network().Peers())
}

// DHTReady reports whether the routing table has any peer in it.
func (n *Node) DHTReady() bool {
	return n.DHT != nil && n.DHT.RoutingTable().Size() > 0
}

// SetHandler installs the server side of the sync protocol.
func (n *Node) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// SendToPeer opens a sync stream to peerID, writes {method, params} and
// waits for the peer's acknowledgement.
func (n *Node) SendToPeer(ctx context.Context, peerID string, method string, params any) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return ErrBadAddr.WithDetails(peerID)
	}
	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	s, err := n.Host.NewStream(ctx, pid, SyncProtocolID)
	if err != nil {
		return ErrUnreachable.WithDetails(fmt.Sprintf("%s: %v", peerID, err))
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	env, err := models.NewEnvelope(method, params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if _, err := s.Write(append(env, '\n')); err != nil {
		return ErrUnreachable.WithDetails(err.Error())
	}
	var resp models.RPCResponse
	if err := json.NewDecoder(s).Decode(&resp); err != nil {
		return ErrUnreachable.WithDetails("no reply: " + err.Error())
	}
	if !resp.OK {
		return ErrRejected.WithDetails(resp.Error)
	}
	return nil
}

// handleStream serves one request per stream.
func (n *Node) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer().String()
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(streamTimeout))

	var env models.RPCEnvelope
	if err := json.NewDecoder(s).Decode(&env); err != nil {
		n.logger.Warn("bad sync envelope", zap.String("peer", remote), zap.Error(err))
		return
	}

	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()

	resp := models.RPCResponse{OK: true}
	if h == nil {
		resp = models.RPCResponse{Error: "no handler"}
	} else if err := h.HandleRPC(n.Ctx, remote, env.Method, env.Params); err != nil {
		n.logger.Debug("sync request rejected",
			zap.String("peer", remote), zap.String("method", env.Method), zap.Error(err))
		resp = models.RPCResponse{Error: err.Error()}
	}
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		n.logger.Warn("cannot reply", zap.String("peer", remote), zap.Error(err))
	}
}

// Close shuts down pubsub topics, the DHT and the host.
func (n *Node) Close() error {
	n.mu.Lock()
	for name, t := range n.topics {
		_ = t.Close()
		delete(n.topics, name)
	}
	n.mu.Unlock()
	if n.DHT != nil {
		_ = n.DHT.Close()
	}
	return n.Host.Close()
}
