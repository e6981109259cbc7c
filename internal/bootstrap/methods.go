package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"
	"go.uber.org/zap"

	"offgrid/internal/config"
	"offgrid/internal/models"
)

// Resolver expands /dnsaddr multiaddresses.
type Resolver interface {
	Resolve(ctx context.Context, maddr ma.Multiaddr) ([]ma.Multiaddr, error)
}

func defaultResolver() Resolver { return madns.DefaultResolver }

// SetResolver swaps the resolver used by the dns method.
func (c *Coordinator) SetResolver(r Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.methods[config.MethodDNS].(*dnsMethod); ok {
		m.resolver = r
	}
}

// directMethod dials the known bootstrap nodes, most reliable first.
type directMethod struct{ c *Coordinator }

func (m *directMethod) Name() string { return config.MethodDirect }

func (m *directMethod) Bootstrap(ctx context.Context) error {
	nodes := m.c.BootstrapNodes()
	if len(nodes) == 0 {
		return ErrNoCandidates.WithDetails("no bootstrap nodes configured")
	}
	var lastErr error
	for i, n := range nodes {
		start := time.Now()
		err := m.c.transport.Connect(ctx, n.Addr, m.c.cfg.ConnectTimeout)
		m.c.recordNodeResult(ctx, n.ID, err == nil, float64(time.Since(start).Microseconds())/1000)
		if err == nil {
			return nil
		}
		lastErr = err
		m.c.logger.Debug("bootstrap node unreachable", zap.String("id", n.ID), zap.Error(err))
		if i < len(nodes)-1 {
			if err := sleepCtx(ctx, m.c.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("no bootstrap node reachable: %w", lastErr)
}

// dnsMethod resolves /dnsaddr/<domain> into peer addresses.
type dnsMethod struct {
	c        *Coordinator
	resolver Resolver
}

func (m *dnsMethod) Name() string { return config.MethodDNS }

func (m *dnsMethod) Bootstrap(ctx context.Context) error {
	if m.c.cfg.DNSDomain == "" || m.resolver == nil {
		return ErrMethodUnavailable.WithDetails("dns domain not configured")
	}
	maddr, err := ma.NewMultiaddr("/dnsaddr/" + m.c.cfg.DNSDomain)
	if err != nil {
		return fmt.Errorf("dnsaddr for %q: %w", m.c.cfg.DNSDomain, err)
	}
	rctx, cancel := context.WithTimeout(ctx, m.c.cfg.ConnectTimeout)
	defer cancel()
	resolved, err := m.resolver.Resolve(rctx, maddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", maddr, err)
	}
	addrs := make([]string, 0, len(resolved))
	for _, a := range resolved {
		addrs = append(addrs, a.String())
	}
	return m.c.connectAny(ctx, addrs)
}

type relayMessage struct {
	Type  string   `json:"type"`
	Peers []string `json:"peers,omitempty"`
}

const (
	relayPeersRequest = "peers_request"
	relayPeers        = "peers"
)

// websocketMethod asks a relay over a websocket for peers it knows about.
type websocketMethod struct{ c *Coordinator }

func (m *websocketMethod) Name() string { return config.MethodWebSocket }

func (m *websocketMethod) Bootstrap(ctx context.Context) error {
	if m.c.cfg.WebSocketURL == "" {
		return ErrMethodUnavailable.WithDetails("websocket url not configured")
	}
	addrs, err := m.fetchPeers(ctx)
	if err != nil {
		return err
	}
	return m.c.connectAny(ctx, addrs)
}

func (m *websocketMethod) fetchPeers(ctx context.Context) ([]string, error) {
	u, err := url.Parse(m.c.cfg.WebSocketURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(m.c.cfg.ConnectTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	if err := conn.WriteJSON(relayMessage{Type: relayPeersRequest}); err != nil {
		return nil, fmt.Errorf("relay request: %w", err)
	}
	var reply relayMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, ErrBadRelayReply.WithDetails(err.Error())
	}
	if reply.Type != relayPeers {
		return nil, ErrBadRelayReply.WithDetails("unexpected type " + reply.Type)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return reply.Peers, nil
}

// mdnsMethod listens for peers on the local link for a short window.
type mdnsMethod struct{ c *Coordinator }

func (m *mdnsMethod) Name() string { return config.MethodMDNS }

func (m *mdnsMethod) Bootstrap(ctx context.Context) error {
	d, ok := m.c.transport.(LocalDiscoverer)
	if !ok {
		return ErrMethodUnavailable.WithDetails("transport has no local discovery")
	}
	addrs, err := d.DiscoverLocal(ctx, m.c.cfg.MDNSService, m.c.cfg.MDNSWindow)
	if err != nil {
		return fmt.Errorf("mdns: %w", err)
	}
	return m.c.connectAny(ctx, addrs)
}

// rendezvousMethod queries whatever routing is still up for peers sharing
// the rendezvous namespace.
type rendezvousMethod struct{ c *Coordinator }

func (m *rendezvousMethod) Name() string { return config.MethodRendezvous }

func (m *rendezvousMethod) Bootstrap(ctx context.Context) error {
	f, ok := m.c.transport.(RendezvousFinder)
	if !ok || m.c.cfg.Rendezvous == "" {
		return ErrMethodUnavailable.WithDetails("no rendezvous routing")
	}
	addrs, err := f.FindPeers(ctx, m.c.cfg.Rendezvous)
	if err != nil {
		return fmt.Errorf("rendezvous: %w", err)
	}
	return m.c.connectAny(ctx, addrs)
}

// connectAny dials addrs in order until one connects. Attempts against
// addresses carrying a peer id are recorded in that peer's history.
func (c *Coordinator) connectAny(ctx context.Context, addrs []string) error {
	if len(addrs) == 0 {
		return ErrNoCandidates
	}
	var errs []error
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := c.transport.Connect(ctx, addr, c.cfg.ConnectTimeout)
		if id := peerIDFromAddr(addr); id != "" {
			meta := InteractionMeta{Addrs: []string{addr}}
			if err == nil {
				meta.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
			} else {
				meta.Error = err.Error()
			}
			if rerr := c.RecordPeerInteraction(ctx, id, models.InteractionConnection, err == nil, meta); rerr != nil {
				c.logger.Warn("cannot record interaction", zap.String("peer", id), zap.Error(rerr))
			}
		}
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("none of %d addresses reachable: %w", len(addrs), errors.Join(errs...))
}

func peerIDFromAddr(addr string) string {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return ""
	}
	return info.ID.String()
}
