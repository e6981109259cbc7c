package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"
)

type mdnsCollector struct {
	self peer.ID

	mu    sync.Mutex
	found map[peer.ID]peer.AddrInfo
}

func (c *mdnsCollector) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == c.self {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.found[pi.ID] = pi
}

// DiscoverLocal listens for mDNS announcements of service for window and
// returns the addresses heard.
func (n *Node) DiscoverLocal(ctx context.Context, service string, window time.Duration) ([]string, error) {
	col := &mdnsCollector{self: n.Host.ID(), found: make(map[peer.ID]peer.AddrInfo)}
	svc := mdns.NewMdnsService(n.Host, service, col)
	if err := svc.Start(); err != nil {
		return nil, err
	}
	defer svc.Close()

	if err := sleepCtx(ctx, window); err != nil {
		return nil, err
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	var addrs []string
	for _, pi := range col.found {
		addrs = append(addrs, p2pAddrs(pi)...)
	}
	n.logger.Debug("mdns window closed", zap.String("service", service), zap.Int("peers", len(col.found)))
	return addrs, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
