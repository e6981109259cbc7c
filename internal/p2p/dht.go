package p2p

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"go.uber.org/zap"
)

// Advertise announces this node under namespace on the DHT.
func (n *Node) Advertise(ctx context.Context, namespace string) error {
	if n.DHT == nil {
		return ErrNoRouting
	}
	rd := routing.NewRoutingDiscovery(n.DHT)
	_, err := rd.Advertise(ctx, namespace)
	return err
}

// FindPeers returns the dialable addresses of peers advertising namespace.
func (n *Node) FindPeers(ctx context.Context, namespace string) ([]string, error) {
	if n.DHT == nil {
		return nil, ErrNoRouting
	}
	rd := routing.NewRoutingDiscovery(n.DHT)
	peerChan, err := rd.FindPeers(ctx, namespace)
	if err != nil {
		return nil, err
	}
	var addrs []string
	for p := range peerChan {
		if p.ID == n.Host.ID() || len(p.Addrs) == 0 {
			continue
		}
		addrs = append(addrs, p2pAddrs(p)...)
	}
	n.logger.Debug("rendezvous lookup", zap.String("namespace", namespace), zap.Int("addrs", len(addrs)))
	return addrs, nil
}

func p2pAddrs(p peer.AddrInfo) []string {
	maddrs, err := peer.AddrInfoToP2pAddrs(&p)
	if err != nil {
		return nil
	}
	out := make([]string, len(maddrs))
	for i, a := range maddrs {
		out[i] = a.String()
	}
	return out
}
