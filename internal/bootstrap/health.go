package bootstrap

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"offgrid/internal/models"
)

// HandleDHTFailure runs the fallback ladder and, if that fails too, dials
// the best recommended peers in rank order. Every dial is fed back into
// the peer's history.
func (c *Coordinator) HandleDHTFailure(ctx context.Context) error {
	err := c.BootstrapNetwork(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrAllMethodsFailed) {
		return err
	}
	c.logger.Warn("bootstrap failed, trying recommended peers", zap.Error(err))

	for _, rec := range c.GetPeerRecommendations(models.RecommendationCriteria{}) {
		for _, addr := range rec.Addrs {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			start := time.Now()
			cerr := c.transport.Connect(ctx, addr, c.cfg.ConnectTimeout)
			meta := InteractionMeta{}
			if cerr == nil {
				meta.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
			} else {
				meta.Error = cerr.Error()
			}
			if rerr := c.RecordPeerInteraction(ctx, rec.PeerID, models.InteractionConnection, cerr == nil, meta); rerr != nil {
				c.logger.Warn("cannot record interaction", zap.String("peer", rec.PeerID), zap.Error(rerr))
			}
			if cerr == nil {
				c.logger.Info("reconnected through recommended peer", zap.String("peer", rec.PeerID))
				return nil
			}
		}
	}
	return err
}

// CheckHealth triggers HandleDHTFailure when the transport has fewer than
// the minimum peers or reports the DHT as not ready. It reports whether
// recovery was needed.
func (c *Coordinator) CheckHealth(ctx context.Context) (bool, error) {
	conns := c.transport.ConnectionCount()
	ready := c.transport.DHTReady()
	if conns >= c.cfg.MinPeers && ready {
		return false, nil
	}
	c.logger.Info("network unhealthy",
		zap.Int("connections", conns), zap.Int("min_peers", c.cfg.MinPeers), zap.Bool("dht_ready", ready))
	return true, c.HandleDHTFailure(ctx)
}

// StartHealthCheck runs CheckHealth every HealthInterval until Stop or
// until ctx is done.
func (c *Coordinator) StartHealthCheck(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.CheckHealth(ctx); err != nil && ctx.Err() == nil {
					c.logger.Warn("health check recovery failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends the health check loop and waits for it.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
