// Package bootstrap gets a node back into the network when DHT discovery
// fails. It walks a ladder of fallback methods, tracks how reliable each
// bootstrap node has been and ranks previously seen peers by reputation.
package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"offgrid/internal/config"
	"offgrid/internal/models"
	"offgrid/internal/storage"
	"offgrid/internal/utils"
)

const initialScore = 0.5

// Transport is the part of the network layer the coordinator drives.
type Transport interface {
	Connect(ctx context.Context, addr string, timeout time.Duration) error
	ConnectionCount() int
	DHTReady() bool
}

// LocalDiscoverer finds peers on the local link.
type LocalDiscoverer interface {
	DiscoverLocal(ctx context.Context, service string, window time.Duration) ([]string, error)
}

// RendezvousFinder looks up peers advertising a namespace.
type RendezvousFinder interface {
	FindPeers(ctx context.Context, namespace string) ([]string, error)
}

// Method is one rung of the fallback ladder. Bootstrap returns nil once the
// node is connected to at least one peer.
type Method interface {
	Name() string
	Bootstrap(ctx context.Context) error
}

type Coordinator struct {
	kv        storage.KeyValueStore
	transport Transport
	cfg       config.BootstrapConfig
	logger    *zap.Logger
	now       func() time.Time

	mu            sync.Mutex
	initialized   bool
	nodes         map[string]*models.BootstrapNode
	peers         map[string]*models.PeerInteractionHistory
	methods       map[string]Method
	bootstrapping bool
	lastMethod    string
	lastBootstrap int64
	failures      int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(kv storage.KeyValueStore, transport Transport, cfg config.BootstrapConfig, logger *zap.Logger) *Coordinator {
	def := config.Default().Bootstrap
	if cfg.ReliabilityAlpha <= 0 || cfg.ReliabilityAlpha > 1 {
		cfg.ReliabilityAlpha = def.ReliabilityAlpha
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor > 1 {
		cfg.DecayFactor = def.DecayFactor
	}
	if cfg.MaxRecommendation <= 0 {
		cfg.MaxRecommendation = def.MaxRecommendation
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = def.Methods
	}

	c := &Coordinator{
		kv:        kv,
		transport: transport,
		cfg:       cfg,
		logger:    utils.OrNop(logger).Named("bootstrap"),
		now:       time.Now,
		nodes:     make(map[string]*models.BootstrapNode),
		peers:     make(map[string]*models.PeerInteractionHistory),
	}
	c.methods = map[string]Method{
		config.MethodDirect:     &directMethod{c: c},
		config.MethodDNS:        &dnsMethod{c: c, resolver: defaultResolver()},
		config.MethodWebSocket:  &websocketMethod{c: c},
		config.MethodMDNS:       &mdnsMethod{c: c},
		config.MethodRendezvous: &rendezvousMethod{c: c},
	}
	return c
}

// RegisterMethod replaces or adds the implementation used for name.
func (c *Coordinator) RegisterMethod(m Method) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods[m.Name()] = m
}

// Initialize loads persisted nodes and peer histories and seeds configured
// bootstrap nodes that were never seen before.
func (c *Coordinator) Initialize(ctx context.Context) error {
	nodes := make(map[string]*models.BootstrapNode)
	keys, err := c.kv.List(ctx, storage.PrefixBootstrap)
	if err != nil {
		return fmt.Errorf("list bootstrap nodes: %w", err)
	}
	for _, k := range keys {
		var n models.BootstrapNode
		if _, err := storage.LoadJSON(ctx, c.kv, k, &n); err != nil || n.ID == "" {
			c.logger.Warn("skipping bootstrap node record", zap.String("key", k), zap.Error(err))
			continue
		}
		n.Reliability = clamp01(n.Reliability)
		nodes[n.ID] = &n
	}

	peers := make(map[string]*models.PeerInteractionHistory)
	keys, err = c.kv.List(ctx, storage.PrefixPeers)
	if err != nil {
		return fmt.Errorf("list peer histories: %w", err)
	}
	for _, k := range keys {
		var h models.PeerInteractionHistory
		if _, err := storage.LoadJSON(ctx, c.kv, k, &h); err != nil || h.PeerID == "" {
			c.logger.Warn("skipping peer history record", zap.String("key", k), zap.Error(err))
			continue
		}
		h.Reputation = clamp01(h.Reputation)
		peers[h.PeerID] = &h
	}

	var seeded []*models.BootstrapNode
	for _, nc := range c.cfg.Nodes {
		if nc.ID == "" || nc.Addr == "" {
			c.logger.Warn("ignoring incomplete bootstrap node", zap.String("id", nc.ID))
			continue
		}
		if _, ok := nodes[nc.ID]; ok {
			continue
		}
		n := &models.BootstrapNode{ID: nc.ID, Addr: nc.Addr, Protocols: nc.Protocols, Reliability: initialScore}
		nodes[n.ID] = n
		seeded = append(seeded, n)
	}
	for _, n := range seeded {
		if err := storage.SaveJSON(ctx, c.kv, storage.BootstrapKey(n.ID), n); err != nil {
			return fmt.Errorf("persist bootstrap node: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = nodes
	c.peers = peers
	c.initialized = true
	c.logger.Info("bootstrap coordinator initialized",
		zap.Int("nodes", len(nodes)), zap.Int("peers", len(peers)))
	return nil
}

// AddBootstrapNode registers (or re-addresses) a bootstrap node.
func (c *Coordinator) AddBootstrapNode(ctx context.Context, id, addr string, protocols ...string) error {
	if id == "" || addr == "" {
		return ErrInvalidNode.WithDetails("id and addr are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	n := models.BootstrapNode{ID: id, Addr: addr, Protocols: protocols, Reliability: initialScore}
	if old, ok := c.nodes[id]; ok {
		n.Reliability = old.Reliability
		n.ResponseTime = old.ResponseTime
		n.LastSeen = old.LastSeen
	}
	if err := storage.SaveJSON(ctx, c.kv, storage.BootstrapKey(id), n); err != nil {
		return fmt.Errorf("persist bootstrap node: %w", err)
	}
	c.nodes[id] = &n
	return nil
}

// BootstrapNodes returns copies sorted by reliability, best first.
func (c *Coordinator) BootstrapNodes() []models.BootstrapNode {
	c.mu.Lock()
	out := make([]models.BootstrapNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, *n)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reliability != out[j].Reliability {
			return out[i].Reliability > out[j].Reliability
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BootstrapNetwork walks the configured methods in order. Each method gets
// its configured number of attempts with the retry delay in between; the
// first success ends the walk. A call made while another walk is running
// returns nil without doing anything.
func (c *Coordinator) BootstrapNetwork(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if c.bootstrapping {
		c.mu.Unlock()
		return nil
	}
	c.bootstrapping = true
	ladder := make([]Method, 0, len(c.cfg.Methods))
	for _, name := range c.cfg.Methods {
		m, ok := c.methods[name]
		if !ok {
			c.logger.Warn("skipping unknown bootstrap method", zap.String("method", name))
			continue
		}
		ladder = append(ladder, m)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.bootstrapping = false
		c.mu.Unlock()
	}()

	var errs []string
	for _, m := range ladder {
		attempts := c.cfg.Attempts(m.Name())
		for i := 1; i <= attempts; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := m.Bootstrap(ctx)
			if err == nil {
				c.mu.Lock()
				c.lastMethod = m.Name()
				c.lastBootstrap = c.now().UnixMicro()
				c.mu.Unlock()
				c.logger.Info("bootstrap succeeded", zap.String("method", m.Name()), zap.Int("attempt", i))
				return nil
			}
			c.logger.Debug("bootstrap attempt failed",
				zap.String("method", m.Name()), zap.Int("attempt", i), zap.Error(err))
			errs = append(errs, fmt.Sprintf("%s#%d: %v", m.Name(), i, err))
			if i < attempts {
				if err := sleepCtx(ctx, c.cfg.RetryDelay); err != nil {
					return err
				}
			}
		}
	}

	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
	c.logger.Warn("bootstrap ladder exhausted", zap.Int("methods", len(ladder)))
	return ErrAllMethodsFailed.WithDetails(strings.Join(errs, "; "))
}

// recordNodeResult folds one attempt against a bootstrap node into its
// reliability and response time averages and persists the node.
func (c *Coordinator) recordNodeResult(ctx context.Context, id string, success bool, latencyMs float64) {
	c.mu.Lock()
	n, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	alpha := c.cfg.ReliabilityAlpha
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	n.Reliability = clamp01((1-alpha)*n.Reliability + alpha*outcome)
	if success {
		if n.ResponseTime == 0 {
			n.ResponseTime = latencyMs
		} else {
			n.ResponseTime = 0.8*n.ResponseTime + 0.2*latencyMs
		}
		n.LastSeen = c.now().UnixMicro()
	}
	snapshot := *n
	c.mu.Unlock()

	if err := storage.SaveJSON(ctx, c.kv, storage.BootstrapKey(id), snapshot); err != nil {
		c.logger.Error("cannot persist bootstrap node", zap.String("id", id), zap.Error(err))
	}
}

// Stats reports counters plus the transport's current view.
func (c *Coordinator) Stats() models.BootstrapStats {
	c.mu.Lock()
	st := models.BootstrapStats{
		Nodes:         len(c.nodes),
		TrackedPeers:  len(c.peers),
		LastMethod:    c.lastMethod,
		LastBootstrap: c.lastBootstrap,
		Failures:      c.failures,
	}
	var sum float64
	for _, n := range c.nodes {
		sum += n.Reliability
	}
	if len(c.nodes) > 0 {
		st.AverageReliability = sum / float64(len(c.nodes))
	}
	c.mu.Unlock()
	if c.transport != nil {
		st.Connections = c.transport.ConnectionCount()
		st.DHTReady = c.transport.DHTReady()
	}
	return st
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
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
