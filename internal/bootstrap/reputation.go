package bootstrap

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"

	"offgrid/internal/models"
	"offgrid/internal/storage"
)

const (
	reputationWindow = 20
	historyCap       = 100
	historyKeep      = 50
	earthRadiusKm    = 6371.0
	day              = 24 * 60 * 60 * 1e6 // microseconds
)

// InteractionMeta carries the optional details of one interaction.
type InteractionMeta struct {
	LatencyMs float64
	Error     string
	Size      int64
	Addrs     []string
}

// PeerInfo is what is known about a peer besides its interactions.
type PeerInfo struct {
	Addrs     []string
	Location  *models.GeoPoint
	Interests []string
}

func (c *Coordinator) historyLocked(peerID string) *models.PeerInteractionHistory {
	h, ok := c.peers[peerID]
	if !ok {
		h = &models.PeerInteractionHistory{PeerID: peerID, Reputation: initialScore}
		c.peers[peerID] = h
	}
	return h
}

// UpdatePeerInfo records addresses, location and interests of a peer.
// Empty fields leave the stored value alone.
func (c *Coordinator) UpdatePeerInfo(ctx context.Context, peerID string, info PeerInfo) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	h := c.historyLocked(peerID)
	h.Addrs = mergeAddrs(h.Addrs, info.Addrs)
	if info.Location != nil {
		loc := *info.Location
		h.Location = &loc
	}
	if len(info.Interests) > 0 {
		h.Interests = slices.Clone(info.Interests)
	}
	snapshot := cloneHistory(h)
	c.mu.Unlock()
	return c.persistHistory(ctx, snapshot)
}

// RecordPeerInteraction appends one interaction and refreshes the peer's
// counters, average latency and reputation.
func (c *Coordinator) RecordPeerInteraction(ctx context.Context, peerID string, typ models.InteractionType, success bool, meta InteractionMeta) error {
	if peerID == "" {
		return ErrInvalidNode.WithDetails("empty peer id")
	}
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	now := c.now().UnixMicro()
	h := c.historyLocked(peerID)
	h.Interactions = append(h.Interactions, models.PeerInteraction{
		Timestamp: now,
		Type:      typ,
		Success:   success,
		LatencyMs: meta.LatencyMs,
		Error:     meta.Error,
		Size:      meta.Size,
	})
	h.TotalInteractions++
	if typ == models.InteractionConnection {
		h.TotalConnections++
		if success {
			h.SuccessfulConnections++
		} else {
			h.FailedConnections++
		}
	}
	if meta.LatencyMs > 0 {
		h.LatencySamples++
		h.AverageLatency += (meta.LatencyMs - h.AverageLatency) / float64(h.LatencySamples)
	}
	h.Addrs = mergeAddrs(h.Addrs, meta.Addrs)
	h.Reputation = reputation(h.Interactions)
	if len(h.Interactions) > historyCap {
		h.Interactions = slices.Clone(h.Interactions[len(h.Interactions)-historyKeep:])
	}
	if success {
		h.LastSeen = now
	}
	snapshot := cloneHistory(h)
	c.mu.Unlock()
	return c.persistHistory(ctx, snapshot)
}

// reputation blends the success rate of the most recent interactions with
// how fast they were. Peers with no latency data score neutral on speed.
func reputation(all []models.PeerInteraction) float64 {
	recent := all
	if len(recent) > reputationWindow {
		recent = recent[len(recent)-reputationWindow:]
	}
	if len(recent) == 0 {
		return initialScore
	}
	var ok, samples int
	var latency float64
	for _, in := range recent {
		if in.Success {
			ok++
		}
		if in.LatencyMs > 0 {
			samples++
			latency += in.LatencyMs
		}
	}
	latencyScore := 0.5
	if samples > 0 {
		latencyScore = 1 - math.Min(latency/float64(samples)/1000, 1)
	}
	successRate := float64(ok) / float64(len(recent))
	return clamp01(0.7*successRate + 0.3*latencyScore)
}

func (c *Coordinator) persistHistory(ctx context.Context, h models.PeerInteractionHistory) error {
	if err := storage.SaveJSON(ctx, c.kv, storage.PeersKey(h.PeerID), h); err != nil {
		c.logger.Error("cannot persist peer history", zap.String("peer", h.PeerID), zap.Error(err))
		return fmt.Errorf("persist peer history: %w", err)
	}
	return nil
}

// PeerHistory returns a copy of what is recorded for peerID.
func (c *Coordinator) PeerHistory(peerID string) (models.PeerInteractionHistory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.peers[peerID]
	if !ok {
		return models.PeerInteractionHistory{}, false
	}
	return cloneHistory(h), true
}

// GetPeerRecommendations ranks peers with enough history by success rate
// and reputation, decayed by how long ago they were last seen, plus bonuses
// for being close by and for shared interests.
func (c *Coordinator) GetPeerRecommendations(criteria models.RecommendationCriteria) []models.PeerRecommendation {
	limit := c.cfg.MaxRecommendation
	if criteria.Limit > 0 && criteria.Limit < limit {
		limit = criteria.Limit
	}

	c.mu.Lock()
	now := c.now().UnixMicro()
	var recs []models.PeerRecommendation
	for _, h := range c.peers {
		if h.TotalInteractions < c.cfg.MinInteractions {
			continue
		}
		recs = append(recs, c.score(h, criteria, now))
	}
	c.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return recs[i].PeerID < recs[j].PeerID
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

func (c *Coordinator) score(h *models.PeerInteractionHistory, criteria models.RecommendationCriteria, now int64) models.PeerRecommendation {
	sr := successRate(h)
	score := 0.6*sr + 0.4*h.Reputation
	var reasons []string
	if sr >= 0.8 {
		reasons = append(reasons, "High connection success rate")
	}
	if h.LatencySamples > 0 && h.AverageLatency < 100 {
		reasons = append(reasons, "Low latency")
	}
	if h.Reputation >= 0.8 {
		reasons = append(reasons, "High reputation")
	}

	if h.LastSeen > 0 && now > h.LastSeen {
		days := float64(now-h.LastSeen) / day
		score *= math.Pow(c.cfg.DecayFactor, days)
	}

	if criteria.Location != nil && h.Location != nil && c.cfg.MaxDistanceKm > 0 {
		d := haversineKm(*criteria.Location, *h.Location)
		if d <= c.cfg.MaxDistanceKm {
			score += c.cfg.ProximityWeight * (1 - d/c.cfg.MaxDistanceKm)
			reasons = append(reasons, fmt.Sprintf("Nearby (%.0f km)", d))
		}
	}
	if shared := sharedInterests(criteria.Interests, h.Interests); shared > 0 {
		score += c.cfg.InterestWeight * float64(shared) / float64(len(criteria.Interests))
		reasons = append(reasons, fmt.Sprintf("%d shared interests", shared))
	}

	return models.PeerRecommendation{
		PeerID:  h.PeerID,
		Addrs:   slices.Clone(h.Addrs),
		Score:   score,
		Reasons: reasons,
	}
}

// successRate prefers connection outcomes and falls back to every
// interaction for peers never dialled directly.
func successRate(h *models.PeerInteractionHistory) float64 {
	if h.TotalConnections > 0 {
		return float64(h.SuccessfulConnections) / float64(h.TotalConnections)
	}
	if len(h.Interactions) == 0 {
		return 0
	}
	ok := 0
	for _, in := range h.Interactions {
		if in.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(h.Interactions))
}

func sharedInterests(want, have []string) int {
	if len(want) == 0 || len(have) == 0 {
		return 0
	}
	set := make(map[string]bool, len(have))
	for _, i := range have {
		set[strings.ToLower(i)] = true
	}
	n := 0
	for _, i := range want {
		if set[strings.ToLower(i)] {
			n++
		}
	}
	return n
}

func haversineKm(a, b models.GeoPoint) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(s)))
}

func mergeAddrs(have, add []string) []string {
	for _, a := range add {
		if a != "" && !slices.Contains(have, a) {
			have = append(have, a)
		}
	}
	return have
}

func cloneHistory(h *models.PeerInteractionHistory) models.PeerInteractionHistory {
	out := *h
	out.Addrs = slices.Clone(h.Addrs)
	out.Interests = slices.Clone(h.Interests)
	out.Interactions = slices.Clone(h.Interactions)
	if h.Location != nil {
		loc := *h.Location
		out.Location = &loc
	}
	return out
}
