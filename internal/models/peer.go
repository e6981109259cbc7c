package models

// BootstrapNode is a well-known entry point into the network.
type BootstrapNode struct {
	ID           string   `json:"id"`
	Addr         string   `json:"addr"` // multiaddress including /p2p/<id>
	Protocols    []string `json:"protocols"`
	Reliability  float64  `json:"reliability"`   // [0,1]
	ResponseTime float64  `json:"response_time"` // ms, EMA
	LastSeen     int64    `json:"last_seen"`     // unix micro
}

type InteractionType string

const (
	InteractionConnection InteractionType = "connection"
	InteractionMessage    InteractionType = "message"
	InteractionSync       InteractionType = "sync"
	InteractionDiscovery  InteractionType = "discovery"
)

type PeerInteraction struct {
	Timestamp int64           `json:"timestamp"`
	Type      InteractionType `json:"type"`
	Success   bool            `json:"success"`
	LatencyMs float64         `json:"latency_ms,omitempty"` // 0 = unknown
	Error     string          `json:"error,omitempty"`
	Size      int64           `json:"size,omitempty"`
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type PeerInteractionHistory struct {
	PeerID                string            `json:"peer_id"`
	Addrs                 []string          `json:"addrs,omitempty"`
	Location              *GeoPoint         `json:"location,omitempty"`
	Interests             []string          `json:"interests,omitempty"`
	Interactions          []PeerInteraction `json:"interactions"`
	TotalInteractions     int               `json:"total_interactions"`
	TotalConnections      int               `json:"total_connections"`
	SuccessfulConnections int               `json:"successful_connections"`
	FailedConnections     int               `json:"failed_connections"`
	AverageLatency        float64           `json:"average_latency"` // ms
	LatencySamples        int               `json:"latency_samples"`
	Reputation            float64           `json:"reputation"` // [0,1]
	LastSeen              int64             `json:"last_seen"`
}

type RecommendationCriteria struct {
	Location  *GeoPoint
	Interests []string
	Limit     int // 0 = configured maximum
}

type PeerRecommendation struct {
	PeerID  string   `json:"peer_id"`
	Addrs   []string `json:"addrs,omitempty"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// BootstrapStats summarises the coordinator for status output.
type BootstrapStats struct {
	Nodes              int     `json:"nodes"`
	TrackedPeers       int     `json:"tracked_peers"`
	AverageReliability float64 `json:"average_reliability"`
	LastMethod         string  `json:"last_method,omitempty"`
	LastBootstrap      int64   `json:"last_bootstrap,omitempty"` // unix micro
	Failures           int     `json:"failures"`
	Connections        int     `json:"connections"`
	DHTReady           bool    `json:"dht_ready"`
}
