package models

import "encoding/json"

// Methods carried over the peer sync stream protocol.
const (
	MethodDeliverMessage = "deliver_message"
	MethodProfileMerge   = "profile_merge"
	MethodLike           = "like"
	MethodMatch          = "match"
)

// RPCEnvelope is the single JSON object written on a sync stream.
type RPCEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type RPCResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type DeliverMessageRequest struct {
	Message ChatMessage `json:"message"`
}

type ProfileMergeRequest struct {
	ProfileID string `json:"profile_id"`
	DID       string `json:"did"`
	Snapshot  []byte `json:"snapshot"`
}

type LikeRequest struct {
	Like LikePayload `json:"like"`
}

type MatchRequest struct {
	Match MatchPayload `json:"match"`
}

// NewEnvelope marshals params under method.
func NewEnvelope(method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(RPCEnvelope{Method: method, Params: raw})
}
