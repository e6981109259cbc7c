package models

import (
	"encoding/json"
	"fmt"
)

// ChangeKind names the closed set of local mutations tracked for sync.
type ChangeKind string

const (
	ChangeProfileUpdate ChangeKind = "profile_update"
	ChangeMessage       ChangeKind = "message"
	ChangeLike          ChangeKind = "like"
	ChangeMatch         ChangeKind = "match"
)

// ChangePayload is implemented only by the payload types below.
type ChangePayload interface {
	Kind() ChangeKind
}

type ProfileUpdatePayload struct {
	ProfileID string `json:"profile_id"`
	Snapshot  []byte `json:"snapshot"` // serialized replica
}

func (ProfileUpdatePayload) Kind() ChangeKind { return ChangeProfileUpdate }

// MessagePayload is for callers that route a message through TrackChange,
// e.g. a message edited or forwarded as part of a larger change. Plain
// outgoing messages take the message queue (ChangeQueue.QueueMessage).
type MessagePayload struct {
	Message ChatMessage `json:"message"`
}

func (MessagePayload) Kind() ChangeKind { return ChangeMessage }

type LikePayload struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
}

func (LikePayload) Kind() ChangeKind { return ChangeLike }

type MatchPayload struct {
	MatchID string `json:"match_id"`
	PeerA   string `json:"peer_a"`
	PeerB   string `json:"peer_b"`
}

func (MatchPayload) Kind() ChangeKind { return ChangeMatch }

// PendingChange is a local mutation that has not been confirmed by the network.
type PendingChange struct {
	ID         string        `json:"id"`
	Kind       ChangeKind    `json:"kind"`
	Timestamp  int64         `json:"timestamp"` // unix micro
	Payload    ChangePayload `json:"-"`
	Synced     bool          `json:"synced"`
	RetryCount int           `json:"retry_count"`
	LastRetry  int64         `json:"last_retry,omitempty"` // unix micro, 0 = never retried
}

type pendingChangeJSON struct {
	ID         string          `json:"id"`
	Kind       ChangeKind      `json:"kind"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	Synced     bool            `json:"synced"`
	RetryCount int             `json:"retry_count"`
	LastRetry  int64           `json:"last_retry,omitempty"`
}

func (c PendingChange) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if c.Payload != nil {
		if c.Payload.Kind() != c.Kind {
			return nil, fmt.Errorf("change %s: payload kind %s does not match %s", c.ID, c.Payload.Kind(), c.Kind)
		}
		b, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(pendingChangeJSON{
		ID:         c.ID,
		Kind:       c.Kind,
		Timestamp:  c.Timestamp,
		Payload:    raw,
		Synced:     c.Synced,
		RetryCount: c.RetryCount,
		LastRetry:  c.LastRetry,
	})
}

func (c *PendingChange) UnmarshalJSON(data []byte) error {
	var aux pendingChangeJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	payload, err := DecodeChangePayload(aux.Kind, aux.Payload)
	if err != nil {
		return err
	}
	*c = PendingChange{
		ID:         aux.ID,
		Kind:       aux.Kind,
		Timestamp:  aux.Timestamp,
		Payload:    payload,
		Synced:     aux.Synced,
		RetryCount: aux.RetryCount,
		LastRetry:  aux.LastRetry,
	}
	return nil
}

// DecodeChangePayload picks the concrete payload type for kind.
func DecodeChangePayload(kind ChangeKind, raw json.RawMessage) (ChangePayload, error) {
	var p ChangePayload
	switch kind {
	case ChangeProfileUpdate:
		p = new(ProfileUpdatePayload)
	case ChangeMessage:
		p = new(MessagePayload)
	case ChangeLike:
		p = new(LikePayload)
	case ChangeMatch:
		p = new(MatchPayload)
	default:
		return nil, ErrUnknownChangeKind.WithDetails(string(kind))
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrMissingPayload.WithDetails(string(kind))
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, ErrMissingPayload.WithDetails(err.Error())
	}
	// hand back values, not pointers, so type switches match on the value types
	switch v := p.(type) {
	case *ProfileUpdatePayload:
		return *v, nil
	case *MessagePayload:
		return *v, nil
	case *LikePayload:
		return *v, nil
	case *MatchPayload:
		return *v, nil
	}
	return p, nil
}
