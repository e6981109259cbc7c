package p2p

import (
	"context"
	"encoding/json"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"offgrid/internal/models"
)

const topicRoot = "/offgrid"

// Every replica change is gossiped here
func ProfilesTopic() string { return topicRoot + "/profiles" }

func (n *Node) topic(name string) (*pubsub.Topic, error) {
	if n.PS == nil {
		return nil, ErrNoPubSub
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.PS.Join(name)
	if err != nil {
		return nil, err
	}
	n.topics[name] = t
	return t, nil
}

// PublishProfile gossips a serialized replica on the shared profile topic.
func (n *Node) PublishProfile(ctx context.Context, req models.ProfileMergeRequest) error {
	t, err := n.topic(ProfilesTopic())
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// SubscribeProfiles calls fn for every announcement from another peer
// until ctx is done. Malformed announcements are dropped.
func (n *Node) SubscribeProfiles(ctx context.Context, fn func(from string, req models.ProfileMergeRequest)) error {
	t, err := n.topic(ProfilesTopic())
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == n.Host.ID() {
				continue
			}
			var req models.ProfileMergeRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || req.ProfileID == "" {
				n.logger.Warn("dropping profile announcement",
					zap.String("from", msg.ReceivedFrom.String()), zap.Error(ErrBadAnnounce))
				continue
			}
			fn(msg.ReceivedFrom.String(), req)
		}
	}()
	return nil
}
