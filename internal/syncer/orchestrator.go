// Package syncer ties the change queue, the message store and the profile
// repository to the network. It turns connectivity changes into sync and
// recovery passes, dispatches each change kind to the right peer and
// serves the inbound side of the sync protocol.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offgrid/internal/bootstrap"
	"offgrid/internal/history"
	"offgrid/internal/models"
	"offgrid/internal/profile"
	"offgrid/internal/queue"
	"offgrid/internal/utils"
)

// Network delivers requests to a single peer.
type Network interface {
	SendToPeer(ctx context.Context, peerID string, method string, params any) error
}

// Publisher gossips profile snapshots.
type Publisher interface {
	PublishProfile(ctx context.Context, req models.ProfileMergeRequest) error
}

// Connectivity lets the periodic loop notice going on or offline by itself.
type Connectivity interface {
	ConnectionCount() int
}

// InteractionRecorder receives the outcome of every send.
type InteractionRecorder interface {
	RecordPeerInteraction(ctx context.Context, peerID string, typ models.InteractionType, success bool, meta bootstrap.InteractionMeta) error
}

type Deps struct {
	Queue        *queue.ChangeQueue
	Messages     *history.MessageStore
	Profiles     *profile.Repository
	Network      Network
	Publisher    Publisher
	Connectivity Connectivity
	Peers        InteractionRecorder
	LocalID      string
	LocalDID     string
}

type Orchestrator struct {
	Deps
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the queue handlers and the message resender to the network.
func New(d Deps, interval time.Duration, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case d.Queue == nil:
		return nil, ErrMissingDependency.WithDetails("queue")
	case d.Messages == nil:
		return nil, ErrMissingDependency.WithDetails("messages")
	case d.Profiles == nil:
		return nil, ErrMissingDependency.WithDetails("profiles")
	case d.Network == nil:
		return nil, ErrMissingDependency.WithDetails("network")
	case d.LocalID == "":
		return nil, ErrMissingDependency.WithDetails("local id")
	}
	o := &Orchestrator{
		Deps:     d,
		interval: interval,
		logger:   utils.OrNop(logger).Named("syncer"),
	}
	d.Queue.SetHandlers(o.dispatch, o.sendQueued)
	d.Messages.SetResender(o.resend)
	return o, nil
}

// send wraps Network.SendToPeer and reports the outcome to Peers.
func (o *Orchestrator) send(ctx context.Context, peerID, method string, params any) error {
	start := time.Now()
	err := o.Network.SendToPeer(ctx, peerID, method, params)
	if o.Peers != nil {
		meta := bootstrap.InteractionMeta{}
		if err != nil {
			meta.Error = err.Error()
		} else {
			meta.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		}
		if rerr := o.Peers.RecordPeerInteraction(ctx, peerID, models.InteractionMessage, err == nil, meta); rerr != nil {
			o.logger.Debug("interaction not recorded", zap.String("peer", peerID), zap.Error(rerr))
		}
	}
	return err
}

// dispatch pushes one pending change to where it belongs.
func (o *Orchestrator) dispatch(ctx context.Context, c models.PendingChange) error {
	switch p := c.Payload.(type) {
	case models.ProfileUpdatePayload:
		if o.Publisher == nil {
			return ErrNoPublisher
		}
		return o.Publisher.PublishProfile(ctx, models.ProfileMergeRequest{
			ProfileID: p.ProfileID,
			DID:       o.LocalDID,
			Snapshot:  p.Snapshot,
		})
	case models.MessagePayload:
		if err := o.send(ctx, p.Message.RecipientID, models.MethodDeliverMessage, models.DeliverMessageRequest{Message: p.Message}); err != nil {
			return err
		}
		o.markSent(ctx, p.Message)
		return nil
	case models.LikePayload:
		return o.send(ctx, p.ToID, models.MethodLike, models.LikeRequest{Like: p})
	case models.MatchPayload:
		other := p.PeerA
		if other == o.LocalID {
			other = p.PeerB
		}
		return o.send(ctx, other, models.MethodMatch, models.MatchRequest{Match: p})
	default:
		return ErrUnknownChange.WithDetails(string(c.Kind))
	}
}

func (o *Orchestrator) sendQueued(ctx context.Context, qm models.QueuedMessage) error {
	if err := o.send(ctx, qm.PeerID, models.MethodDeliverMessage, models.DeliverMessageRequest{Message: qm.Message}); err != nil {
		return err
	}
	o.markSent(ctx, qm.Message)
	return nil
}

func (o *Orchestrator) resend(ctx context.Context, sm models.StoredMessage) error {
	return o.send(ctx, sm.RecipientID, models.MethodDeliverMessage, models.DeliverMessageRequest{Message: sm.Message()})
}

// markSent flips the stored copy of an outgoing message to sent, if the
// store has it.
func (o *Orchestrator) markSent(ctx context.Context, msg models.ChatMessage) {
	conv := utils.ConversationID(msg.SenderID, msg.RecipientID)
	err := o.Messages.UpdateMessageStatus(ctx, conv, msg.ID, models.StatusSent)
	if err != nil && !errors.Is(err, history.ErrMessageNotFound) && !errors.Is(err, history.ErrConversationNotFound) {
		o.logger.Warn("cannot mark message sent", zap.String("id", msg.ID), zap.Error(err))
	}
}

// SendMessage stores an outgoing message and tries to deliver it now. When
// offline, or when delivery fails, it is queued for the next sync pass.
func (o *Orchestrator) SendMessage(ctx context.Context, to string, typ models.MessageType, content []byte) (models.StoredMessage, error) {
	msg := models.ChatMessage{
		ID:          uuid.NewString(),
		SenderID:    o.LocalID,
		RecipientID: to,
		Type:        typ,
		Content:     content,
		Timestamp:   utils.NowMicro(),
	}
	sm, _, err := o.Messages.StoreMessage(ctx, msg, models.StatusPending)
	if err != nil {
		return models.StoredMessage{}, fmt.Errorf("store message: %w", err)
	}
	if o.Queue.IsOnline() {
		err := o.send(ctx, to, models.MethodDeliverMessage, models.DeliverMessageRequest{Message: msg})
		if err == nil {
			o.markSent(ctx, msg)
			sm.DeliveryStatus = models.StatusSent
			return sm, nil
		}
		o.logger.Debug("direct send failed, queueing", zap.String("to", to), zap.Error(err))
	}
	if _, err := o.Queue.QueueMessage(ctx, to, msg); err != nil {
		return sm, fmt.Errorf("queue message: %w", err)
	}
	return sm, nil
}

// UpdateProfile applies mutate to the local replica of profileID, saves it
// and tracks the new snapshot for gossip.
func (o *Orchestrator) UpdateProfile(ctx context.Context, profileID string, mutate func(*profile.Replica)) (profile.Profile, error) {
	rep, err := o.Profiles.Update(ctx, profileID, o.LocalDID, mutate)
	if err != nil {
		return profile.Profile{}, err
	}
	data, err := rep.Serialize()
	if err != nil {
		return profile.Profile{}, err
	}
	if err := o.track(ctx, models.ProfileUpdatePayload{ProfileID: profileID, Snapshot: data}); err != nil {
		return profile.Profile{}, err
	}
	return rep.Snapshot(), nil
}

func (o *Orchestrator) Like(ctx context.Context, to string) error {
	return o.track(ctx, models.LikePayload{FromID: o.LocalID, ToID: to})
}

func (o *Orchestrator) Match(ctx context.Context, matchID, with string) error {
	return o.track(ctx, models.MatchPayload{MatchID: matchID, PeerA: o.LocalID, PeerB: with})
}

// track records a change and, when online, syncs right away.
func (o *Orchestrator) track(ctx context.Context, p models.ChangePayload) error {
	if _, err := o.Queue.TrackChange(ctx, p); err != nil {
		return err
	}
	if o.Queue.IsOnline() {
		if _, err := o.Queue.TriggerSync(ctx); err != nil {
			o.logger.Warn("sync after change failed", zap.Error(err))
		}
	}
	return nil
}

// HandleConnectivityChange records the new level. Going online runs a sync
// pass and then recovers every conversation with undelivered messages.
func (o *Orchestrator) HandleConnectivityChange(ctx context.Context, online bool) (models.SyncResult, error) {
	res, err := o.Queue.SetOnlineStatus(ctx, online)
	if err != nil || !online {
		return res, err
	}
	n, err := o.Messages.RecoverAll(ctx)
	if err != nil {
		return res, fmt.Errorf("recover messages: %w", err)
	}
	if n > 0 {
		o.logger.Info("recovered messages", zap.Int("count", n))
	}
	return res, nil
}

// Reconcile is one tick of the periodic loop.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	if o.Connectivity != nil {
		online := o.Connectivity.ConnectionCount() > 0
		if online != o.Queue.IsOnline() {
			if _, err := o.HandleConnectivityChange(ctx, online); err != nil {
				o.logger.Warn("connectivity change failed", zap.Error(err))
			}
			return
		}
	}
	if !o.Queue.IsOnline() {
		return
	}
	res, err := o.Queue.TriggerSync(ctx)
	if err != nil {
		o.logger.Warn("periodic sync failed", zap.Error(err))
	} else if res.Ran {
		o.logger.Debug("periodic sync",
			zap.Int("synced", res.Synced), zap.Int("failed", res.Failed), zap.Int("dropped", res.Dropped))
	}
	if _, err := o.Messages.RecoverAll(ctx); err != nil && ctx.Err() == nil {
		o.logger.Warn("periodic recovery failed", zap.Error(err))
	}
}

// Start runs Reconcile every interval until Stop or until ctx is done.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.cancel != nil || o.interval <= 0 {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.Reconcile(ctx)
			}
		}
	}()
}

func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}
