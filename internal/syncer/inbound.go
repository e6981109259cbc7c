package syncer

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"offgrid/internal/history"
	"offgrid/internal/models"
	"offgrid/internal/profile"
	"offgrid/internal/utils"
)

// Inbound serves requests arriving on the sync stream and profile
// announcements arriving over gossip.
type Inbound struct {
	messages *history.MessageStore
	profiles *profile.Repository
	logger   *zap.Logger

	mu      sync.Mutex
	onLike  func(from string, like models.LikePayload)
	onMatch func(from string, match models.MatchPayload)
}

func NewInbound(messages *history.MessageStore, profiles *profile.Repository, logger *zap.Logger) *Inbound {
	return &Inbound{
		messages: messages,
		profiles: profiles,
		logger:   utils.OrNop(logger).Named("inbound"),
	}
}

func (in *Inbound) OnLike(fn func(from string, like models.LikePayload)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onLike = fn
}

func (in *Inbound) OnMatch(fn func(from string, match models.MatchPayload)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onMatch = fn
}

// HandleRPC dispatches one request by method. Redelivered messages are
// accepted and dropped by the store's dedup.
func (in *Inbound) HandleRPC(ctx context.Context, from string, method string, params json.RawMessage) error {
	switch method {
	case models.MethodDeliverMessage:
		var req models.DeliverMessageRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return ErrBadParams.WithDetails(err.Error())
		}
		if req.Message.SenderID != from {
			return ErrSenderMismatch.WithDetails(req.Message.SenderID)
		}
		_, stored, err := in.messages.StoreMessage(ctx, req.Message, models.StatusDelivered)
		if err != nil {
			return err
		}
		in.logger.Debug("message received",
			zap.String("from", from), zap.String("id", req.Message.ID), zap.Bool("new", stored))
		return nil

	case models.MethodProfileMerge:
		var req models.ProfileMergeRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return ErrBadParams.WithDetails(err.Error())
		}
		return in.mergeProfile(ctx, from, req)

	case models.MethodLike:
		var req models.LikeRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return ErrBadParams.WithDetails(err.Error())
		}
		in.mu.Lock()
		fn := in.onLike
		in.mu.Unlock()
		if fn != nil {
			in.safeNotify(func() { fn(from, req.Like) })
		}
		return nil

	case models.MethodMatch:
		var req models.MatchRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return ErrBadParams.WithDetails(err.Error())
		}
		in.mu.Lock()
		fn := in.onMatch
		in.mu.Unlock()
		if fn != nil {
			in.safeNotify(func() { fn(from, req.Match) })
		}
		return nil

	default:
		return ErrUnknownMethod.WithDetails(method)
	}
}

// HandleProfileAnnouncement is the gossip subscriber callback.
func (in *Inbound) HandleProfileAnnouncement(from string, req models.ProfileMergeRequest) {
	if err := in.mergeProfile(context.Background(), from, req); err != nil {
		in.logger.Warn("profile announcement not merged",
			zap.String("from", from), zap.String("profile", req.ProfileID), zap.Error(err))
	}
}

func (in *Inbound) mergeProfile(ctx context.Context, from string, req models.ProfileMergeRequest) error {
	if req.ProfileID == "" || len(req.Snapshot) == 0 {
		return ErrBadParams.WithDetails("profile id and snapshot are required")
	}
	added, err := in.profiles.MergeRemote(ctx, req.ProfileID, req.DID, req.Snapshot)
	if err != nil {
		return err
	}
	in.logger.Debug("profile merged",
		zap.String("from", from), zap.String("profile", req.ProfileID), zap.Int("ops", added))
	return nil
}

func (in *Inbound) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Warn("inbound observer failed", zap.Any("panic", r))
		}
	}()
	fn()
}
