package history

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"offgrid/internal/models"
	"offgrid/internal/utils"
)

// RecoverMessages resends the undelivered messages of one conversation in
// order. A second call for a conversation already being recovered returns
// at once with nothing done.
//
// Each message that has used up its retries is marked failed and skipped;
// the others are resent one at a time with the configured delay between
// them. Success marks a message sent, failure bumps its retry count and
// leaves it pending. Observers get the delivered set at the end.
func (s *MessageStore) RecoverMessages(ctx context.Context, conversationID string) ([]models.StoredMessage, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if s.recovering[conversationID] {
		s.mu.Unlock()
		return nil, nil
	}
	resender := s.resender
	if resender == nil {
		s.mu.Unlock()
		return nil, ErrNoResender
	}
	c, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	var candidates []models.StoredMessage
	for _, m := range c.messages {
		if m.Undelivered() {
			candidates = append(candidates, m)
		}
	}
	s.recovering[conversationID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.recovering, conversationID)
		s.mu.Unlock()
	}()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].OrderIndex < candidates[j].OrderIndex })

	var recovered []models.StoredMessage
	first := true
	if s.cfg.BatchSize < 1 {
		panic("cannot be less than 1")
	}
	for i := 0; i < len(candidates); i += s.cfg.BatchSize {
		end := min(s.cfg.BatchSize, len(candidates[i:])) + i
		batch := candidates[i:end:end]
		for _, m := range batch {
			if m.RetryCount >= s.cfg.MaxRetries {
				if m.DeliveryStatus != models.StatusFailed {
					s.settle(ctx, m, func(sm *models.StoredMessage) { sm.DeliveryStatus = models.StatusFailed })
				}
				continue
			}
			if !first {
				if err := sleepCtx(ctx, s.cfg.RetryDelay); err != nil {
					s.notifyRecovered(conversationID, recovered)
					return recovered, err
				}
			}
			first = false

			p, err := s.plain(m)
			if err != nil {
				s.logger.Warn("cannot decrypt message for resend",
					zap.String("conversation", conversationID), zap.String("id", m.ID), zap.Error(err))
				continue
			}
			if err := safeResend(ctx, resender, p); err != nil {
				s.logger.Debug("resend failed", zap.String("id", m.ID), zap.Error(err))
				s.settle(ctx, m, func(sm *models.StoredMessage) {
					sm.RetryCount++
					sm.LastRetry = utils.NowMicro()
					sm.DeliveryStatus = models.StatusPending
				})
				continue
			}
			if s.settle(ctx, m, func(sm *models.StoredMessage) { sm.DeliveryStatus = models.StatusSent }) {
				p.DeliveryStatus = models.StatusSent
				recovered = append(recovered, p)
			}
		}
	}

	s.logger.Info("recovery finished",
		zap.String("conversation", conversationID),
		zap.Int("candidates", len(candidates)),
		zap.Int("recovered", len(recovered)))
	s.notifyRecovered(conversationID, recovered)
	return recovered, nil
}

// RecoverAll runs RecoverMessages for every conversation that has
// undelivered messages and returns how many messages went out.
func (s *MessageStore) RecoverAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	var ids []string
	for id, c := range s.conversations {
		for _, m := range c.messages {
			if m.Undelivered() {
				ids = append(ids, id)
				break
			}
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)

	total := 0
	for _, id := range ids {
		rec, err := s.RecoverMessages(ctx, id)
		total += len(rec)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// settle applies mutate to the current stored copy of m. It reports false
// when the message is gone or could not be persisted.
func (s *MessageStore) settle(ctx context.Context, m models.StoredMessage, mutate func(*models.StoredMessage)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateLocked(ctx, m.ConversationID, m.ID, mutate); err != nil {
		s.logger.Warn("recovery could not update message",
			zap.String("conversation", m.ConversationID), zap.String("id", m.ID), zap.Error(err))
		return false
	}
	return true
}

func safeResend(ctx context.Context, r Resender, m models.StoredMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("resender panic: %v", p)
		}
	}()
	return r(ctx, m)
}

func (s *MessageStore) notifyRecovered(conversationID string, recovered []models.StoredMessage) {
	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		if fn == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("recovery observer failed", zap.String("conversation", conversationID), zap.Any("panic", r))
				}
			}()
			fn(conversationID, recovered)
		}()
	}
}

// sleepCtx waits d or until ctx is done.
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
