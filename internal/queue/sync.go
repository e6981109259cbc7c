package queue

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"offgrid/internal/models"
	"offgrid/internal/utils"
)

// TriggerSync runs one reconciliation pass. It returns immediately with
// Ran=false when offline or when another pass is already running.
//
// Every unsynced change is attempted on its own: success marks it synced,
// failure bumps its retry count, and a change that has failed maxRetries
// times is dropped. The message queue is processed the same way, removing
// only the messages that went out. lastFullSync is recorded once both
// phases finish, failures included; a cancelled ctx ends the pass early
// without recording it.
func (q *ChangeQueue) TriggerSync(ctx context.Context) (models.SyncResult, error) {
	q.mu.Lock()
	if !q.initialized {
		q.mu.Unlock()
		return models.SyncResult{}, ErrNotInitialized
	}
	if q.syncInProgress || !q.state.Online {
		q.mu.Unlock()
		return models.SyncResult{}, nil
	}
	if q.handler == nil || q.sender == nil {
		q.mu.Unlock()
		return models.SyncResult{}, ErrNoHandler
	}
	q.syncInProgress = true
	handler, sender := q.handler, q.sender
	var pending []models.PendingChange
	for _, c := range q.changes {
		if !c.Synced {
			pending = append(pending, c)
		}
	}
	outbox := slices.Clone(q.messages)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.syncInProgress = false
		q.mu.Unlock()
	}()

	res := models.SyncResult{Ran: true}
	for _, c := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		err := safeCall(func() error { return handler(ctx, c) })
		q.settleChange(ctx, c.ID, err, &res)
	}
	for _, m := range outbox {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		err := safeCall(func() error { return sender(ctx, m) })
		q.settleMessage(ctx, m.ID, err, &res)
	}

	q.mu.Lock()
	next := q.state
	next.LastFullSync = utils.NowMicro()
	if err := q.saveState(ctx, next); err != nil {
		q.logger.Error("persist sync state", zap.Error(err))
	} else {
		q.state = next
	}
	q.mu.Unlock()

	q.logger.Info("sync pass finished",
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed),
		zap.Int("dropped", res.Dropped),
		zap.Int("messages_sent", res.MessagesSent),
		zap.Int("messages_failed", res.MessagesFailed))
	return res, nil
}

// safeCall turns a handler panic into an error so one bad item cannot end
// the pass.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn()
}

func (q *ChangeQueue) settleChange(ctx context.Context, id string, sendErr error, res *models.SyncResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return // removed while the handler ran
	}
	next := slices.Clone(q.changes)
	dropped := false
	if sendErr == nil {
		next[i].Synced = true
	} else {
		next[i].RetryCount++
		next[i].LastRetry = utils.NowMicro()
		if next[i].RetryCount >= q.maxRetries {
			next = slices.Delete(next, i, i+1)
			dropped = true
		}
	}
	if err := q.saveChanges(ctx, next); err != nil {
		// leave memory matching the store; the change is retried next pass
		q.logger.Error("persist change outcome", zap.String("id", id), zap.Error(err))
		return
	}
	q.changes = next

	switch {
	case sendErr == nil:
		res.Synced++
	case dropped:
		res.Dropped++
		q.logger.Warn("change dropped after max retries",
			zap.String("id", id), zap.Int("max_retries", q.maxRetries), zap.Error(sendErr))
	default:
		res.Failed++
		q.logger.Debug("change sync failed", zap.String("id", id), zap.Error(sendErr))
	}
}

func (q *ChangeQueue) settleMessage(ctx context.Context, id string, sendErr error, res *models.SyncResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.messages, func(m models.QueuedMessage) bool { return m.ID == id })
	if i < 0 {
		return
	}
	next := slices.Clone(q.messages)
	dropped := false
	if sendErr == nil {
		next = slices.Delete(next, i, i+1)
	} else {
		next[i].Attempts++
		next[i].LastTry = utils.NowMicro()
		if next[i].Attempts >= q.maxRetries {
			next = slices.Delete(next, i, i+1)
			dropped = true
		}
	}
	if err := q.saveMessages(ctx, next); err != nil {
		q.logger.Error("persist message outcome", zap.String("id", id), zap.Error(err))
		return
	}
	q.messages = next

	switch {
	case sendErr == nil:
		res.MessagesSent++
	case dropped:
		res.MessagesFailed++
		res.Dropped++
		q.logger.Warn("queued message dropped after max retries", zap.String("id", id), zap.Error(sendErr))
	default:
		res.MessagesFailed++
	}
}
