// Package queue records local mutations and outbound messages that have not
// reached the network yet, and replays them when connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offgrid/internal/config"
	"offgrid/internal/models"
	"offgrid/internal/storage"
	"offgrid/internal/utils"
)

// ChangeHandler pushes one change to the network.
type ChangeHandler func(ctx context.Context, change models.PendingChange) error

// MessageSender delivers one queued message.
type MessageSender func(ctx context.Context, msg models.QueuedMessage) error

type observer[T any] struct {
	id int
	fn func(T)
}

// ChangeQueue keeps its lists in memory as a write-through mirror of the
// store: every mutation is saved before the in-memory copy changes.
//
// Only one sync pass runs at a time. Network calls happen without the lock
// held; syncInProgress keeps a second TriggerSync from starting a pass.
type ChangeQueue struct {
	kv         storage.KeyValueStore
	logger     *zap.Logger
	maxRetries int

	mu             sync.Mutex
	initialized    bool
	changes        []models.PendingChange
	messages       []models.QueuedMessage
	state          models.SyncState
	syncInProgress bool
	handler        ChangeHandler
	sender         MessageSender

	nextObserver    int
	changeObservers []observer[models.PendingChange]
	onlineObservers []observer[bool]
}

func New(kv storage.KeyValueStore, cfg config.QueueConfig, logger *zap.Logger) *ChangeQueue {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = config.Default().Queue.MaxRetries
	}
	return &ChangeQueue{
		kv:         kv,
		logger:     utils.OrNop(logger).Named("queue"),
		maxRetries: maxRetries,
	}
}

// Initialize reloads pending changes, the message queue and sync state.
// Unreadable entries are skipped and logged; a store that cannot be read
// at all is returned as an error.
func (q *ChangeQueue) Initialize(ctx context.Context) error {
	changes, err := loadList[models.PendingChange](ctx, q.kv, storage.KeyPendingChanges, q.logger)
	if err != nil {
		return fmt.Errorf("load pending changes: %w", err)
	}
	messages, err := loadList[models.QueuedMessage](ctx, q.kv, storage.KeyMessageQueue, q.logger)
	if err != nil {
		return fmt.Errorf("load message queue: %w", err)
	}
	var state models.SyncState
	if _, err := storage.LoadJSON(ctx, q.kv, storage.KeySyncState, &state); err != nil {
		if !utils.IsMalformed(err) {
			return fmt.Errorf("load sync state: %w", err)
		}
		q.logger.Warn("sync state unreadable, resetting", zap.Error(err))
		state = models.SyncState{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.changes = changes
	q.messages = messages
	q.state = state
	q.initialized = true
	q.logger.Info("change queue initialized",
		zap.Int("changes", len(changes)),
		zap.Int("messages", len(messages)),
		zap.Bool("online", state.Online))
	return nil
}

// loadList decodes a stored JSON array item by item so one bad entry does
// not lose the rest.
func loadList[T any](ctx context.Context, kv storage.KeyValueStore, key string, logger *zap.Logger) ([]T, error) {
	var raw []json.RawMessage
	found, err := storage.LoadJSON(ctx, kv, key, &raw)
	if err != nil {
		if utils.IsMalformed(err) {
			logger.Warn("stored list unreadable, starting empty", zap.String("key", key), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	if !found {
		return nil, nil
	}
	out := make([]T, 0, len(raw))
	for i, item := range raw {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			logger.Warn("skipping malformed entry", zap.String("key", key), zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Destroy drops observers and handlers. The stored state is untouched.
func (q *ChangeQueue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.initialized = false
	q.changeObservers = nil
	q.onlineObservers = nil
	q.handler = nil
	q.sender = nil
}

func (q *ChangeQueue) SetHandlers(h ChangeHandler, s MessageSender) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
	q.sender = s
}

// OnChange registers fn for every tracked change. The returned func
// unregisters it.
func (q *ChangeQueue) OnChange(fn func(models.PendingChange)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextObserver++
	id := q.nextObserver
	q.changeObservers = append(q.changeObservers, observer[models.PendingChange]{id: id, fn: fn})
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.changeObservers = slices.DeleteFunc(q.changeObservers, func(o observer[models.PendingChange]) bool { return o.id == id })
	}
}

func (q *ChangeQueue) OnOnlineStatus(fn func(online bool)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextObserver++
	id := q.nextObserver
	q.onlineObservers = append(q.onlineObservers, observer[bool]{id: id, fn: fn})
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.onlineObservers = slices.DeleteFunc(q.onlineObservers, func(o observer[bool]) bool { return o.id == id })
	}
}

// notify calls every observer outside the lock; a panicking observer is
// logged and the rest still run.
func notify[T any](logger *zap.Logger, what string, observers []observer[T], v T) {
	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Warn("observer failed", zap.String("event", what), zap.Any("panic", r))
				}
			}()
			o.fn(v)
		}()
	}
}

// caller holds q.mu
func (q *ChangeQueue) saveChanges(ctx context.Context, next []models.PendingChange) error {
	if next == nil {
		next = []models.PendingChange{}
	}
	return storage.SaveJSON(ctx, q.kv, storage.KeyPendingChanges, next)
}

// caller holds q.mu
func (q *ChangeQueue) saveMessages(ctx context.Context, next []models.QueuedMessage) error {
	if next == nil {
		next = []models.QueuedMessage{}
	}
	return storage.SaveJSON(ctx, q.kv, storage.KeyMessageQueue, next)
}

// caller holds q.mu
func (q *ChangeQueue) saveState(ctx context.Context, next models.SyncState) error {
	return storage.SaveJSON(ctx, q.kv, storage.KeySyncState, next)
}

// TrackChange records a local mutation, persists the list and tells the
// observers.
func (q *ChangeQueue) TrackChange(ctx context.Context, payload models.ChangePayload) (models.PendingChange, error) {
	if payload == nil {
		return models.PendingChange{}, ErrNilPayload
	}
	c := models.PendingChange{
		ID:        uuid.NewString(),
		Kind:      payload.Kind(),
		Timestamp: utils.NowMicro(),
		Payload:   payload,
	}

	q.mu.Lock()
	if !q.initialized {
		q.mu.Unlock()
		return models.PendingChange{}, ErrNotInitialized
	}
	next := append(slices.Clone(q.changes), c)
	if err := q.saveChanges(ctx, next); err != nil {
		q.mu.Unlock()
		return models.PendingChange{}, fmt.Errorf("persist change: %w", err)
	}
	q.changes = next
	observers := slices.Clone(q.changeObservers)
	q.mu.Unlock()

	q.logger.Debug("change tracked", zap.String("id", c.ID), zap.String("kind", string(c.Kind)))
	notify(q.logger, "change", observers, c)
	return c, nil
}

// PendingChanges returns the unsynced changes in tracking order.
func (q *ChangeQueue) PendingChanges() []models.PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.PendingChange
	for _, c := range q.changes {
		if !c.Synced {
			out = append(out, c)
		}
	}
	return out
}

// Change looks up a change, synced or not.
func (q *ChangeQueue) Change(id string) (models.PendingChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(id); i >= 0 {
		return q.changes[i], true
	}
	return models.PendingChange{}, false
}

// caller holds q.mu
func (q *ChangeQueue) indexOf(id string) int {
	return slices.IndexFunc(q.changes, func(c models.PendingChange) bool { return c.ID == id })
}

func (q *ChangeQueue) MarkSynced(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return ErrChangeNotFound.WithDetails(id)
	}
	next := slices.Clone(q.changes)
	next[i].Synced = true
	if err := q.saveChanges(ctx, next); err != nil {
		return err
	}
	q.changes = next
	return nil
}

func (q *ChangeQueue) RemoveChange(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return ErrChangeNotFound.WithDetails(id)
	}
	next := slices.Delete(slices.Clone(q.changes), i, i+1)
	if err := q.saveChanges(ctx, next); err != nil {
		return err
	}
	q.changes = next
	return nil
}

// QueueMessage appends an outbound message to the FIFO.
func (q *ChangeQueue) QueueMessage(ctx context.Context, peerID string, msg models.ChatMessage) (models.QueuedMessage, error) {
	m := models.QueuedMessage{
		ID:         uuid.NewString(),
		PeerID:     peerID,
		Message:    msg,
		EnqueuedAt: utils.NowMicro(),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return models.QueuedMessage{}, ErrNotInitialized
	}
	next := append(slices.Clone(q.messages), m)
	if err := q.saveMessages(ctx, next); err != nil {
		return models.QueuedMessage{}, fmt.Errorf("persist message: %w", err)
	}
	q.messages = next
	return m, nil
}

// DequeueMessage pops the head of the FIFO. ok is false when it is empty.
func (q *ChangeQueue) DequeueMessage(ctx context.Context) (msg models.QueuedMessage, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return models.QueuedMessage{}, false, nil
	}
	next := slices.Clone(q.messages[1:])
	if err := q.saveMessages(ctx, next); err != nil {
		return models.QueuedMessage{}, false, err
	}
	head := q.messages[0]
	q.messages = next
	return head, true, nil
}

func (q *ChangeQueue) PeekMessages() []models.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.messages)
}

// ClearAll empties changes and messages. Sync state is kept.
func (q *ChangeQueue) ClearAll(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.saveChanges(ctx, nil); err != nil {
		return err
	}
	if err := q.saveMessages(ctx, nil); err != nil {
		return err
	}
	q.changes = nil
	q.messages = nil
	return nil
}

func (q *ChangeQueue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.Online
}

func (q *ChangeQueue) LastFullSync() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.LastFullSync
}

// SetOnlineStatus acts only on a real transition: it persists the new
// level, notifies observers and, when going online, runs a sync pass.
// Repeating the current level is a no-op.
func (q *ChangeQueue) SetOnlineStatus(ctx context.Context, online bool) (models.SyncResult, error) {
	q.mu.Lock()
	if q.state.Online == online {
		q.mu.Unlock()
		return models.SyncResult{}, nil
	}
	next := q.state
	next.Online = online
	if err := q.saveState(ctx, next); err != nil {
		q.mu.Unlock()
		return models.SyncResult{}, fmt.Errorf("persist sync state: %w", err)
	}
	q.state = next
	observers := slices.Clone(q.onlineObservers)
	q.mu.Unlock()

	q.logger.Info("connectivity changed", zap.Bool("online", online))
	notify(q.logger, "online", observers, online)
	if !online {
		return models.SyncResult{}, nil
	}
	return q.TriggerSync(ctx)
}

func (q *ChangeQueue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := models.QueueStats{
		QueuedMessages: len(q.messages),
		LastFullSync:   q.state.LastFullSync,
		Online:         q.state.Online,
		SyncInProgress: q.syncInProgress,
	}
	for _, c := range q.changes {
		if c.Synced {
			s.SyncedChanges++
		} else {
			s.PendingChanges++
		}
	}
	return s
}
