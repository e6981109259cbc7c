// Package history persists conversation messages with per-conversation
// ordering, duplicate suppression, encryption at rest and resend recovery.
package history

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"offgrid/internal/config"
	"offgrid/internal/crypto"
	"offgrid/internal/models"
	"offgrid/internal/storage"
	"offgrid/internal/utils"
)

// Cipher seals message bodies per conversation and fingerprints them.
type Cipher interface {
	Encrypt(scope string, plaintext []byte) ([]byte, error)
	Decrypt(scope string, ciphertext []byte) ([]byte, error)
	Hash(parts ...[]byte) string
}

// Resender pushes a stored message to its recipient again. It receives the
// plaintext form.
type Resender func(ctx context.Context, msg models.StoredMessage) error

// RecoveryObserver learns which messages a recovery pass delivered.
type RecoveryObserver func(conversationID string, recovered []models.StoredMessage)

type conversation struct {
	meta     models.ConversationMetadata
	messages map[string]models.StoredMessage // by message id, stored form
	hashes   map[string]string               // dedup hash -> message id
}

// MessageStore caches every conversation in memory; the cache mirrors the
// store and is rebuilt from it by Initialize.
type MessageStore struct {
	kv      storage.KeyValueStore
	cipher  Cipher
	cfg     config.MessagesConfig
	localID string
	logger  *zap.Logger

	mu            sync.Mutex
	initialized   bool
	conversations map[string]*conversation
	recovering    map[string]bool
	resender      Resender
	observers     []RecoveryObserver
}

// New builds a store for the local identity localID. cipher may be nil
// only when encryption is off.
func New(kv storage.KeyValueStore, cipher Cipher, localID string, cfg config.MessagesConfig, logger *zap.Logger) (*MessageStore, error) {
	if cfg.Encrypt && cipher == nil {
		return nil, ErrNoCipher
	}
	def := config.Default().Messages
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &MessageStore{
		kv:            kv,
		cipher:        cipher,
		cfg:           cfg,
		localID:       localID,
		logger:        utils.OrNop(logger).Named("history"),
		conversations: make(map[string]*conversation),
		recovering:    make(map[string]bool),
	}, nil
}

func (s *MessageStore) SetResender(r Resender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resender = r
}

// OnRecovered registers an observer; the returned func removes it.
func (s *MessageStore) OnRecovered(fn RecoveryObserver) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
	idx := len(s.observers) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.observers) {
			s.observers[idx] = nil
		}
	}
}

func (s *MessageStore) hash(m models.ChatMessage) string {
	ts := []byte(strconv.FormatInt(m.Timestamp, 10))
	if s.cipher != nil {
		return s.cipher.Hash([]byte(m.ID), m.Content, ts)
	}
	return crypto.ContentHash([]byte(m.ID), m.Content, ts)
}

// Initialize rebuilds the caches. Unreadable records are skipped and
// logged. A conversation whose metadata was lost, or lags behind its
// messages, is repaired so order indexes are never handed out twice.
func (s *MessageStore) Initialize(ctx context.Context) error {
	convs := make(map[string]*conversation)
	get := func(id string) *conversation {
		c, ok := convs[id]
		if !ok {
			c = &conversation{
				meta:     models.ConversationMetadata{ID: id},
				messages: make(map[string]models.StoredMessage),
				hashes:   make(map[string]string),
			}
			convs[id] = c
		}
		return c
	}

	metaKeys, err := s.kv.List(ctx, storage.PrefixConversation)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	for _, k := range metaKeys {
		var meta models.ConversationMetadata
		if _, err := storage.LoadJSON(ctx, s.kv, k, &meta); err != nil {
			s.logger.Warn("skipping conversation record", zap.String("key", k), zap.Error(err))
			continue
		}
		if meta.ID == "" {
			continue
		}
		get(meta.ID).meta = meta
	}

	msgKeys, err := s.kv.List(ctx, storage.PrefixMessage)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	for _, k := range msgKeys {
		var m models.StoredMessage
		if _, err := storage.LoadJSON(ctx, s.kv, k, &m); err != nil {
			s.logger.Warn("skipping message record", zap.String("key", k), zap.Error(err))
			continue
		}
		if m.ID == "" || m.ConversationID == "" {
			s.logger.Warn("skipping message record without ids", zap.String("key", k))
			continue
		}
		get(m.ConversationID).messages[m.ID] = m
	}

	hashKeys, err := s.kv.List(ctx, storage.PrefixHashes)
	if err != nil {
		return fmt.Errorf("list hashes: %w", err)
	}
	for _, k := range hashKeys {
		var hashes map[string]string
		if _, err := storage.LoadJSON(ctx, s.kv, k, &hashes); err != nil {
			s.logger.Warn("skipping dedup hashes", zap.String("key", k), zap.Error(err))
			continue
		}
		id := k[len(storage.PrefixHashes):]
		if c, ok := convs[id]; ok && hashes != nil {
			c.hashes = hashes
		}
	}

	for id, c := range convs {
		if len(c.messages) == 0 && c.meta.Created == 0 {
			delete(convs, id)
			continue
		}
		repairMeta(c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = convs
	s.initialized = true
	s.logger.Info("message store initialized", zap.Int("conversations", len(convs)))
	return nil
}

// repairMeta reconciles counters with the loaded messages.
func repairMeta(c *conversation) {
	var maxIdx uint64
	for _, m := range c.messages {
		if m.OrderIndex > maxIdx {
			maxIdx = m.OrderIndex
		}
	}
	if maxIdx > c.meta.LastOrderIndex {
		c.meta.LastOrderIndex = maxIdx
	}
	c.meta.MessageCount = len(c.messages)
	if c.meta.UnreadCount > c.meta.MessageCount {
		c.meta.UnreadCount = c.meta.MessageCount
	}
	recomputeLast(c)
	if len(c.meta.Participants) == 0 {
		for _, m := range c.messages {
			c.meta.Participants = participants(m.SenderID, m.RecipientID)
			break
		}
	}
}

// recomputeLast points LastMessage at the highest remaining order index.
func recomputeLast(c *conversation) {
	c.meta.LastMessage = nil
	for _, m := range c.messages {
		if c.meta.LastMessage == nil || m.OrderIndex > c.meta.LastMessage.OrderIndex {
			c.meta.LastMessage = &models.MessageRef{
				ID:         m.ID,
				SenderID:   m.SenderID,
				OrderIndex: m.OrderIndex,
				Timestamp:  m.Timestamp,
			}
		}
		if m.Timestamp > c.meta.LastActivity {
			c.meta.LastActivity = m.Timestamp
		}
	}
}

func participants(a, b string) []string {
	p := []string{a, b}
	sort.Strings(p)
	return p
}

// Destroy drops caches, observers and the resender.
func (s *MessageStore) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.conversations = make(map[string]*conversation)
	s.observers = nil
	s.resender = nil
}

// StoreMessage persists msg under its conversation. A message whose
// (id, content, timestamp) was already stored there is a silent no-op and
// stored is false. The returned message carries plaintext content. When the
// record was written but its metadata was not, stored is true alongside the
// error.
func (s *MessageStore) StoreMessage(ctx context.Context, msg models.ChatMessage, status models.DeliveryStatus) (sm models.StoredMessage, stored bool, err error) {
	if msg.ID == "" || msg.SenderID == "" || msg.RecipientID == "" {
		return models.StoredMessage{}, false, ErrInvalidMessage.WithDetails("id, sender and recipient are required")
	}
	if status == "" {
		status = models.StatusPending
	}
	if msg.Type == "" {
		msg.Type = models.MsgTypeText
	}
	convID := utils.ConversationID(msg.SenderID, msg.RecipientID)
	h := s.hash(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return models.StoredMessage{}, false, ErrNotInitialized
	}
	c := s.conversations[convID]
	if c != nil {
		if s.cfg.Dedup {
			if _, dup := c.hashes[h]; dup {
				s.logger.Debug("duplicate message ignored", zap.String("conversation", convID), zap.String("id", msg.ID))
				return models.StoredMessage{}, false, nil
			}
		}
		// message keys are unique per conversation
		if _, taken := c.messages[msg.ID]; taken {
			s.logger.Debug("message id already stored", zap.String("conversation", convID), zap.String("id", msg.ID))
			return models.StoredMessage{}, false, nil
		}
	}

	meta := models.ConversationMetadata{
		ID:           convID,
		Participants: participants(msg.SenderID, msg.RecipientID),
		Created:      utils.NowMicro(),
	}
	if c != nil {
		meta = c.meta
	}

	sm = models.StoredMessage{
		ID:             msg.ID,
		ConversationID: convID,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		Type:           msg.Type,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		OrderIndex:     meta.LastOrderIndex + 1,
		DeliveryStatus: status,
	}
	persisted := sm
	if s.cfg.Encrypt {
		ct, err := s.cipher.Encrypt(convID, msg.Content)
		if err != nil {
			return models.StoredMessage{}, false, fmt.Errorf("encrypt message %s: %w", msg.ID, err)
		}
		persisted.Content = ct
		persisted.Encrypted = true
		sm.Encrypted = true
	}

	// Reserve the index first. A failure past this point leaves a gap in
	// the sequence, never a reused index.
	reserved := meta
	reserved.LastOrderIndex = sm.OrderIndex
	if err := storage.SaveJSON(ctx, s.kv, storage.ConversationKey(convID), reserved); err != nil {
		return models.StoredMessage{}, false, fmt.Errorf("reserve order index: %w", err)
	}
	if c == nil {
		c = &conversation{
			meta:     reserved,
			messages: make(map[string]models.StoredMessage),
			hashes:   make(map[string]string),
		}
		s.conversations[convID] = c
	}
	c.meta.LastOrderIndex = sm.OrderIndex

	if err := storage.SaveJSON(ctx, s.kv, storage.MessageKey(convID, sm.ID), persisted); err != nil {
		return models.StoredMessage{}, false, fmt.Errorf("persist message: %w", err)
	}

	meta.LastOrderIndex = sm.OrderIndex
	meta.MessageCount++
	if msg.SenderID != s.localID {
		meta.UnreadCount++
	}
	meta.LastMessage = &models.MessageRef{ID: sm.ID, SenderID: sm.SenderID, OrderIndex: sm.OrderIndex, Timestamp: sm.Timestamp}
	if sm.Timestamp > meta.LastActivity {
		meta.LastActivity = sm.Timestamp
	}
	hashes := cloneMap(c.hashes)
	if s.cfg.Dedup {
		hashes[h] = sm.ID
	}

	// The record is durable, so the cache follows it even when the
	// bookkeeping below fails; Initialize repairs counters from records.
	c.meta = meta
	c.messages[sm.ID] = persisted
	c.hashes = hashes

	if err := storage.SaveJSON(ctx, s.kv, storage.ConversationKey(convID), meta); err != nil {
		return sm, true, fmt.Errorf("persist conversation: %w", err)
	}
	if s.cfg.Dedup {
		if err := storage.SaveJSON(ctx, s.kv, storage.HashesKey(convID), hashes); err != nil {
			return sm, true, fmt.Errorf("persist dedup hashes: %w", err)
		}
	}
	return sm, true, nil
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// plain returns m with its content decrypted. Needs no lock.
func (s *MessageStore) plain(m models.StoredMessage) (models.StoredMessage, error) {
	if !m.Encrypted {
		return m, nil
	}
	if s.cipher == nil {
		return m, ErrNoCipher
	}
	pt, err := s.cipher.Decrypt(m.ConversationID, m.Content)
	if err != nil {
		return m, err
	}
	m.Content = pt
	return m, nil
}

// GetMessages filters, decrypts and sorts. Within one conversation the
// order is orderIndex; across conversations it is timestamp, then
// conversation, then orderIndex. Offset and limit apply last. Returned
// content is always plaintext.
func (s *MessageStore) GetMessages(_ context.Context, q models.MessageQuery) ([]models.StoredMessage, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	var picked []models.StoredMessage
	for convID, c := range s.conversations {
		if q.ConversationID != "" && convID != q.ConversationID {
			continue
		}
		for _, m := range c.messages {
			if matches(m, q) {
				picked = append(picked, m)
			}
		}
	}
	s.mu.Unlock()

	out := make([]models.StoredMessage, 0, len(picked))
	for _, m := range picked {
		p, err := s.plain(m)
		if err != nil {
			s.logger.Warn("skipping undecryptable message",
				zap.String("conversation", m.ConversationID), zap.String("id", m.ID), zap.Error(err))
			continue
		}
		out = append(out, p)
	}

	if q.ConversationID != "" {
		sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	} else {
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if a.Timestamp != b.Timestamp {
				return a.Timestamp < b.Timestamp
			}
			if a.ConversationID != b.ConversationID {
				return a.ConversationID < b.ConversationID
			}
			return a.OrderIndex < b.OrderIndex
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []models.StoredMessage{}, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(m models.StoredMessage, q models.MessageQuery) bool {
	if q.PeerID != "" && m.SenderID != q.PeerID && m.RecipientID != q.PeerID {
		return false
	}
	if q.Type != "" && m.Type != q.Type {
		return false
	}
	if q.Since != 0 && m.Timestamp < q.Since {
		return false
	}
	if q.Until != 0 && m.Timestamp > q.Until {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, m.DeliveryStatus) {
		return false
	}
	return true
}

// UpdateMessageStatus sets the delivery status of one message.
func (s *MessageStore) UpdateMessageStatus(ctx context.Context, conversationID, messageID string, status models.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ctx, conversationID, messageID, func(m *models.StoredMessage) {
		m.DeliveryStatus = status
	})
}

// caller holds s.mu
func (s *MessageStore) updateLocked(ctx context.Context, conversationID, messageID string, mutate func(*models.StoredMessage)) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound.WithDetails(conversationID)
	}
	m, ok := c.messages[messageID]
	if !ok {
		return ErrMessageNotFound.WithDetails(messageID)
	}
	mutate(&m)
	if err := storage.SaveJSON(ctx, s.kv, storage.MessageKey(conversationID, messageID), m); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	c.messages[messageID] = m
	return nil
}

// DeleteMessages removes ids from a conversation and returns how many
// existed. The highest order index handed out is kept.
func (s *MessageStore) DeleteMessages(ctx context.Context, conversationID string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	c, ok := s.conversations[conversationID]
	if !ok {
		return 0, ErrConversationNotFound.WithDetails(conversationID)
	}

	gone := make(map[string]bool)
	for _, id := range ids {
		if _, ok := c.messages[id]; !ok {
			continue
		}
		if err := s.kv.Delete(ctx, storage.MessageKey(conversationID, id)); err != nil {
			return len(gone), fmt.Errorf("delete message %s: %w", id, err)
		}
		gone[id] = true
		delete(c.messages, id)
	}
	if len(gone) == 0 {
		return 0, nil
	}

	hashes := make(map[string]string, len(c.hashes))
	for h, id := range c.hashes {
		if !gone[id] {
			hashes[h] = id
		}
	}
	meta := c.meta
	tmp := &conversation{meta: meta, messages: c.messages}
	tmp.meta.MessageCount = len(c.messages)
	if tmp.meta.UnreadCount > tmp.meta.MessageCount {
		tmp.meta.UnreadCount = tmp.meta.MessageCount
	}
	recomputeLast(tmp)

	if err := storage.SaveJSON(ctx, s.kv, storage.ConversationKey(conversationID), tmp.meta); err != nil {
		return len(gone), fmt.Errorf("persist conversation: %w", err)
	}
	if err := storage.SaveJSON(ctx, s.kv, storage.HashesKey(conversationID), hashes); err != nil {
		return len(gone), fmt.Errorf("persist dedup hashes: %w", err)
	}
	c.meta = tmp.meta
	c.hashes = hashes
	return len(gone), nil
}

// ClearConversation removes every trace of a conversation. Ordering starts
// again from 1 afterwards.
func (s *MessageStore) ClearConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	keys, err := s.kv.List(ctx, storage.MessagePrefix(conversationID))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	if err := s.kv.Delete(ctx, storage.HashesKey(conversationID)); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, storage.ConversationKey(conversationID)); err != nil {
		return err
	}
	delete(s.conversations, conversationID)
	return nil
}

func (s *MessageStore) GetConversation(conversationID string) (models.ConversationMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return models.ConversationMetadata{}, false
	}
	return c.meta, true
}

// ListConversations returns metadata, most recently active first.
func (s *MessageStore) ListConversations() []models.ConversationMetadata {
	s.mu.Lock()
	out := make([]models.ConversationMetadata, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.meta)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MessageStore) MarkConversationRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound.WithDetails(conversationID)
	}
	if c.meta.UnreadCount == 0 {
		return nil
	}
	meta := c.meta
	meta.UnreadCount = 0
	if err := storage.SaveJSON(ctx, s.kv, storage.ConversationKey(conversationID), meta); err != nil {
		return err
	}
	c.meta = meta
	return nil
}

func (s *MessageStore) Stats() models.MessageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.MessageStats{
		Conversations:    len(s.conversations),
		RecoveriesActive: len(s.recovering),
	}
	for _, c := range s.conversations {
		for _, m := range c.messages {
			st.TotalMessages++
			switch m.DeliveryStatus {
			case models.StatusPending:
				st.PendingMessages++
			case models.StatusSent:
				st.SentMessages++
			case models.StatusDelivered:
				st.DeliveredMessages++
			case models.StatusFailed:
				st.FailedMessages++
			}
		}
	}
	return st
}
