// Package models defines the data model shared by the queue, message store,
// bootstrap coordinator and the p2p layer.
package models

// MessageType indicates what a chat message carries.
type MessageType string

const (
	MsgTypeText   MessageType = "text"
	MsgTypeImage  MessageType = "image"
	MsgTypeSystem MessageType = "system"
)

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// ChatMessage is a message as produced by a sender, before it is stored.
type ChatMessage struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender_id"`
	RecipientID string      `json:"recipient_id"`
	Type        MessageType `json:"type"`
	Content     []byte      `json:"content"`
	Timestamp   int64       `json:"timestamp"` // unix micro
}

// StoredMessage is the persisted form. Content holds ciphertext when
// Encrypted is set.
type StoredMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	RecipientID    string         `json:"recipient_id"`
	Type           MessageType    `json:"type"`
	Content        []byte         `json:"content"`
	Timestamp      int64          `json:"timestamp"`
	OrderIndex     uint64         `json:"order_index"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	RetryCount     int            `json:"retry_count"`
	LastRetry      int64          `json:"last_retry,omitempty"`
	Encrypted      bool           `json:"encrypted"`
}

func (m StoredMessage) Message() ChatMessage {
	return ChatMessage{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Type:        m.Type,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
	}
}

// Undelivered reports whether recovery should still look at the message.
func (m StoredMessage) Undelivered() bool {
	return m.DeliveryStatus == StatusPending || m.DeliveryStatus == StatusFailed
}

type MessageRef struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	OrderIndex uint64 `json:"order_index"`
	Timestamp  int64  `json:"timestamp"`
}

type ConversationMetadata struct {
	ID             string      `json:"id"`
	Participants   []string    `json:"participants"`
	LastMessage    *MessageRef `json:"last_message,omitempty"`
	MessageCount   int         `json:"message_count"`
	UnreadCount    int         `json:"unread_count"`
	LastActivity   int64       `json:"last_activity"`
	Created        int64       `json:"created"`
	LastOrderIndex uint64      `json:"last_order_index"` // highest index ever assigned
}

// MessageQuery filters GetMessages. Zero values mean "no filter".
type MessageQuery struct {
	ConversationID string
	PeerID         string // sender or recipient
	Type           MessageType
	Since          int64 // inclusive, unix micro
	Until          int64 // inclusive, unix micro
	Statuses       []DeliveryStatus
	Limit          int
	Offset         int
}

// QueuedMessage is an outbound message waiting for connectivity.
type QueuedMessage struct {
	ID         string      `json:"id"`
	PeerID     string      `json:"peer_id"`
	Message    ChatMessage `json:"message"`
	EnqueuedAt int64       `json:"enqueued_at"`
	Attempts   int         `json:"attempts"`
	LastTry    int64       `json:"last_try,omitempty"`
}

type MessageStats struct {
	TotalMessages     int `json:"total_messages"`
	PendingMessages   int `json:"pending_messages"`
	SentMessages      int `json:"sent_messages"`
	DeliveredMessages int `json:"delivered_messages"`
	FailedMessages    int `json:"failed_messages"`
	Conversations     int `json:"conversations"`
	RecoveriesActive  int `json:"recoveries_active"`
}
