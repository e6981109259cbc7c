// Package storage is the prefix-addressable key/value layer every component
// persists through. Keys are colon-delimited so that List(prefix) doubles
// as an index.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"offgrid/internal/config"
)

// KeyValueStore is the storage abstraction. Load returns ErrNotFound for a
// missing key; Delete of a missing key is not an error; List returns keys
// in ascending byte order.
type KeyValueStore interface {
	Save(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Close() error
}

// Singleton keys.
const (
	KeySyncState      = "syncState"
	KeyPendingChanges = "pendingChanges"
	KeyMessageQueue   = "messageQueue"
)

const (
	PrefixProfile      = "profile:"
	PrefixMessage      = "message:"
	PrefixConversation = "conversation:"
	PrefixHashes       = "hashes:"
	PrefixIdentity     = "identity:"
	PrefixBootstrap    = "bootstrap:"
	PrefixPeers        = "peers:"
)

func ProfileKey(id string) string { return PrefixProfile + id }

func MessageKey(conversationID, messageID string) string {
	return PrefixMessage + conversationID + ":" + messageID
}

// MessagePrefix lists every message key of one conversation.
func MessagePrefix(conversationID string) string {
	return PrefixMessage + conversationID + ":"
}

func ConversationKey(conversationID string) string { return PrefixConversation + conversationID }
func HashesKey(conversationID string) string       { return PrefixHashes + conversationID }
func IdentityKey(peerID string) string             { return PrefixIdentity + peerID }
func BootstrapKey(nodeID string) string            { return PrefixBootstrap + nodeID }
func PeersKey(peerID string) string                { return PrefixPeers + peerID }

// Open returns the backend named by cfg. Failing to open is an
// initialization error; nothing should proceed without a store.
func Open(cfg config.StorageConfig, logger *zap.Logger) (KeyValueStore, error) {
	var (
		kv  KeyValueStore
		err error
	)
	switch cfg.Backend {
	case config.BackendSQLite:
		kv, err = NewSQLiteStore(cfg.Path)
	case config.BackendBolt:
		kv, err = NewBoltStore(cfg.Path)
	case config.BackendMemory:
		kv = NewMemoryStore()
	default:
		return nil, ErrCannotOpen.WithDetails("unknown backend " + cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	if logger != nil {
		logger.Info("storage opened", zap.String("backend", cfg.Backend), zap.String("path", cfg.Path))
	}
	return kv, nil
}
