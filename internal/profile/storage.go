package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"offgrid/internal/storage"
	"offgrid/internal/utils"
)

// Repository persists replicas under profile:<id>.
type Repository struct {
	kv     storage.KeyValueStore
	actor  string
	logger *zap.Logger

	// serializes load-merge-save per profile
	mu sync.Mutex
}

// NewRepository stores replicas through kv. actor is the local replica id
// stamped on ops made through replicas this repository loads.
func NewRepository(kv storage.KeyValueStore, actor string, logger *zap.Logger) *Repository {
	return &Repository{
		kv:     kv,
		actor:  actor,
		logger: utils.OrNop(logger).Named("profile-repo"),
	}
}

func (r *Repository) Save(ctx context.Context, rep *Replica) error {
	data, err := rep.Serialize()
	if err != nil {
		return fmt.Errorf("serialize profile %s: %w", rep.ID(), err)
	}
	if err := r.kv.Save(ctx, storage.ProfileKey(rep.ID()), data); err != nil {
		return fmt.Errorf("save profile %s: %w", rep.ID(), err)
	}
	return nil
}

// Load returns ErrProfileNotFound when nothing is stored. Unreadable
// stored bytes degrade to an empty replica.
func (r *Repository) Load(ctx context.Context, id, did string) (*Replica, error) {
	data, err := r.kv.Load(ctx, storage.ProfileKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrProfileNotFound.WithDetails(id)
	}
	if err != nil {
		return nil, err
	}
	return Deserialize(data, id, did, r.actor, r.logger), nil
}

// LoadOrCreate returns the stored replica or a fresh empty one.
func (r *Repository) LoadOrCreate(ctx context.Context, id, did string) (*Replica, error) {
	rep, err := r.Load(ctx, id, did)
	if errors.Is(err, ErrProfileNotFound) {
		return NewReplica(id, did, r.actor, r.logger), nil
	}
	return rep, err
}

// Update loads (or creates) the replica, applies mutate and saves it while
// holding the lock MergeRemote takes, so a concurrent merge is never
// overwritten by a stale copy. mutate must not call back into r.
func (r *Repository) Update(ctx context.Context, id, did string, mutate func(*Replica)) (*Replica, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep, err := r.LoadOrCreate(ctx, id, did)
	if err != nil {
		return nil, err
	}
	mutate(rep)
	if err := r.Save(ctx, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// MergeRemote merges a serialized remote replica into the stored one and
// persists the result when it changed. Returns the number of new ops.
func (r *Repository) MergeRemote(ctx context.Context, id, did string, snapshot []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, err := r.LoadOrCreate(ctx, id, did)
	if err != nil {
		return 0, err
	}
	added, err := local.MergeSnapshot(snapshot)
	if err != nil {
		return 0, err
	}
	if added == 0 {
		return 0, nil
	}
	if err := r.Save(ctx, local); err != nil {
		return added, err
	}
	r.logger.Debug("merged remote profile", zap.String("profile", id), zap.Int("ops", added))
	return added, nil
}

// List returns the ids of every stored profile.
func (r *Repository) List(ctx context.Context) ([]string, error) {
	keys, err := r.kv.List(ctx, storage.PrefixProfile)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(storage.PrefixProfile):])
	}
	return ids, nil
}
