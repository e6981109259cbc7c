// Package profile holds the replicated profile record, its signing and
// scoring rules, and the local identity keybag.
package profile

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"offgrid/internal/models"
	"offgrid/internal/utils"
)

type opKind string

const (
	opSet    opKind = "set"
	opInsert opKind = "ins"
	opDelete opKind = "del"
)

const (
	fieldName       = "name"
	fieldAge        = "age"
	fieldBio        = "bio"
	fieldLocation   = "location"
	fieldPhotos     = "photos"
	fieldInterests  = "interests"
	fieldSignatures = "signatures"
)

var (
	scalarFields   = map[string]bool{fieldName: true, fieldAge: true, fieldBio: true, fieldLocation: true}
	sequenceFields = map[string]bool{fieldPhotos: true, fieldInterests: true, fieldSignatures: true}
)

const snapshotFormat = 1

// OpID is a Lamport timestamp qualified by the replica that issued it.
// It totally orders every operation ever made on a profile.
type OpID struct {
	Counter uint64 `json:"c"`
	Replica string `json:"r"`
}

func (a OpID) IsZero() bool { return a.Counter == 0 && a.Replica == "" }

func (a OpID) Less(b OpID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Replica < b.Replica
}

// op is one entry of the replicated log. Scalars take the value of their
// greatest set op; sequences are an RGA tree of inserts anchored on After,
// minus the inserts some delete op targets.
type op struct {
	ID     OpID            `json:"id"`
	Kind   opKind          `json:"k"`
	Field  string          `json:"f"`
	Value  json.RawMessage `json:"v,omitempty"`
	After  OpID            `json:"a"`
	Target OpID            `json:"t"`
}

func (o op) valid() bool {
	if o.ID.Counter == 0 || o.ID.Replica == "" {
		return false
	}
	switch o.Kind {
	case opSet:
		return scalarFields[o.Field] && len(o.Value) > 0
	case opInsert:
		return sequenceFields[o.Field] && len(o.Value) > 0
	case opDelete:
		return sequenceFields[o.Field] && !o.Target.IsZero()
	}
	return false
}

// Replica is a conflict-free replicated profile. Merge is a union of
// operation logs, which makes it commutative, associative and idempotent.
//
// Version counts local mutations and merges that brought in new operations.
// It is a local freshness counter only: comparing versions of two replicas
// says nothing about which one has seen more concurrent edits.
type Replica struct {
	mu          sync.RWMutex
	id          string
	did         string
	actor       string
	clock       uint64
	ops         map[OpID]op
	version     uint64
	lastUpdated int64
	logger      *zap.Logger
}

// NewReplica creates an empty replica. actor identifies this copy in the
// op log; an empty actor gets a random one.
func NewReplica(id, did, actor string, logger *zap.Logger) *Replica {
	if actor == "" {
		actor = utils.GenerateRandomID()
	}
	return &Replica{
		id:     id,
		did:    did,
		actor:  actor,
		ops:    make(map[OpID]op),
		logger: utils.OrNop(logger).Named("profile"),
	}
}

func (r *Replica) ID() string  { return r.id }
func (r *Replica) DID() string { return r.did }

func (r *Replica) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Replica) LastUpdated() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdated
}

func (r *Replica) OpCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

// caller holds r.mu
func (r *Replica) touch() {
	r.version++
	r.lastUpdated = utils.NowMicro()
}

// caller holds r.mu
func (r *Replica) emit(kind opKind, field string, value any, after, target OpID) {
	var raw json.RawMessage
	if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			// only plain strings, ints and structs of them reach here
			r.logger.Error("marshal op value", zap.String("field", field), zap.Error(err))
			return
		}
		raw = b
	}
	r.clock++
	o := op{
		ID:     OpID{Counter: r.clock, Replica: r.actor},
		Kind:   kind,
		Field:  field,
		Value:  raw,
		After:  after,
		Target: target,
	}
	r.ops[o.ID] = o
	r.touch()
}

func (r *Replica) set(field string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(opSet, field, value, OpID{}, OpID{})
}

func (r *Replica) SetName(name string)              { r.set(fieldName, name) }
func (r *Replica) SetAge(age int)                   { r.set(fieldAge, age) }
func (r *Replica) SetBio(bio string)                { r.set(fieldBio, bio) }
func (r *Replica) SetLocation(loc models.GeoPoint)  { r.set(fieldLocation, loc) }
func (r *Replica) AddPhoto(url string) bool         { return r.appendUnique(fieldPhotos, url) }
func (r *Replica) RemovePhoto(url string) bool      { return r.removeValue(fieldPhotos, url) }
func (r *Replica) AddInterest(interest string) bool { return r.appendUnique(fieldInterests, interest) }
func (r *Replica) RemoveInterest(interest string) bool {
	return r.removeValue(fieldInterests, interest)
}

// appendUnique inserts value at the end of the sequence unless it is
// already visible.
func (r *Replica) appendUnique(field, value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.sequence(field)
	for _, e := range seq {
		if !e.deleted && stringValue(e.value) == value {
			return false
		}
	}
	var after OpID
	if len(seq) > 0 {
		after = seq[len(seq)-1].id
	}
	r.emit(opInsert, field, value, after, OpID{})
	return true
}

func (r *Replica) removeValue(field, value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := false
	for _, e := range r.sequence(field) {
		if !e.deleted && stringValue(e.value) == value {
			r.emit(opDelete, field, nil, OpID{}, e.id)
			removed = true
		}
	}
	return removed
}

func (r *Replica) addSignature(sig Signature) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.sequence(fieldSignatures)
	var after OpID
	if len(seq) > 0 {
		after = seq[len(seq)-1].id
	}
	r.emit(opInsert, fieldSignatures, sig, after, OpID{})
}

type seqElem struct {
	id      OpID
	value   json.RawMessage
	deleted bool
}

// sequence returns the full RGA order of field, tombstones included.
// Siblings sharing an anchor are visited newest first, so a local insert
// lands directly after its anchor on every replica. Caller holds r.mu.
func (r *Replica) sequence(field string) []seqElem {
	children := make(map[OpID][]op)
	deleted := make(map[OpID]bool)
	for _, o := range r.ops {
		if o.Field != field {
			continue
		}
		switch o.Kind {
		case opInsert:
			children[o.After] = append(children[o.After], o)
		case opDelete:
			deleted[o.Target] = true
		}
	}
	for anchor, kids := range children {
		sort.Slice(kids, func(i, j int) bool { return kids[j].ID.Less(kids[i].ID) })
		children[anchor] = kids
	}

	var out []seqElem
	var walk func(anchor OpID)
	walk = func(anchor OpID) {
		for _, c := range children[anchor] {
			out = append(out, seqElem{id: c.ID, value: c.Value, deleted: deleted[c.ID]})
			walk(c.ID)
		}
	}
	walk(OpID{})
	return out
}

// caller holds r.mu
func (r *Replica) scalar(field string) (json.RawMessage, bool) {
	var (
		best  OpID
		value json.RawMessage
		found bool
	)
	for _, o := range r.ops {
		if o.Kind != opSet || o.Field != field {
			continue
		}
		if !found || best.Less(o.ID) {
			best, value, found = o.ID, o.Value, true
		}
	}
	return value, found
}

func stringValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func visibleStrings(seq []seqElem) []string {
	out := []string{}
	for _, e := range seq {
		if e.deleted {
			continue
		}
		var s string
		if err := json.Unmarshal(e.value, &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Snapshot projects the current visible state.
func (r *Replica) Snapshot() Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.project()
}

// caller holds r.mu
func (r *Replica) project() Profile {
	p := Profile{
		ID:          r.id,
		DID:         r.did,
		Version:     r.version,
		LastUpdated: r.lastUpdated,
		Photos:      visibleStrings(r.sequence(fieldPhotos)),
		Interests:   visibleStrings(r.sequence(fieldInterests)),
		Signatures:  []Signature{},
	}
	if v, ok := r.scalar(fieldName); ok {
		_ = json.Unmarshal(v, &p.Name)
	}
	if v, ok := r.scalar(fieldAge); ok {
		_ = json.Unmarshal(v, &p.Age)
	}
	if v, ok := r.scalar(fieldBio); ok {
		_ = json.Unmarshal(v, &p.Bio)
	}
	if v, ok := r.scalar(fieldLocation); ok {
		var loc models.GeoPoint
		if err := json.Unmarshal(v, &loc); err == nil {
			p.Location = &loc
		}
	}
	for _, e := range r.sequence(fieldSignatures) {
		if e.deleted {
			continue
		}
		var s Signature
		if err := json.Unmarshal(e.value, &s); err == nil {
			p.Signatures = append(p.Signatures, s)
		}
	}
	return p
}

// Merge folds other's operations into r and returns how many were new.
// other is only read.
func (r *Replica) Merge(other *Replica) (int, error) {
	if other == nil || other == r {
		return 0, nil
	}
	other.mu.RLock()
	id := other.id
	ops := make([]op, 0, len(other.ops))
	for _, o := range other.ops {
		ops = append(ops, o)
	}
	other.mu.RUnlock()
	return r.mergeOps(id, ops)
}

// MergeSnapshot merges a serialized remote replica.
func (r *Replica) MergeSnapshot(data []byte) (int, error) {
	snap, err := decodeSnapshot(data)
	if err != nil {
		return 0, err
	}
	return r.mergeOps(snap.ID, snap.Ops)
}

func (r *Replica) mergeOps(id string, ops []op) (int, error) {
	if id != r.id {
		return 0, ErrIdentityMismatch.WithDetails(id + " != " + r.id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, o := range ops {
		if _, ok := r.ops[o.ID]; ok {
			continue
		}
		if !o.valid() {
			r.logger.Warn("skipping invalid op", zap.String("profile", r.id), zap.String("field", o.Field))
			continue
		}
		r.ops[o.ID] = o
		if o.ID.Counter > r.clock {
			r.clock = o.ID.Counter
		}
		added++
	}
	if added > 0 {
		r.touch()
	}
	return added, nil
}

type snapshot struct {
	Format      int    `json:"format"`
	ID          string `json:"id"`
	DID         string `json:"did"`
	Actor       string `json:"actor"`
	Clock       uint64 `json:"clock"`
	Version     uint64 `json:"version"`
	LastUpdated int64  `json:"last_updated"`
	Ops         []op   `json:"ops"`
}

// Serialize encodes the full mergeable state as snappy-compressed JSON.
func (r *Replica) Serialize() ([]byte, error) {
	r.mu.RLock()
	snap := snapshot{
		Format:      snapshotFormat,
		ID:          r.id,
		DID:         r.did,
		Actor:       r.actor,
		Clock:       r.clock,
		Version:     r.version,
		LastUpdated: r.lastUpdated,
		Ops:         make([]op, 0, len(r.ops)),
	}
	for _, o := range r.ops {
		snap.Ops = append(snap.Ops, o)
	}
	r.mu.RUnlock()

	sort.Slice(snap.Ops, func(i, j int) bool { return snap.Ops[i].ID.Less(snap.Ops[j].ID) })
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeSnapshot(data []byte) (*snapshot, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, ErrMalformedSnapshot.WithDetails(err.Error())
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, ErrMalformedSnapshot.WithDetails(err.Error())
	}
	if snap.Format != snapshotFormat {
		return nil, ErrMalformedSnapshot.WithDetails("unsupported format")
	}
	return &snap, nil
}

// Deserialize rebuilds a replica from Serialize output. Malformed bytes or a
// snapshot of another profile yield an empty replica; the condition is
// logged, never returned. An empty actor keeps the serialized one.
func Deserialize(data []byte, id, did, actor string, logger *zap.Logger) *Replica {
	r := NewReplica(id, did, actor, logger)
	snap, err := decodeSnapshot(data)
	if err != nil {
		r.logger.Warn("profile snapshot unreadable, starting from defaults",
			zap.String("profile", id), zap.Error(err))
		return r
	}
	if snap.ID != id {
		r.logger.Warn("profile snapshot belongs to another profile, starting from defaults",
			zap.String("profile", id), zap.String("snapshot", snap.ID))
		return r
	}
	if actor == "" && snap.Actor != "" {
		r.actor = snap.Actor
	}
	skipped := 0
	for _, o := range snap.Ops {
		if !o.valid() {
			skipped++
			continue
		}
		r.ops[o.ID] = o
		if o.ID.Counter > r.clock {
			r.clock = o.ID.Counter
		}
	}
	if snap.Clock > r.clock {
		r.clock = snap.Clock
	}
	if skipped > 0 {
		r.logger.Warn("dropped invalid ops from snapshot", zap.String("profile", id), zap.Int("count", skipped))
	}
	r.version = snap.Version
	r.lastUpdated = snap.LastUpdated
	return r
}
