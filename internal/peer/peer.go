// Package peer implements the peer protocol (§4.B): cluster node identity,
// a table of known peers, and the inbound/outbound message handling rules
// (filter-on-sync, broadcast, request/respond sync).
package peer

import (
	"sync"

	"github.com/google/uuid"
)

// Identity is a cluster node's identity as seen by the messaging layer
// (§3 Peer). The store never owns these; the peer table does, and the
// writer pipeline resolves them by (id, name) at write time.
type Identity struct {
	Name string
	ID   uint32  // 0 means "not yet learned"
	UUID *string // nil means "not yet learned"
}

// HasUUID reports whether the peer's uuid has been learned yet.
func (p Identity) HasUUID() bool { return p.UUID != nil && *p.UUID != "" }

// NewUUID mints a uuid for a newly-seen peer the way this cluster layer
// would allocate one for a node that has none yet (e.g. a bootstrapping
// remote node). Production peers normally arrive with a cluster-assigned
// uuid; this exists for the in-process test transport and for standalone
// single-node operation.
func NewUUID() string {
	return uuid.NewString()
}

// Table tracks every peer this daemon currently knows about.
type Table struct {
	mu    sync.RWMutex
	byID   map[uint32]*Identity
	byName map[string]*Identity
	self   *Identity
}

// NewTable returns a table seeded with this node's own identity.
func NewTable(self Identity) *Table {
	t := &Table{
		byID:   make(map[uint32]*Identity),
		byName: make(map[string]*Identity),
	}
	s := self
	t.self = &s
	t.byName[self.Name] = t.self
	if self.ID != 0 {
		t.byID[self.ID] = t.self
	}
	return t
}

// Self returns this node's own identity.
func (t *Table) Self() Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *t.self
}

// Upsert records or updates a peer's identity, learning any previously
// unknown id/uuid fields. Returns the resolved, possibly-merged identity.
func (t *Table) Upsert(p Identity) Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.upsertLocked(p)
}

func (t *Table) upsertLocked(p Identity) *Identity {
	existing, ok := t.byName[p.Name]
	if !ok {
		cp := p
		t.byName[p.Name] = &cp
		if p.ID != 0 {
			t.byID[p.ID] = &cp
		}
		return &cp
	}
	if p.ID != 0 && existing.ID == 0 {
		existing.ID = p.ID
		t.byID[p.ID] = existing
	}
	if p.HasUUID() && !existing.HasUUID() {
		existing.UUID = p.UUID
	}
	return existing
}

// Lookup resolves a peer by numeric id (if non-zero) falling back to name,
// matching §4.D.2 ("Resolve the peer by (numeric id, name)").
func (t *Table) Lookup(id uint32, name string) (Identity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id != 0 {
		if p, ok := t.byID[id]; ok {
			return *p, true
		}
	}
	if name != "" {
		if p, ok := t.byName[name]; ok {
			return *p, true
		}
	}
	return Identity{}, false
}

// LearnID records a numeric id for a peer previously known only by name
// (§4.D.2 "Learn the peer's numeric id into the value if previously unknown").
func (t *Table) LearnID(name string, id uint32) {
	if id == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.byName[name]; ok && p.ID == 0 {
		p.ID = id
		t.byID[id] = p
	}
}

// Remove drops a peer from the table (explicit peer-remove, or a
// peer-change notification reporting a node has left for good).
func (t *Table) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.byName[name]; ok {
		delete(t.byID, p.ID)
		delete(t.byName, name)
	}
}

// ForEach calls fn for every peer known, including self.
func (t *Table) ForEach(fn func(Identity)) {
	t.mu.RLock()
	peers := make([]Identity, 0, len(t.byName))
	for _, p := range t.byName {
		peers = append(peers, *p)
	}
	t.mu.RUnlock()
	for _, p := range peers {
		fn(p)
	}
}

// ActiveCount returns the number of peers currently known, including self —
// used by the election module to size its quorum.
func (t *Table) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}
