// Package store implements the attribute store (§4.A / §3): an in-memory
// map of attributes and their per-node values, with the increment-expansion
// and regex clear-failure rules layered on top of plain upsert/erase.
package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"attrd/internal/errs"
)

// Infinity sentinels values are clamped to, mirroring the CIB's own
// notion of an unbounded score.
const (
	Infinity      = 1000000
	MinusInfinity = -1000000
)

// SetType selects which CIB container an attribute's values are written
// under (§3).
type SetType int

const (
	SetTypeAttributes SetType = iota
	SetTypeUtilization
)

// NodeID identifies the (node, value) pair a Value belongs to. The store
// does not own Peer objects (§3: "Peers are supplied by the cluster layer");
// it only ever sees the name/id/remote bits needed to key a value and,
// later, resolve a peer at write time.
type NodeID struct {
	ID     uint32
	Name   string
	Remote bool
}

// Value is one (attribute, node) pair (§3 Value).
type Value struct {
	Node      NodeID
	Current   *string // nil means "no value" / delete
	Requested *string // non-nil iff a CIB write for this value is in flight
	Seen      bool    // used during sync reconciliation
}

// Attribute is an entity identified by a stable string id (§3 Attribute).
type Attribute struct {
	ID               string
	SetID            string // "" means derive "status-"+node_id per value's writer node
	SetType          SetType
	DampeningMS      int
	Private          bool
	ForceWrite       bool
	PendingWriteID   uint64 // 0 = none
	Changed          bool
	UnknownPeerUUIDs bool
	FilterRegex      string
	User             string // owning identity for ACL purposes

	values map[string]*Value // keyed by node name
}

// EffectiveSetID returns a.SetID, or the node-scoped default
// "status-"+nodeID when unset (§3 invariant).
func (a *Attribute) EffectiveSetID(nodeID uint32) string {
	if a.SetID != "" {
		return a.SetID
	}
	return fmt.Sprintf("status-%d", nodeID)
}

// ForEachValue calls fn for every value of the attribute. Iteration order
// is unspecified, matching §4.D.2 ("iteration order need not be stable").
func (a *Attribute) ForEachValue(fn func(*Value)) {
	for _, v := range a.values {
		fn(v)
	}
}

// Value returns the value held for node, or nil if none exists.
func (a *Attribute) Value(nodeName string) *Value {
	return a.values[nodeName]
}

// Store is the daemon's single in-memory attribute table. The zero value is
// not usable; construct with New. Safe for concurrent use, though the
// daemon's cooperative single-task model (§5) means callers are normally
// already serialized.
type Store struct {
	mu   sync.RWMutex
	attr map[string]*Attribute
}

// New returns an empty store.
func New() *Store {
	return &Store{attr: make(map[string]*Attribute)}
}

// UpsertOptions carries the per-call knobs for Upsert. Metadata fields are
// only consulted the first time an attribute is created, except ForceWrite,
// which any call can set; later calls reuse the attribute's existing
// configuration unless explicitly overridden via SetDampening.
type UpsertOptions struct {
	SetID       string
	SetType     SetType
	DampeningMS int
	Private     bool
	ForceWrite  bool
	User        string
	// Expand, when true, parses Value as an optional "value++"/"value+=N"
	// expansion against the node's previous value before storing it.
	Expand bool
}

var reIncrementPlain = regexp.MustCompile(`^(.*)\+\+$`)
var reIncrementBy = regexp.MustCompile(`^(.*)\+=(-?\d+)$`)

// expand resolves an increment expression against prev, clamping to the
// infinity sentinels. A non-numeric prior value is an InvalidInput error.
func expand(prev *string, raw string) (string, error) {
	var by int
	var base string
	if m := reIncrementPlain.FindStringSubmatch(raw); m != nil {
		base, by = m[1], 1
	} else if m := reIncrementBy.FindStringSubmatch(raw); m != nil {
		base = m[1]
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return "", errs.New(errs.KindInvalidInput, "parse increment amount", err)
		}
		by = n
	} else {
		return raw, nil // not an expansion expression
	}
	_ = base // the base before "++"/"+=N" is informational only; pacemaker ignores it too

	cur := 0
	if prev != nil && *prev != "" {
		n, err := strconv.Atoi(*prev)
		if err != nil {
			return "", errs.New(errs.KindInvalidInput, fmt.Sprintf("expand non-numeric prior value %q", *prev), err)
		}
		cur = n
	}
	sum := cur + by
	if sum > Infinity {
		sum = Infinity
	}
	if sum < MinusInfinity {
		sum = MinusInfinity
	}
	return strconv.Itoa(sum), nil
}

// Upsert applies a local or peer update to (attrID, node). value == nil
// deletes the value. Returns the resolved attribute and whether the stored
// value actually changed (used by callers to decide whether to mark the
// attribute "changed" a second time, e.g. after peer-filter correction).
func (s *Store) Upsert(attrID string, node NodeID, value *string, opts UpsertOptions) (*Attribute, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attr[attrID]
	if !ok {
		a = &Attribute{
			ID:          attrID,
			SetID:       opts.SetID,
			SetType:     opts.SetType,
			DampeningMS: opts.DampeningMS,
			Private:     opts.Private,
			User:        opts.User,
			values:      make(map[string]*Value),
		}
		s.attr[attrID] = a
	}
	if opts.ForceWrite {
		a.ForceWrite = true
	}

	resolved := value
	if opts.Expand && value != nil {
		prevVal := a.values[node.Name]
		var prev *string
		if prevVal != nil {
			prev = prevVal.Current
		}
		exp, err := expand(prev, *value)
		if err != nil {
			return nil, false, err
		}
		resolved = &exp
	}

	v, ok := a.values[node.Name]
	if !ok {
		v = &Value{Node: node}
		a.values[node.Name] = v
	} else {
		// Learn id/remote bits that may not have been known on first sight.
		if node.ID != 0 {
			v.Node.ID = node.ID
		}
		v.Node.Remote = node.Remote || v.Node.Remote
	}

	changed := !stringsEqualPtr(v.Current, resolved)
	v.Current = resolved
	if changed {
		a.Changed = true
	}
	return a, changed, nil
}

// SetDampening updates attrID's dampening interval, creating the attribute
// (with no values yet) if it doesn't already exist. Unlike UpsertOptions'
// DampeningMS, which Upsert only applies on first creation, this is the
// path for changing an existing attribute's dampening (§4.F update-delay,
// update-both).
func (s *Store) SetDampening(attrID string, ms int) *Attribute {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attr[attrID]
	if !ok {
		a = &Attribute{ID: attrID, values: make(map[string]*Value)}
		s.attr[attrID] = a
	}
	a.DampeningMS = ms
	return a
}

func stringsEqualPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ErasePeer destroys every value held for nodeName, across all attributes
// (§3: "Values are created on first update ... destroyed on peer-remove").
func (s *Store) ErasePeer(nodeName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attr {
		delete(a.values, nodeName)
	}
}

// Lookup returns the attribute by id, or nil.
func (s *Store) Lookup(attrID string) *Attribute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attr[attrID]
}

// ForEachAttribute calls fn for every attribute. Iteration order is
// unspecified.
func (s *Store) ForEachAttribute(fn func(*Attribute)) {
	s.mu.RLock()
	attrs := make([]*Attribute, 0, len(s.attr))
	for _, a := range s.attr {
		attrs = append(attrs, a)
	}
	s.mu.RUnlock()
	for _, a := range attrs {
		fn(a)
	}
}

// Delete destroys an attribute outright (daemon shutdown, explicit
// clear-failure match).
func (s *Store) Delete(attrID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attr, attrID)
}

// ClearFailureMatcher compiles one of three patterns depending on which of
// resource/operation is named (§4.A), for use against attribute ids of the
// shape "fail-count-<resource>[#<operation>_<interval>]" or "last-failure-...".
func ClearFailureMatcher(resource, operation string) (*regexp.Regexp, error) {
	var pattern string
	switch {
	case resource != "" && operation != "":
		pattern = fmt.Sprintf(`^(fail-count|last-failure)-%s#%s_\d+$`, regexp.QuoteMeta(resource), regexp.QuoteMeta(operation))
	case resource != "":
		pattern = fmt.Sprintf(`^(fail-count|last-failure)-%s(#.+)?$`, regexp.QuoteMeta(resource))
	default:
		pattern = `^(fail-count|last-failure)-.+$`
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errs.New(errs.KindInvalidInput, "compile clear-failure pattern", err)
	}
	return re, nil
}

// ClearFailure deletes every attribute whose id matches re, returning the
// ids removed. An attribute id that doesn't match anything is simply a
// no-op, per §4.A failure modes.
func (s *Store) ClearFailure(re *regexp.Regexp) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id := range s.attr {
		if re.MatchString(id) {
			removed = append(removed, id)
			delete(s.attr, id)
		}
	}
	return removed
}

// CompileFilterRegex validates a.FilterRegex, if set, surfacing InvalidInput
// the way an unparseable increment does.
func CompileFilterRegex(source string) (*regexp.Regexp, error) {
	if source == "" {
		return nil, nil
	}
	re, err := regexp.Compile(source)
	if err != nil {
		return nil, errs.New(errs.KindInvalidInput, "compile attribute filter regex", err)
	}
	return re, nil
}

// SetTypeFromString parses the wire-level set type name, failing per §7
// InvalidInput on anything unrecognized.
func SetTypeFromString(s string) (SetType, error) {
	switch strings.ToLower(s) {
	case "", "attributes", "standard":
		return SetTypeAttributes, nil
	case "utilization":
		return SetTypeUtilization, nil
	default:
		return 0, errs.New(errs.KindInvalidInput, fmt.Sprintf("unknown set type %q", s), nil)
	}
}
