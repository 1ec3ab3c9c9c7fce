// Package dispatch implements the request dispatcher (§4.F): command
// routing for client/peer requests arriving over the IPC channel, protocol
// version gating, update normalization, and the sync-point waitlist.
package dispatch

import (
	"sync"
	"time"

	"attrd/internal/errs"
	"attrd/internal/peer"
	"attrd/internal/store"
	"attrd/internal/writer"

	"github.com/sirupsen/logrus"
)

// CommandKind identifies which of §4.F's commands a Request carries.
type CommandKind int

const (
	CmdUpdate CommandKind = iota
	CmdUpdateDelay
	CmdUpdateBoth
	CmdQuery
	CmdPeerRemove
	CmdClearFailure
	CmdRefresh
	CmdSync
)

// SyncPoint names when a deferred response is released (§4.F).
type SyncPoint int

const (
	SyncPointNone SyncPoint = iota
	SyncPointLocal
	SyncPointAll
)

// UpdateItem is one (attribute, value, node) tuple an update request
// normalizes to. The dampening delay travels on the Request itself.
type UpdateItem struct {
	AttrID string
	Value  *string
	Node   store.NodeID
}

// Request is a single dispatched command.
type Request struct {
	ID              string
	ProtocolVersion int
	Command         CommandKind

	Updates []UpdateItem

	AttrID      string
	DampeningMS uint64
	SetID       string
	SetType     store.SetType
	Private     bool
	ForceWrite  bool
	Expand      bool
	User        string

	Resource  string
	Operation string

	SyncPoint SyncPoint
	Timeout   time.Duration
}

// Response is the result of dispatching a Request.
type Response struct {
	RequestID string
	Err       error
	Payload   interface{}
}

// QueryResult is CmdQuery's payload.
type QueryResult struct {
	Value *string
	Found bool
}

// VersionSource reports the cluster-wide minimum protocol version.
type VersionSource interface {
	MinVersion() int
}

// Syncer is the subset of the peer protocol dispatch uses for the sync
// command.
type Syncer interface {
	RequestSync() error
}

// WriterPipeline is the subset of the writer pipeline dispatch drives.
type WriterPipeline interface {
	OnLocalUpdate(attrID string, node store.NodeID, value *string, opts store.UpsertOptions, standAlone bool) error
	WriteAll(opts writer.WriteAllOptions)
}

type pendingWait struct {
	requestID string
	attrIDs   map[string]bool
	respond   func(Response)
	timer     *time.Timer
	fired     bool
}

// Dispatcher routes requests to the store, writer pipeline, and peer
// protocol, enforcing protocol-version gating and tracking sync-point
// waiters.
type Dispatcher struct {
	store    *store.Store
	writer   WriterPipeline
	versions VersionSource
	syncer   Syncer
	table    *peer.Table
	log      *logrus.Entry

	mu      sync.Mutex
	waiting map[string]*pendingWait // keyed by request id
}

// New constructs a Dispatcher.
func New(s *store.Store, w WriterPipeline, versions VersionSource, syncer Syncer, table *peer.Table, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		store: s, writer: w, versions: versions, syncer: syncer, table: table, log: log,
		waiting: make(map[string]*pendingWait),
	}
}

// minVersionFor returns the minimum protocol version a command requires,
// per §6.1's semantic milestones.
func minVersionFor(cmd CommandKind) int {
	switch cmd {
	case CmdClearFailure:
		return 2
	case CmdUpdateBoth:
		return 4
	default:
		return 1
	}
}

// Dispatch routes req and returns either its immediate response, or — for
// a request carrying a sync point — nil, having registered the request on
// the waitlist; the eventual response is delivered to the callback
// registered with OnResponse once NotifyWriteComplete or the request's
// deadline releases it.
func (d *Dispatcher) Dispatch(req Request) *Response {
	required := minVersionFor(req.Command)
	if d.versions != nil && req.ProtocolVersion > 0 {
		clusterMin := d.versions.MinVersion()
		if required > clusterMin {
			return &Response{RequestID: req.ID, Err: errs.New(errs.KindProtocolMismatch,
				"command requires a protocol version newer than the cluster minimum", nil)}
		}
	}

	switch req.Command {
	case CmdUpdate, CmdUpdateDelay, CmdUpdateBoth:
		return d.dispatchUpdate(req)
	case CmdQuery:
		return d.dispatchQuery(req)
	case CmdPeerRemove:
		return d.dispatchPeerRemove(req)
	case CmdClearFailure:
		return d.dispatchClearFailure(req)
	case CmdRefresh:
		d.writer.WriteAll(writer.WriteAllOptions{All: true})
		return &Response{RequestID: req.ID}
	case CmdSync:
		var err error
		if d.syncer != nil {
			err = d.syncer.RequestSync()
		}
		return &Response{RequestID: req.ID, Err: err}
	default:
		return &Response{RequestID: req.ID, Err: errs.New(errs.KindInvalidInput, "unknown command", nil)}
	}
}

func (d *Dispatcher) dispatchUpdate(req Request) *Response {
	if len(req.Updates) == 0 {
		return &Response{RequestID: req.ID, Err: errs.New(errs.KindInvalidInput, "update request carries no items", nil)}
	}

	opts := store.UpsertOptions{
		SetID: req.SetID, SetType: req.SetType, DampeningMS: int(req.DampeningMS),
		Private: req.Private, ForceWrite: req.ForceWrite, User: req.User, Expand: req.Expand,
	}

	attrIDs := make(map[string]bool, len(req.Updates))
	for _, item := range req.Updates {
		// update-delay and update-both (§4.F) carry a dampening change that
		// Upsert alone won't apply to an attribute that already exists —
		// Upsert's DampeningMS only seeds a newly created attribute.
		if req.Command == CmdUpdateDelay || req.Command == CmdUpdateBoth {
			d.store.SetDampening(item.AttrID, int(req.DampeningMS))
		}
		if req.Command == CmdUpdateDelay {
			// Dampening-only: no value accompanies this command, so skip
			// OnLocalUpdate entirely — passing item.Value (nil) through
			// would be read as "delete this node's value".
			attrIDs[item.AttrID] = true
			continue
		}
		if err := d.writer.OnLocalUpdate(item.AttrID, item.Node, item.Value, opts, false); err != nil {
			return &Response{RequestID: req.ID, Err: err}
		}
		attrIDs[item.AttrID] = true
	}

	if req.SyncPoint == SyncPointNone || req.SyncPoint == SyncPointLocal {
		// "local" is satisfied the instant OnLocalUpdate returns: the core
		// is single-threaded, so by this point the store already reflects
		// the update.
		return &Response{RequestID: req.ID}
	}

	d.registerWait(req, attrIDs)
	return nil
}

// registerWait arms the sync-point waitlist entry for req, to be released
// by NotifyWriteComplete or by its own deadline.
func (d *Dispatcher) registerWait(req Request, attrIDs map[string]bool) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = writer.DefaultWriteTimeout
	}

	w := &pendingWait{requestID: req.ID, attrIDs: attrIDs}
	d.mu.Lock()
	d.waiting[req.ID] = w
	d.mu.Unlock()

	w.timer = time.AfterFunc(timeout, func() {
		d.resolve(req.ID, &Response{RequestID: req.ID, Err: errs.New(errs.KindTimeout,
			"sync point not reached before deadline", nil)})
	})
}

// NotifyWriteComplete is wired to the writer pipeline's completion hook: a
// successful write for attrID may satisfy the "all" sync point of any
// waiter that touched it, once every attribute it touched has itself been
// written. A failed write releases nobody; the waiter stays until a retry
// succeeds or its deadline passes. This daemon's wire protocol carries no
// peer-applied acknowledgement (§6.3), so "observed applied by every
// peer" is approximated by "this node's own CIB write for it committed" —
// the strongest durability signal the design actually has available.
func (d *Dispatcher) NotifyWriteComplete(attrID string, success bool) {
	if !success {
		return
	}
	d.mu.Lock()
	var ready []*pendingWait
	for id, w := range d.waiting {
		if !w.attrIDs[attrID] {
			continue
		}
		delete(w.attrIDs, attrID)
		if len(w.attrIDs) == 0 {
			ready = append(ready, w)
			delete(d.waiting, id)
		}
	}
	d.mu.Unlock()

	for _, w := range ready {
		w.timer.Stop()
		d.deliver(w, &Response{RequestID: w.requestID})
	}
}

func (d *Dispatcher) resolve(requestID string, resp *Response) {
	d.mu.Lock()
	w, ok := d.waiting[requestID]
	if ok {
		delete(d.waiting, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.deliver(w, resp)
}

func (d *Dispatcher) deliver(w *pendingWait, resp *Response) {
	d.mu.Lock()
	if w.fired {
		d.mu.Unlock()
		return
	}
	w.fired = true
	d.mu.Unlock()
	if w.respond != nil {
		w.respond(*resp)
	}
}

// OnResponse registers the callback that delivers req's eventual deferred
// response. Must be called immediately after Dispatch returns nil for req.
func (d *Dispatcher) OnResponse(requestID string, fn func(Response)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.waiting[requestID]; ok {
		w.respond = fn
	}
}

func (d *Dispatcher) dispatchQuery(req Request) *Response {
	a := d.store.Lookup(req.AttrID)
	if a == nil {
		return &Response{RequestID: req.ID, Payload: QueryResult{Found: false}}
	}
	var nodeName string
	if len(req.Updates) > 0 {
		nodeName = req.Updates[0].Node.Name
	} else if d.table != nil {
		nodeName = d.table.Self().Name
	}
	v := a.Value(nodeName)
	if v == nil {
		return &Response{RequestID: req.ID, Payload: QueryResult{Found: false}}
	}
	return &Response{RequestID: req.ID, Payload: QueryResult{Value: v.Current, Found: true}}
}

func (d *Dispatcher) dispatchPeerRemove(req Request) *Response {
	if req.Updates == nil || len(req.Updates) == 0 {
		return &Response{RequestID: req.ID, Err: errs.New(errs.KindInvalidInput, "peer-remove requires a node", nil)}
	}
	name := req.Updates[0].Node.Name
	d.store.ErasePeer(name)
	if d.table != nil {
		d.table.Remove(name)
	}
	return &Response{RequestID: req.ID}
}

func (d *Dispatcher) dispatchClearFailure(req Request) *Response {
	re, err := store.ClearFailureMatcher(req.Resource, req.Operation)
	if err != nil {
		return &Response{RequestID: req.ID, Err: err}
	}
	cleared := d.store.ClearFailure(re)
	return &Response{RequestID: req.ID, Payload: cleared}
}
