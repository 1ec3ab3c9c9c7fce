// Package writer implements the writer pipeline (§4.D): the per-attribute
// write decision, CIB transaction assembly, commit/registration, the
// completion callback, retry/backoff, and bulk write-all.
package writer

import (
	"sync"
	"time"

	"attrd/internal/cib"
	"attrd/internal/errs"
	"attrd/internal/peer"
	"attrd/internal/store"

	"github.com/sirupsen/logrus"
)

// ShutdownAttributeID is the well-known attribute write_all's SkipShutdown
// option excludes (§4.D.6).
const ShutdownAttributeID = "shutdown"

// DefaultWriteTimeout is the default CIB write timeout (§6.4).
const DefaultWriteTimeout = 120 * time.Second

// RetryDelay is the temporary dampening applied after a write failure for
// attributes that have no dampening configured of their own (§6.4).
const RetryDelay = 2000 * time.Millisecond

// Scheduler defers work onto the daemon's single cooperative task (§5).
type Scheduler interface {
	Submit(func())
}

// Elector is the subset of the election module the pipeline needs.
type Elector interface {
	IsWriter() bool
	InProgress() bool
	StartRound() error
}

// Broadcaster is the subset of the peer protocol the pipeline needs to
// fan a local update out to peers before (or regardless of) persisting it.
type Broadcaster interface {
	Broadcast(a *store.Attribute, node store.NodeID, value *string, standAlone bool) error
}

// Auditor records the outcome of a CIB write attempt (SPEC_FULL §4
// supplement, grounded on the teacher's audit package).
type Auditor interface {
	RecordWrite(attrID string, correlationID int64, user string, outcome string)
}

// AlertSink is the boundary to alert delivery (§1 Non-goal: modeled only
// by this interface, never implemented here).
type AlertSink interface {
	Fire(attrID, nodeName, value string)
}

// Options configures a Pipeline.
type Options struct {
	StandAlone   bool // --stand-alone: no CIB writes at all (§6.2)
	WriteTimeout time.Duration
}

// Pipeline owns the per-attribute write state machine described informally
// across §4.D and formalized as a states note in §9 (idle, delaying,
// submitting, in_flight, retry_delaying) — expressed here not as an
// explicit enum but as the combination of (PendingWriteID != 0) for
// in_flight and a live timer entry for delaying/retry_delaying, which is
// exactly the state the spec's own pseudocode inspects.
type Pipeline struct {
	store     *store.Store
	peers     *peer.Table
	elector   Elector
	bus       Broadcaster
	cibClient *cib.Client
	scheduler Scheduler
	log       *logrus.Entry
	audit     Auditor
	alerts    AlertSink
	opts      Options

	mu              sync.Mutex
	timers          map[string]*time.Timer
	lastCompletedID uint64

	onComplete func(attrID string, success bool)
}

// OnComplete registers fn to be called after every write attempt resolves,
// successful or not. Used by the request dispatcher to release clients
// waiting on the "all" sync point (§4.F).
func (p *Pipeline) OnComplete(fn func(attrID string, success bool)) {
	p.onComplete = fn
}

// New constructs a Pipeline. audit and alerts may be nil.
func New(s *store.Store, peers *peer.Table, elector Elector, bus Broadcaster, cibClient *cib.Client, scheduler Scheduler, log *logrus.Entry, audit Auditor, alerts AlertSink, opts Options) *Pipeline {
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Pipeline{
		store: s, peers: peers, elector: elector, bus: bus, cibClient: cibClient,
		scheduler: scheduler, log: log, audit: audit, alerts: alerts, opts: opts,
		timers: make(map[string]*time.Timer),
	}
}

// OnLocalUpdate is the entry point for a client (or peer-relayed) update to
// an attribute's value for node: broadcast it, then trigger the write
// pipeline for it. node.Remote and standAlone flow straight from the
// request.
func (p *Pipeline) OnLocalUpdate(attrID string, node store.NodeID, value *string, upsertOpts store.UpsertOptions, standAlone bool) error {
	a, _, err := p.store.Upsert(attrID, node, value, upsertOpts)
	if err != nil {
		return err
	}
	if p.bus != nil {
		if err := p.bus.Broadcast(a, node, value, standAlone); err != nil {
			return err
		}
	}
	p.trigger(a.ID)
	return nil
}

// trigger arms the attribute's dampening timer if it is not already
// running, or, if no dampening is configured, invokes the write decision
// directly.
func (p *Pipeline) trigger(attrID string) {
	a := p.store.Lookup(attrID)
	if a == nil {
		return
	}
	if a.DampeningMS > 0 {
		p.mu.Lock()
		_, running := p.timers[attrID]
		p.mu.Unlock()
		if !running {
			p.armTimer(attrID, time.Duration(a.DampeningMS)*time.Millisecond, false)
			return
		}
		return // coalesce: timer already ticking, this update rides it out
	}
	p.Decide(attrID, false)
}

func (p *Pipeline) armTimer(attrID string, d time.Duration, isRetry bool) {
	p.mu.Lock()
	if existing, ok := p.timers[attrID]; ok {
		existing.Stop()
	}
	p.timers[attrID] = time.AfterFunc(d, func() {
		p.mu.Lock()
		delete(p.timers, attrID)
		p.mu.Unlock()
		p.scheduler.Submit(func() {
			if isRetry {
				p.writeOrElect(attrID)
			} else {
				p.Decide(attrID, false)
			}
		})
	})
	p.mu.Unlock()
}

func (p *Pipeline) stopTimer(attrID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[attrID]; ok {
		t.Stop()
		delete(p.timers, attrID)
	}
}

func (p *Pipeline) timerRunning(attrID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[attrID]
	return ok
}

// Decide implements §4.D.1's per-attribute write decision.
func (p *Pipeline) Decide(attrID string, ignoreDelay bool) {
	a := p.store.Lookup(attrID)
	if a == nil {
		return
	}

	if p.opts.StandAlone || a.Private {
		if p.log != nil {
			p.log.WithField("attr", a.ID).Debug("private or stand-alone update, no CIB path")
		}
		return
	}

	if !p.elector.IsWriter() {
		if !p.elector.InProgress() {
			if err := p.elector.StartRound(); err != nil && p.log != nil {
				p.log.WithError(err).Warn("failed to start election round")
			}
		}
		return
	}

	if a.PendingWriteID != 0 {
		if a.PendingWriteID < p.lastCompletedIDSnapshot() {
			a.PendingWriteID = 0 // lost update; continue
		} else {
			return // truly in flight; later
		}
	}

	if p.timerRunning(attrID) {
		if ignoreDelay {
			p.stopTimer(attrID)
		} else {
			return // dampening in effect
		}
	}

	p.submit(a)
}

func (p *Pipeline) lastCompletedIDSnapshot() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCompletedID
}

// submit implements §4.D.2/§4.D.3: assemble and commit the transaction.
func (p *Pipeline) submit(a *store.Attribute) {
	tx, err := p.cibClient.BeginTransaction()
	if err != nil {
		a.Changed = true
		p.scheduleRetry(a)
		return
	}

	a.ForEachValue(func(v *store.Value) {
		resolved, ok := p.peers.Lookup(v.Node.ID, v.Node.Name)
		if !ok {
			if p.log != nil {
				p.log.WithFields(logrus.Fields{"attr": a.ID, "node": v.Node.Name}).Warn("peer unknown, skipping value")
			}
			return
		}
		if resolved.ID != 0 {
			p.peers.LearnID(v.Node.Name, resolved.ID)
			v.Node.ID = resolved.ID
		}
		if !resolved.HasUUID() {
			a.UnknownPeerUUIDs = true
			return
		}

		ref := cib.NVPairRef{
			NodeUUID: *resolved.UUID,
			SetID:    a.EffectiveSetID(resolved.ID),
			SetType:  a.SetType,
			Name:     a.ID,
		}
		var opErr error
		if v.Current == nil {
			opErr = p.cibClient.Op(tx, cib.OpXPathDelete, ref, nil, 0, a.User)
		} else {
			opErr = p.cibClient.Op(tx, cib.OpModify, ref, v.Current, cib.FlagCreateIfAbsent, a.User)
		}
		if opErr != nil && p.log != nil {
			p.log.WithError(opErr).WithField("attr", a.ID).Warn("op failed, value left out of this write")
			return
		}
		v.Requested = v.Current
	})

	a.Changed = false
	a.ForceWrite = false

	corrID, err := p.cibClient.CommitTransaction(tx, a.User)
	if err != nil {
		a.Changed = true
		p.scheduleRetry(a)
		return
	}
	a.PendingWriteID = uint64(corrID)

	timeout := p.opts.WriteTimeout
	p.cibClient.RegisterCallback(corrID, timeout, a.ID, func(result cib.Result, correlationID int64, userData string) {
		p.onCompletion(userData, correlationID, result)
	})
}

// onCompletion implements §4.D.4.
func (p *Pipeline) onCompletion(attrID string, correlationID int64, result cib.Result) {
	a := p.store.Lookup(attrID)
	if a == nil {
		return
	}
	a.PendingWriteID = 0

	switch result {
	case cib.ResultOK:
		p.mu.Lock()
		if uint64(correlationID) > p.lastCompletedID {
			p.lastCompletedID = uint64(correlationID)
		}
		p.mu.Unlock()

		if p.alerts != nil {
			a.ForEachValue(func(v *store.Value) {
				if v.Requested != nil {
					p.alerts.Fire(a.ID, v.Node.Name, *v.Requested)
				}
			})
		}
		if a.DampeningMS == 0 {
			p.stopTimer(a.ID)
		}
		a.ForEachValue(func(v *store.Value) { v.Requested = nil })
		if p.audit != nil {
			p.audit.RecordWrite(a.ID, correlationID, a.User, "success")
		}
		if a.Changed {
			p.Decide(a.ID, false)
		}
		if p.onComplete != nil {
			p.onComplete(a.ID, true)
		}

	case cib.ResultTimeout:
		if p.log != nil {
			p.log.WithField("attr", a.ID).Warn("cib write timed out")
		}
		a.Changed = true
		if p.audit != nil {
			p.audit.RecordWrite(a.ID, correlationID, a.User, "timeout")
		}
		p.scheduleRetry(a)

	case cib.ResultTransient:
		if p.log != nil {
			p.log.WithField("attr", a.ID).Warn("transient cib error, will retry")
		}
		a.Changed = true
		if p.audit != nil {
			p.audit.RecordWrite(a.ID, correlationID, a.User, "transient-error")
		}
		p.scheduleRetry(a)

	default:
		if p.log != nil {
			p.log.WithField("attr", a.ID).Error("cib write failed")
		}
		a.Changed = true
		if p.audit != nil {
			p.audit.RecordWrite(a.ID, correlationID, a.User, "error")
		}
		p.scheduleRetry(a)
	}

	if result != cib.ResultOK && p.onComplete != nil {
		p.onComplete(a.ID, false)
	}
}

func (p *Pipeline) scheduleRetry(a *store.Attribute) {
	if a.DampeningMS > 0 {
		p.armTimer(a.ID, time.Duration(a.DampeningMS)*time.Millisecond, true)
	} else {
		p.armTimer(a.ID, RetryDelay, true)
	}
}

// writeOrElect implements §4.D.5.
func (p *Pipeline) writeOrElect(attrID string) {
	if p.elector.IsWriter() {
		p.Decide(attrID, false)
		return
	}
	if !p.elector.InProgress() {
		if err := p.elector.StartRound(); err != nil && p.log != nil {
			p.log.WithError(err).Warn("failed to start election round from write-or-elect")
		}
	}
}

// WriteAllOptions controls WriteAll's bulk pass (§4.D.6).
type WriteAllOptions struct {
	All          bool
	SkipShutdown bool
	NoDelay      bool
}

// WriteAll iterates every attribute and invokes the §4.D.1 decision on
// each, subject to opts.
func (p *Pipeline) WriteAll(opts WriteAllOptions) {
	p.store.ForEachAttribute(func(a *store.Attribute) {
		if opts.SkipShutdown && a.ID == ShutdownAttributeID {
			return
		}
		needsWrite := opts.All || a.Changed || a.UnknownPeerUUIDs || a.ForceWrite
		if !needsWrite {
			return
		}
		ignoreDelay := opts.NoDelay || a.ForceWrite
		p.Decide(a.ID, ignoreDelay)
	})
}

// UnwrapRetryable is a small convenience re-export so callers that receive
// an error from OnLocalUpdate (e.g. InvalidInput on a bad increment) can
// tell retryable CIB-layer errors apart from request-level validation
// errors without importing errs directly.
func UnwrapRetryable(err error) bool { return errs.IsRetryable(err) }
