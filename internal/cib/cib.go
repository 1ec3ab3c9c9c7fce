// Package cib models the cluster's configuration/status database and its
// RPC client (§6.3), backed concretely by SQLite — standing in for the
// real CIB's transactional, restart-surviving store the way the teacher's
// SQLite-backed reconciler state stands in for desired network config
// (internal/reconciler/reconciler.go).
//
// Building raw XML/xpath strings is explicitly out of scope (§1 Non-goals:
// "how XML messages are serialized on the wire"), so the op() interface
// from §6.3 is expressed here as a structured NVPairRef rather than a path
// string — the structured form is what a Go client of this interface would
// actually construct and pass, with path-building left to whatever real
// CIB transport eventually replaces this implementation.
package cib

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"attrd/internal/errs"
	"attrd/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// OpKind is the kind of operation performed within a transaction (§4.D.2).
type OpKind int

const (
	// OpModify sets an nv-pair's value (create-if-absent).
	OpModify OpKind = iota
	// OpXPathDelete removes a specific nv-pair (§4.D.2: "a null new value
	// causes an xpath-delete operation instead").
	OpXPathDelete
)

// Flags mirrors the real CIB client's xpath-resolution/create/transaction
// membership bits (§6.3). Op ignores them in this implementation: OpModify
// always creates the nv-pair if it is absent. They are accepted for
// interface fidelity.
type Flags uint32

const (
	FlagCreateIfAbsent Flags = 1 << iota
	FlagScopeStatus
)

// NVPairRef names one transient-attribute nv-pair: which peer's node_state,
// which attribute set, which name (§4.D.2).
type NVPairRef struct {
	NodeUUID string
	SetID    string
	SetType  store.SetType
	Name     string
}

// Result is the outcome delivered to a registered completion callback.
type Result int

const (
	ResultOK Result = iota
	ResultTransient       // diff-apply failure, election-in-progress, sync-in-progress
	ResultError           // fatal/other error
	ResultTimeout
)

// ToError converts a non-OK Result into the tagged §7 error kind.
func (r Result) ToError(context string) error {
	switch r {
	case ResultOK:
		return nil
	case ResultTimeout:
		return errs.New(errs.KindTimeout, context, nil)
	case ResultTransient:
		return errs.New(errs.KindTransientCib, context, nil)
	default:
		return errs.New(errs.KindTransientCib, context, fmt.Errorf("fatal cib error"))
	}
}

// CallbackFunc is invoked once per registered correlation id, with the
// outcome and the user data the caller attached at registration time
// (§6.3 register_callback).
type CallbackFunc func(result Result, correlationID int64, userData string)

// Patchset is the diff notification delivered to OnChange subscribers
// (§4.E).
type Patchset struct {
	AlertsChanged       bool
	NodeOrStatusChanged bool
	// By identifies the actor that made the change. The CIB observer
	// treats any value other than "self" and "controller" as an "unsafe
	// external client" per §4.E.
	By          string
	FullReplace bool
}

// Scheduler defers a function to run on the daemon's single cooperative
// task (§5), the way the daemon's event loop drains timer/socket-readiness
// callbacks one at a time. The cib client never invokes a completion
// callback directly from its own goroutine; it always schedules it.
type Scheduler interface {
	Submit(func())
}

// Tx is a handle to an in-flight transaction (§6.3 begin_transaction).
type Tx struct {
	id int64
	tx *sql.Tx
}

// Client implements the §6.3 CIB client interface against a SQLite
// database.
type Client struct {
	db        *sql.DB
	scheduler Scheduler

	mu              sync.Mutex
	nextCorrelation int64
	onDisconnect    []func()
	onChange        []func(Patchset)
	commitResults   map[int64]Result
	pending         map[int64]*pendingCallback
	disconnected    bool

	// injectedResult, when non-nil, is consumed by the next
	// CommitTransaction call instead of computing the real outcome — used
	// by tests to exercise the §7 retry/backoff paths.
	injectedResult *Result
}

type pendingCallback struct {
	userData string
	fn       CallbackFunc
	timer    *time.Timer
}

// Open creates (or reuses) the SQLite-backed CIB at path and ensures its
// schema. path may be ":memory:" for tests.
func Open(path string, scheduler Scheduler) (*Client, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, errs.New(errs.KindFatalCibDisconnect, "open cib database", err)
	}
	c := &Client{
		db:            db,
		scheduler:     scheduler,
		commitResults: make(map[int64]Result),
		pending:       make(map[int64]*pendingCallback),
	}
	if err := c.ensureSchema(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureSchema() error {
	_, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS cib_transient_attrs (
		node_uuid TEXT NOT NULL,
		set_id    TEXT NOT NULL,
		set_type  INTEGER NOT NULL,
		name      TEXT NOT NULL,
		value     TEXT NOT NULL,
		PRIMARY KEY (node_uuid, set_id, name)
	)`)
	if err != nil {
		return errs.New(errs.KindFatalCibDisconnect, "ensure cib schema", err)
	}
	return nil
}

// Connect establishes the connection. For the SQLite-backed client this is
// a no-op beyond clearing any prior disconnect state; a real RPC-based CIB
// client would dial here.
func (c *Client) Connect() error {
	c.mu.Lock()
	c.disconnected = false
	c.mu.Unlock()
	return nil
}

// Disconnect tears down the connection and notifies subscribers.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.disconnected = true
	subs := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
	return c.db.Close()
}

// DB exposes the underlying connection so collaborators that persist
// alongside the CIB (the audit log) can share its schema and file.
func (c *Client) DB() *sql.DB { return c.db }

// OnDisconnect registers a callback fired when the connection is lost,
// whether via Disconnect or SimulateFatalDisconnect.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// OnChange registers a patchset subscriber (§4.E).
func (c *Client) OnChange(fn func(Patchset)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

func (c *Client) emitChange(p Patchset) {
	c.mu.Lock()
	subs := append([]func(Patchset){}, c.onChange...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(p)
	}
}

// SimulateFatalDisconnect drives the FatalCibDisconnect path for tests and
// for exercising §4.E's disconnect handling without a real transport.
func (c *Client) SimulateFatalDisconnect() {
	c.mu.Lock()
	c.disconnected = true
	subs := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// SimulateExternalEdit drives the CIB observer's "unsafe external client"
// path (§4.E) for tests — no Non-goal is violated since this only injects
// a notification, it does not implement real multi-client CIB semantics.
func (c *Client) SimulateExternalEdit(by string, nodeOrStatus, alerts, fullReplace bool) {
	c.emitChange(Patchset{AlertsChanged: alerts, NodeOrStatusChanged: nodeOrStatus, By: by, FullReplace: fullReplace})
}

// BeginTransaction opens a new CIB transaction (§6.3).
func (c *Client) BeginTransaction() (*Tx, error) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil, errs.New(errs.KindFatalCibDisconnect, "begin transaction", nil)
	}
	c.mu.Unlock()

	sqlTx, err := c.db.Begin()
	if err != nil {
		return nil, errs.New(errs.KindTransientCib, "begin transaction", err)
	}
	return &Tx{tx: sqlTx}, nil
}

// Op queues one operation within tx (§4.D.2 / §6.3).
func (c *Client) Op(tx *Tx, kind OpKind, ref NVPairRef, value *string, flags Flags, user string) error {
	switch kind {
	case OpModify:
		if value == nil {
			return errs.New(errs.KindInvalidInput, "modify op requires a value", nil)
		}
		_, err := tx.tx.Exec(
			`INSERT INTO cib_transient_attrs (node_uuid, set_id, set_type, name, value) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(node_uuid, set_id, name) DO UPDATE SET value=excluded.value`,
			ref.NodeUUID, ref.SetID, int(ref.SetType), ref.Name, *value,
		)
		if err != nil {
			return errs.New(errs.KindTransientCib, "modify nv-pair", err)
		}
	case OpXPathDelete:
		_, err := tx.tx.Exec(
			`DELETE FROM cib_transient_attrs WHERE node_uuid=? AND set_id=? AND name=?`,
			ref.NodeUUID, ref.SetID, ref.Name,
		)
		if err != nil {
			return errs.New(errs.KindTransientCib, "delete nv-pair", err)
		}
	default:
		return errs.New(errs.KindInvalidInput, "unknown op kind", nil)
	}
	return nil
}

// CommitTransaction commits tx and returns its correlation id. The actual
// success/failure is delivered later through the callback registered via
// RegisterCallback, matching the real CIB's asynchronous design even
// though this backend resolves the outcome immediately.
func (c *Client) CommitTransaction(tx *Tx, user string) (int64, error) {
	c.mu.Lock()
	c.nextCorrelation++
	corrID := c.nextCorrelation
	var result Result
	if c.injectedResult != nil {
		result = *c.injectedResult
		c.injectedResult = nil
	} else {
		result = ResultOK
	}
	c.mu.Unlock()

	if result == ResultOK {
		if err := tx.tx.Commit(); err != nil {
			result = ResultError
		}
	} else {
		tx.tx.Rollback()
	}

	c.mu.Lock()
	c.commitResults[corrID] = result
	c.mu.Unlock()

	if result == ResultOK {
		c.emitChange(Patchset{NodeOrStatusChanged: true, By: user})
	}
	return corrID, nil
}

// RemoveXpath removes every nv-pair for a node, used at startup (§4.G) to
// wipe this node's transient attributes before rejoining.
func (c *Client) RemoveXpath(nodeUUID string, user string) (int64, error) {
	c.mu.Lock()
	c.nextCorrelation++
	corrID := c.nextCorrelation
	c.mu.Unlock()

	_, err := c.db.Exec(`DELETE FROM cib_transient_attrs WHERE node_uuid=?`, nodeUUID)
	if err != nil {
		return corrID, errs.New(errs.KindTransientCib, "remove xpath", err)
	}
	c.emitChange(Patchset{NodeOrStatusChanged: true, By: user})
	return corrID, nil
}

// RegisterCallback arranges for fn to be invoked once for correlationID,
// either with the already-known outcome, or with ResultTimeout if none
// arrives within timeout (§6.3 / §6.4 default 120s write timeout).
func (c *Client) RegisterCallback(correlationID int64, timeout time.Duration, userData string, fn CallbackFunc) {
	c.mu.Lock()
	if result, ok := c.commitResults[correlationID]; ok {
		delete(c.commitResults, correlationID)
		c.mu.Unlock()
		c.scheduler.Submit(func() { fn(result, correlationID, userData) })
		return
	}

	reg := &pendingCallback{userData: userData, fn: fn}
	reg.timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		_, stillPending := c.pending[correlationID]
		delete(c.pending, correlationID)
		c.mu.Unlock()
		if stillPending {
			c.scheduler.Submit(func() { fn(ResultTimeout, correlationID, userData) })
		}
	})
	c.pending[correlationID] = reg
	c.mu.Unlock()
}

// InjectNextCommitResult forces the next CommitTransaction call to report
// result instead of the real outcome — a test-only fault injector for
// exercising §7's transient/fatal retry policies.
func (c *Client) InjectNextCommitResult(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := result
	c.injectedResult = &r
}

// Query returns the current value of an nv-pair, for the dispatcher's
// query command (§4.F) and for tests asserting what actually landed in
// the CIB.
func (c *Client) Query(ref NVPairRef) (string, bool, error) {
	var v string
	err := c.db.QueryRow(`SELECT value FROM cib_transient_attrs WHERE node_uuid=? AND set_id=? AND name=?`,
		ref.NodeUUID, ref.SetID, ref.Name).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.New(errs.KindTransientCib, "query nv-pair", err)
	}
	return v, true, nil
}
