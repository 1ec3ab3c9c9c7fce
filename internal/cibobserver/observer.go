// Package cibobserver implements the CIB observer (§4.E): reaction to
// external CIB edits (node/status/alerts), full-replacement events, and
// loss of the CIB connection.
package cibobserver

import (
	"sync"
	"time"

	"attrd/internal/cib"
	"attrd/internal/writer"

	"github.com/sirupsen/logrus"
)

// ExitCodeLostCIB is the distinct process exit code used when the CIB
// connection is lost while the daemon is running and not shutting down
// (§6.2, §9 — the source performs a shutdown rather than a reconnect; this
// re-implementation preserves that choice).
const ExitCodeLostCIB = 2

// selfActor and controllerActor are the only "By" values §4.E treats as
// safe — any other actor editing the node/status section is "unsafe".
const (
	selfActor       = "self"
	controllerActor = "controller"
)

// Writer is the subset of the writer pipeline the observer drives.
type Writer interface {
	WriteAll(opts writer.WriteAllOptions)
}

// Elector is the subset of the election module the observer consults.
type Elector interface {
	IsWriter() bool
}

// Exiter terminates the process with a given code, abstracted for tests.
type Exiter func(code int)

// ShuttingDown reports whether the daemon is currently shutting down.
type ShuttingDown func() bool

// Observer wires §4.E's reaction rules to a cib.Client.
type Observer struct {
	writer       Writer
	elector      Elector
	shuttingDown ShuttingDown
	exit         Exiter
	log          *logrus.Entry

	configReload func()

	mu             sync.Mutex
	reloadPending  bool
	reloadCoalesce time.Duration
}

// New constructs an Observer. configReload is invoked (coalesced into a
// single shot across a burst of alert-section changes) to re-read
// configuration (§4.E, §4.G step 2).
func New(w Writer, elector Elector, shuttingDown ShuttingDown, exit Exiter, log *logrus.Entry, configReload func()) *Observer {
	return &Observer{
		writer: w, elector: elector, shuttingDown: shuttingDown, exit: exit, log: log,
		configReload: configReload, reloadCoalesce: 200 * time.Millisecond,
	}
}

// Attach subscribes the observer to client's change and disconnect
// notifications.
func (o *Observer) Attach(client *cib.Client) {
	client.OnChange(o.OnPatchset)
	client.OnDisconnect(o.OnDisconnect)
}

// OnPatchset implements §4.E's patchset reaction rules.
func (o *Observer) OnPatchset(p cib.Patchset) {
	if p.AlertsChanged {
		o.triggerConfigReload()
	}

	if p.FullReplace {
		if p.NodeOrStatusChanged && o.elector.IsWriter() {
			o.writer.WriteAll(writer.WriteAllOptions{All: true})
		}
		return
	}

	if p.NodeOrStatusChanged && !o.isSafeActor(p.By) && o.elector.IsWriter() {
		o.writer.WriteAll(writer.WriteAllOptions{All: true})
	}
}

func (o *Observer) isSafeActor(by string) bool {
	return by == selfActor || by == controllerActor
}

// triggerConfigReload arms a single-shot coalesced reload: a burst of
// alert-section changes within the coalesce window produces one reload.
func (o *Observer) triggerConfigReload() {
	if o.configReload == nil {
		return
	}
	o.mu.Lock()
	if o.reloadPending {
		o.mu.Unlock()
		return
	}
	o.reloadPending = true
	o.mu.Unlock()

	time.AfterFunc(o.reloadCoalesce, func() {
		o.mu.Lock()
		o.reloadPending = false
		o.mu.Unlock()
		o.configReload()
	})
}

// OnDisconnect implements §4.E's disconnect handling: fatal exit unless
// already shutting down.
func (o *Observer) OnDisconnect() {
	if o.shuttingDown != nil && o.shuttingDown() {
		if o.log != nil {
			o.log.Info("cib disconnected during shutdown")
		}
		return
	}
	if o.log != nil {
		o.log.Error("lost cib connection while running, exiting")
	}
	if o.exit != nil {
		o.exit(ExitCodeLostCIB)
	}
}
