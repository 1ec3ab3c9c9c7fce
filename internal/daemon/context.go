// Package daemon assembles every component into one explicitly-passed
// context and drives its lifecycle (§4.G, §9): Loop is the single
// cooperative task (loop.go); Context replaces the global mutable state
// the original design favored with one struct threaded through
// construction, grounded on the teacher's main.go wiring sequence (open
// DB, construct managers, register routes, start servers, wait on signal,
// shut down).
package daemon

import (
	"net/http"
	"os"

	"attrd/internal/cib"
	"attrd/internal/cibobserver"
	"attrd/internal/dispatch"
	"attrd/internal/election"
	"attrd/internal/errs"
	"attrd/internal/ipc"
	"attrd/internal/peer"
	"attrd/internal/store"
	"attrd/internal/writer"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Exit codes for §6.2's "distinct code" requirements.
const (
	ExitOK          = 0
	ExitLostCluster = 1
	ExitLostCIB     = cibobserver.ExitCodeLostCIB
)

// ShutdownAttributeID mirrors writer.ShutdownAttributeID.
const ShutdownAttributeID = writer.ShutdownAttributeID

// Context bundles every collaborator the daemon's handlers reach for,
// replacing the package-level singletons the source favored (§9).
type Context struct {
	Loop       *Loop
	Store      *store.Store
	Table      *peer.Table
	PeerProto  *peer.Handler
	Election   *election.Election
	Writer     *writer.Pipeline
	CIB        *cib.Client
	Observer   *cibobserver.Observer
	Dispatcher *dispatch.Dispatcher
	IPCServer  *ipc.Server
	DebugHTTP  *http.Server
	Log        *logrus.Entry

	// DebugRoutes, if set, is called with the debug router before it starts
	// serving, letting the caller mount additional endpoints (e.g. the
	// peer transport's websocket upgrade handler, through which peers
	// deliver updates) alongside the built-in health check.
	DebugRoutes func(*mux.Router)

	shuttingDown bool
}

// IsShuttingDown reports whether Shutdown has been invoked. Handlers
// consult this to become no-ops rather than racing teardown.
func (c *Context) IsShuttingDown() bool { return c.shuttingDown }

// Startup implements §4.G's three startup steps, run once the cluster
// connection is established (peer.Table already carries this node's
// identity, and Context's collaborators are already wired by the caller).
func (c *Context) Startup(debugAddr string) error {
	// 1. Erase this node's transient attributes from the CIB by xpath: we
	// hold no values yet, the CIB must match.
	self := c.Table.Self()
	if self.HasUUID() {
		if _, err := c.CIB.RemoveXpath(*self.UUID, "attrd"); err != nil {
			return errs.New(errs.KindTransientCib, "erase local transient attributes at startup", err)
		}
	}

	// 2. Arm the configuration-read trigger and fire it once. The observer
	// already wires this via OnChange; firing it once up front means the
	// daemon doesn't wait for an external alerts-section edit before its
	// first read.
	if c.Observer != nil {
		c.Observer.OnPatchset(cib.Patchset{AlertsChanged: true})
	}

	// 3. Begin election participation and start serving requests.
	if err := c.Election.StartRound(); err != nil {
		return errs.New(errs.KindTransientCib, "start initial election round", err)
	}

	if c.IPCServer != nil {
		go func() {
			if err := c.IPCServer.ListenAndServe(); err != nil && c.Log != nil {
				c.Log.WithError(err).Warn("ipc server stopped")
			}
		}()
	}
	if debugAddr != "" {
		c.serveDebugHTTP(debugAddr)
	}

	return nil
}

func (c *Context) serveDebugHTTP(addr string) {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if c.DebugRoutes != nil {
		c.DebugRoutes(r)
	}
	c.DebugHTTP = &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := c.DebugHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed && c.Log != nil {
			c.Log.WithError(err).Warn("debug http server stopped")
		}
	}()
}

// Shutdown implements §4.G's shutdown sequence: set the shutting-down
// flag, quit the main loop, disconnect from the CIB.
func (c *Context) Shutdown() {
	c.shuttingDown = true
	if c.IPCServer != nil {
		c.IPCServer.Close()
	}
	if c.DebugHTTP != nil {
		c.DebugHTTP.Close()
	}
	if c.CIB != nil {
		c.CIB.Disconnect()
	}
	c.Loop.Stop()
}

// Exit terminates the process with code, used as cibobserver's Exiter.
func Exit(code int) {
	os.Exit(code)
}
