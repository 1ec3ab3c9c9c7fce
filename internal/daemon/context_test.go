package daemon

import (
	"testing"
	"time"

	"attrd/internal/cib"
	"attrd/internal/election"
	"attrd/internal/peer"
)

type inlineScheduler struct{}

func (inlineScheduler) Submit(fn func()) { fn() }

type noVoteBus struct{}

func (noVoteBus) SendVote(v election.Vote) error                      { return nil }
func (noVoteBus) SendNoVote(t peer.Identity, nv election.NoVote) error { return nil }

func newTestContext(t *testing.T) *Context {
	t.Helper()
	uuid := "node-uuid-1"
	self := peer.Identity{Name: "this", ID: 1, UUID: &uuid}
	table := peer.NewTable(self)

	cibClient, err := cib.Open(":memory:", inlineScheduler{})
	if err != nil {
		t.Fatalf("cib.Open: %v", err)
	}
	t.Cleanup(func() { cibClient.Disconnect() })

	e := election.New(table, noVoteBus{}, time.Second, time.Time{}, nil)

	return &Context{
		Loop:     NewLoop(8),
		Table:    table,
		CIB:      cibClient,
		Election: e,
	}
}

func TestStartup_ErasesTransientAttributesAndStartsElection(t *testing.T) {
	c := newTestContext(t)
	go c.Loop.Run()
	t.Cleanup(c.Loop.Stop)

	if err := c.Startup(""); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if c.Election.State() == election.StateStart {
		t.Fatalf("expected election to have left the start state")
	}
}

func TestShutdown_SetsFlagAndDisconnectsCIB(t *testing.T) {
	c := newTestContext(t)
	go c.Loop.Run()

	if c.IsShuttingDown() {
		t.Fatal("expected not shutting down before Shutdown")
	}
	c.Shutdown()
	if !c.IsShuttingDown() {
		t.Fatal("expected shutting down after Shutdown")
	}
}
