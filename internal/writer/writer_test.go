package writer

import (
	"strconv"
	"testing"
	"time"

	"attrd/internal/cib"
	"attrd/internal/peer"
	"attrd/internal/store"
)

type inlineScheduler struct{}

func (inlineScheduler) Submit(fn func()) { fn() }

type fakeElector struct {
	writer     bool
	inProgress bool
	started    int
}

func (f *fakeElector) IsWriter() bool   { return f.writer }
func (f *fakeElector) InProgress() bool { return f.inProgress }
func (f *fakeElector) StartRound() error {
	f.started++
	f.inProgress = true
	return nil
}

type recordingBroadcaster struct {
	calls int
}

func (r *recordingBroadcaster) Broadcast(a *store.Attribute, node store.NodeID, value *string, standAlone bool) error {
	r.calls++
	return nil
}

func strp(s string) *string { return &s }

func newTestPipeline(t *testing.T, writer bool) (*Pipeline, *store.Store, *peer.Table, *cib.Client, *fakeElector) {
	t.Helper()
	s := store.New()
	tbl := peer.NewTable(peer.Identity{Name: "this", ID: 1})
	uuid := "uuid-this"
	tbl.Upsert(peer.Identity{Name: "this", ID: 1, UUID: &uuid})
	c, err := cib.Open(":memory:", inlineScheduler{})
	if err != nil {
		t.Fatalf("cib.Open: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	elector := &fakeElector{writer: writer}
	p := New(s, tbl, elector, &recordingBroadcaster{}, c, inlineScheduler{}, nil, nil, nil, Options{})
	return p, s, tbl, c, elector
}

func TestSingleUpdate_IsWriter_CommitsAndClearsPending(t *testing.T) {
	p, s, _, c, _ := newTestPipeline(t, true)

	if err := p.OnLocalUpdate("foo", store.NodeID{Name: "this", ID: 1}, strp("7"), store.UpsertOptions{}, false); err != nil {
		t.Fatalf("OnLocalUpdate: %v", err)
	}

	a := s.Lookup("foo")
	if a.PendingWriteID != 0 {
		t.Errorf("expected pending write id cleared on synchronous success, got %d", a.PendingWriteID)
	}
	val, ok, err := c.Query(cib.NVPairRef{NodeUUID: "uuid-this", SetID: "status-1", Name: "foo"})
	if err != nil || !ok || val != "7" {
		t.Fatalf("expected cib to hold 7, got val=%s ok=%v err=%v", val, ok, err)
	}
}

func TestIncrementExpansion_ProducesSingleWrite(t *testing.T) {
	p, s, _, c, _ := newTestPipeline(t, true)
	p.OnLocalUpdate("bar", store.NodeID{Name: "this", ID: 1}, strp("5"), store.UpsertOptions{}, false)
	p.OnLocalUpdate("bar", store.NodeID{Name: "this", ID: 1}, strp("value++"), store.UpsertOptions{Expand: true}, false)

	a := s.Lookup("bar")
	if got := *a.Value("this").Current; got != "6" {
		t.Fatalf("expected stored value 6, got %s", got)
	}
	val, _, _ := c.Query(cib.NVPairRef{NodeUUID: "uuid-this", SetID: "status-1", Name: "bar"})
	if val != "6" {
		t.Errorf("expected cib write of 6, got %s", val)
	}
}

func TestDampenedCoalescing_OneWriteAfterWindow(t *testing.T) {
	p, s, _, c, _ := newTestPipeline(t, true)
	a, _, _ := s.Upsert("lat", store.NodeID{Name: "this", ID: 1}, strp("0"), store.UpsertOptions{DampeningMS: 40})
	a.Changed = false

	for i := 1; i <= 10; i++ {
		v := strp(strconv.Itoa(i))
		p.OnLocalUpdate("lat", store.NodeID{Name: "this", ID: 1}, v, store.UpsertOptions{}, false)
		time.Sleep(2 * time.Millisecond)
	}

	// Nothing should be committed yet — still inside the dampening window.
	if _, ok, _ := c.Query(cib.NVPairRef{NodeUUID: "uuid-this", SetID: "status-1", Name: "lat"}); ok {
		t.Fatal("expected no CIB write before the dampening window elapses")
	}

	time.Sleep(80 * time.Millisecond)

	val, ok, err := c.Query(cib.NVPairRef{NodeUUID: "uuid-this", SetID: "status-1", Name: "lat"})
	if err != nil || !ok {
		t.Fatalf("expected exactly one coalesced write after the window, ok=%v err=%v", ok, err)
	}
	if got := *s.Lookup("lat").Value("this").Current; val != got {
		t.Errorf("expected final written value to match last stored value, cib=%s store=%s", val, got)
	}
}

func TestNotWriterPath_NoCibTransactionButBroadcasts(t *testing.T) {
	p, s, _, c, elector := newTestPipeline(t, false)
	bcast := p.bus.(*recordingBroadcaster)

	if err := p.OnLocalUpdate("x", store.NodeID{Name: "this", ID: 1}, strp("1"), store.UpsertOptions{}, false); err != nil {
		t.Fatalf("OnLocalUpdate: %v", err)
	}

	if got := *s.Lookup("x").Value("this").Current; got != "1" {
		t.Errorf("expected store to hold 1 regardless of writer status, got %s", got)
	}
	if bcast.calls != 1 {
		t.Errorf("expected exactly one broadcast, got %d", bcast.calls)
	}
	if _, ok, _ := c.Query(cib.NVPairRef{NodeUUID: "uuid-this", SetID: "status-1", Name: "x"}); ok {
		t.Error("expected no CIB transaction when not writer")
	}
	if elector.started != 1 {
		t.Errorf("expected an election round triggered, got %d starts", elector.started)
	}
}

func TestRetryOnTransientFailure(t *testing.T) {
	p, s, _, c, _ := newTestPipeline(t, true)
	c.InjectNextCommitResult(cib.ResultTransient)

	p.OnLocalUpdate("q", store.NodeID{Name: "this", ID: 1}, strp("1"), store.UpsertOptions{}, false)

	a := s.Lookup("q")
	if !a.Changed {
		t.Error("expected attribute to remain changed after a transient failure")
	}
	if !p.timerRunning("q") {
		t.Error("expected a retry timer armed after transient failure")
	}
}

func TestUnknownPeerUUID_SkipsValueButCommitsOthers(t *testing.T) {
	p, s, tbl, c, _ := newTestPipeline(t, true)
	tbl.Upsert(peer.Identity{Name: "p2", ID: 2}) // no uuid yet

	s.Upsert("q", store.NodeID{Name: "this", ID: 1}, strp("1"), store.UpsertOptions{})
	p.OnLocalUpdate("q", store.NodeID{Name: "p2", ID: 2}, strp("2"), store.UpsertOptions{}, false)

	a := s.Lookup("q")
	if !a.UnknownPeerUUIDs {
		t.Error("expected unknown_peer_uuids flag set")
	}
	val, ok, err := c.Query(cib.NVPairRef{NodeUUID: "uuid-this", SetID: "status-1", Name: "q"})
	if err != nil || !ok || val != "1" {
		t.Errorf("expected this-node's value still committed, got val=%s ok=%v err=%v", val, ok, err)
	}
	if _, ok, _ := c.Query(cib.NVPairRef{NodeUUID: "", SetID: "status-2", Name: "q"}); ok {
		t.Error("expected p2's value never written")
	}
}

func TestPrivateAttribute_NeverReachesCib(t *testing.T) {
	p, s, _, c, _ := newTestPipeline(t, true)
	for i := 0; i < 3; i++ {
		p.OnLocalUpdate("secret", store.NodeID{Name: "this", ID: 1}, strp("v"), store.UpsertOptions{Private: true}, false)
	}
	if got := *s.Lookup("secret").Value("this").Current; got != "v" {
		t.Errorf("expected store to hold v, got %s", got)
	}
	if _, ok, _ := c.Query(cib.NVPairRef{NodeUUID: "uuid-this", SetID: "status-1", Name: "secret"}); ok {
		t.Error("expected private attribute never written to cib")
	}
}

func TestWriteAll_SkipsShutdownWhenRequested(t *testing.T) {
	p, s, _, c, _ := newTestPipeline(t, true)
	s.Upsert(ShutdownAttributeID, store.NodeID{Name: "this", ID: 1}, strp("true"), store.UpsertOptions{})
	s.Upsert("other", store.NodeID{Name: "this", ID: 1}, strp("1"), store.UpsertOptions{})

	p.WriteAll(WriteAllOptions{All: true, SkipShutdown: true})

	if _, ok, _ := c.Query(cib.NVPairRef{NodeUUID: "uuid-this", SetID: "status-1", Name: ShutdownAttributeID}); ok {
		t.Error("expected shutdown attribute skipped")
	}
	if _, ok, _ := c.Query(cib.NVPairRef{NodeUUID: "uuid-this", SetID: "status-1", Name: "other"}); !ok {
		t.Error("expected other attribute written")
	}
}
