package dispatch

import (
	"testing"
	"time"

	"attrd/internal/errs"
	"attrd/internal/peer"
	"attrd/internal/store"
	"attrd/internal/writer"
)

type fakeWriter struct {
	calls      int
	writeAllAt []writer.WriteAllOptions
	store      *store.Store
}

func (f *fakeWriter) OnLocalUpdate(attrID string, node store.NodeID, value *string, opts store.UpsertOptions, standAlone bool) error {
	f.calls++
	_, _, err := f.store.Upsert(attrID, node, value, opts)
	return err
}

func (f *fakeWriter) WriteAll(opts writer.WriteAllOptions) {
	f.writeAllAt = append(f.writeAllAt, opts)
}

type fakeVersions struct{ min int }

func (f fakeVersions) MinVersion() int { return f.min }

type fakeSyncer struct{ called int }

func (f *fakeSyncer) RequestSync() error { f.called++; return nil }

func strp(s string) *string { return &s }

func newTestDispatcher() (*Dispatcher, *store.Store, *fakeWriter) {
	s := store.New()
	tbl := peer.NewTable(peer.Identity{Name: "this", ID: 1})
	w := &fakeWriter{store: s}
	d := New(s, w, fakeVersions{min: 4}, &fakeSyncer{}, tbl, nil)
	return d, s, w
}

func TestDispatch_UpdateLocalSyncPointRespondsImmediately(t *testing.T) {
	d, s, _ := newTestDispatcher()
	req := Request{
		ID: "r1", Command: CmdUpdate, ProtocolVersion: 4,
		Updates:   []UpdateItem{{AttrID: "foo", Value: strp("1"), Node: store.NodeID{Name: "this", ID: 1}}},
		SyncPoint: SyncPointLocal,
	}
	resp := d.Dispatch(req)
	if resp == nil || resp.Err != nil {
		t.Fatalf("expected immediate response, got %+v", resp)
	}
	if *s.Lookup("foo").Value("this").Current != "1" {
		t.Error("expected store updated")
	}
}

func TestDispatch_UpdateNoItemsIsInvalid(t *testing.T) {
	d, _, _ := newTestDispatcher()
	resp := d.Dispatch(Request{ID: "r1", Command: CmdUpdate, ProtocolVersion: 4})
	if resp == nil || !errs.Is(resp.Err, errs.KindInvalidInput) {
		t.Fatalf("expected invalid input error, got %+v", resp)
	}
}

func TestDispatch_ProtocolVersionGating(t *testing.T) {
	d, _, _ := newTestDispatcher()
	d.versions = fakeVersions{min: 1}
	resp := d.Dispatch(Request{
		ID: "r1", Command: CmdClearFailure, ProtocolVersion: 2,
		Resource: "rsc1", Operation: "monitor",
	})
	if resp == nil || !errs.Is(resp.Err, errs.KindProtocolMismatch) {
		t.Fatalf("expected protocol mismatch, got %+v", resp)
	}
}

func TestDispatch_AllSyncPointWaitsForWriteComplete(t *testing.T) {
	d, _, _ := newTestDispatcher()
	req := Request{
		ID: "r2", Command: CmdUpdate, ProtocolVersion: 4,
		Updates:   []UpdateItem{{AttrID: "foo", Value: strp("1"), Node: store.NodeID{Name: "this", ID: 1}}},
		SyncPoint: SyncPointAll,
	}
	resp := d.Dispatch(req)
	if resp != nil {
		t.Fatalf("expected deferred response, got immediate %+v", resp)
	}

	done := make(chan Response, 1)
	d.OnResponse("r2", func(r Response) { done <- r })
	d.NotifyWriteComplete("foo", true)

	select {
	case r := <-done:
		if r.Err != nil {
			t.Errorf("expected clean response, got %v", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected waiter released by NotifyWriteComplete")
	}
}

func TestDispatch_AllSyncPointTimesOut(t *testing.T) {
	d, _, _ := newTestDispatcher()
	req := Request{
		ID: "r3", Command: CmdUpdate, ProtocolVersion: 4,
		Updates:   []UpdateItem{{AttrID: "foo", Value: strp("1"), Node: store.NodeID{Name: "this", ID: 1}}},
		SyncPoint: SyncPointAll,
		Timeout:   20 * time.Millisecond,
	}
	d.Dispatch(req)

	done := make(chan Response, 1)
	d.OnResponse("r3", func(r Response) { done <- r })

	select {
	case r := <-done:
		if !errs.Is(r.Err, errs.KindTimeout) {
			t.Errorf("expected timeout error, got %v", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected timeout to release waiter")
	}
}

func TestDispatch_QueryFound(t *testing.T) {
	d, s, _ := newTestDispatcher()
	s.Upsert("foo", store.NodeID{Name: "this", ID: 1}, strp("7"), store.UpsertOptions{})
	resp := d.Dispatch(Request{ID: "q1", Command: CmdQuery, ProtocolVersion: 4, AttrID: "foo"})
	qr, ok := resp.Payload.(QueryResult)
	if !ok || !qr.Found || *qr.Value != "7" {
		t.Fatalf("expected found value 7, got %+v", resp)
	}
}

func TestDispatch_QueryNotFound(t *testing.T) {
	d, _, _ := newTestDispatcher()
	resp := d.Dispatch(Request{ID: "q2", Command: CmdQuery, ProtocolVersion: 4, AttrID: "nope"})
	qr := resp.Payload.(QueryResult)
	if qr.Found {
		t.Error("expected not found")
	}
}

func TestDispatch_Refresh(t *testing.T) {
	d, _, w := newTestDispatcher()
	resp := d.Dispatch(Request{ID: "ref", Command: CmdRefresh, ProtocolVersion: 4})
	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	if len(w.writeAllAt) != 1 || !w.writeAllAt[0].All {
		t.Errorf("expected one write-all with All set, got %+v", w.writeAllAt)
	}
}

func TestDispatch_Sync(t *testing.T) {
	d, _, _ := newTestDispatcher()
	syncer := d.syncer.(*fakeSyncer)
	resp := d.Dispatch(Request{ID: "s1", Command: CmdSync, ProtocolVersion: 4})
	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	if syncer.called != 1 {
		t.Errorf("expected RequestSync called once, got %d", syncer.called)
	}
}

func TestDispatch_PeerRemove(t *testing.T) {
	d, s, _ := newTestDispatcher()
	s.Upsert("foo", store.NodeID{Name: "p2", ID: 2}, strp("1"), store.UpsertOptions{})
	resp := d.Dispatch(Request{
		ID: "pr1", Command: CmdPeerRemove, ProtocolVersion: 4,
		Updates: []UpdateItem{{Node: store.NodeID{Name: "p2"}}},
	})
	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	if s.Lookup("foo").Value("p2") != nil {
		t.Error("expected p2's value erased")
	}
}

func TestDispatch_ClearFailure(t *testing.T) {
	d, s, _ := newTestDispatcher()
	s.Upsert("fail-count-rsc1#monitor_10", store.NodeID{Name: "this", ID: 1}, strp("INFINITY"), store.UpsertOptions{})
	resp := d.Dispatch(Request{
		ID: "cf1", Command: CmdClearFailure, ProtocolVersion: 4,
		Resource: "rsc1", Operation: "monitor",
	})
	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	cleared := resp.Payload.([]string)
	if len(cleared) != 1 {
		t.Errorf("expected one cleared attribute, got %v", cleared)
	}
}
