package peer

import (
	"testing"

	"attrd/internal/store"
)

type recordingBus struct {
	sent []Message
}

func (b *recordingBus) Send(target *Identity, msg Message) error {
	b.sent = append(b.sent, msg)
	return nil
}

func strp(s string) *string { return &s }

func newHandler() (*Handler, *recordingBus, *store.Store) {
	s := store.New()
	tbl := NewTable(Identity{Name: "this", ID: 1})
	bus := &recordingBus{}
	return NewHandler(s, tbl, bus, nil), bus, s
}

func TestHandleInbound_AppliesUpdate(t *testing.T) {
	h, _, s := newHandler()
	err := h.HandleInbound(Message{
		Op: OpUpdate, ProtocolVersion: CurrentProtocolVersion,
		Sender: Identity{Name: "peer2"},
		AttrID: "foo", Node: store.NodeID{Name: "peer2"}, Value: strp("1"),
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	a := s.Lookup("foo")
	if a == nil || a.Value("peer2") == nil || *a.Value("peer2").Current != "1" {
		t.Fatal("expected value applied from peer update")
	}
}

func TestHandleInbound_RejectsBadProtocolVersion(t *testing.T) {
	h, _, _ := newHandler()
	err := h.HandleInbound(Message{Op: OpUpdate, ProtocolVersion: 99, Sender: Identity{Name: "peer2"}, AttrID: "foo"})
	if err == nil {
		t.Fatal("expected protocol mismatch error")
	}
}

func TestHandleInbound_FilterDropsAndCorrects(t *testing.T) {
	h, bus, s := newHandler()
	s.Upsert("foo", store.NodeID{Name: "this"}, strp("local-value"), store.UpsertOptions{})

	err := h.HandleInbound(Message{
		Op: OpSyncValue, ProtocolVersion: CurrentProtocolVersion,
		Sender: Identity{Name: "peer2"},
		AttrID: "foo", Node: store.NodeID{Name: "this"}, Value: strp("stale-value"),
		Filter: true, SyncResponse: true,
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	// Local value must survive untouched.
	if got := *s.Lookup("foo").Value("this").Current; got != "local-value" {
		t.Errorf("expected local value preserved, got %s", got)
	}
	// A correction should have been broadcast.
	if len(bus.sent) != 1 || *bus.sent[0].Value != "local-value" {
		t.Fatalf("expected a correction broadcast of local-value, got %+v", bus.sent)
	}
}

func TestHandleInbound_FilterAllowsMatchingValue(t *testing.T) {
	h, bus, s := newHandler()
	s.Upsert("foo", store.NodeID{Name: "this"}, strp("same"), store.UpsertOptions{})

	err := h.HandleInbound(Message{
		Op: OpSyncValue, ProtocolVersion: CurrentProtocolVersion,
		Sender: Identity{Name: "peer2"},
		AttrID: "foo", Node: store.NodeID{Name: "this"}, Value: strp("same"),
		Filter: true, SyncResponse: true,
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(bus.sent) != 0 {
		t.Errorf("expected no correction when values match, got %+v", bus.sent)
	}
}

func TestBroadcast_SkipsPrivateAndStandAlone(t *testing.T) {
	h, bus, s := newHandler()
	a, _, _ := s.Upsert("secret", store.NodeID{Name: "this"}, strp("x"), store.UpsertOptions{Private: true})

	if err := h.Broadcast(a, store.NodeID{Name: "this"}, strp("x"), false); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(bus.sent) != 0 {
		t.Errorf("expected private attribute never broadcast, got %+v", bus.sent)
	}

	pub, _, _ := s.Upsert("public", store.NodeID{Name: "this"}, strp("x"), store.UpsertOptions{})
	if err := h.Broadcast(pub, store.NodeID{Name: "this"}, strp("x"), true); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(bus.sent) != 0 {
		t.Errorf("expected stand-alone update never broadcast, got %+v", bus.sent)
	}
}

func TestRespondSync_EmitsOnePerValueAndMarksWriter(t *testing.T) {
	h, bus, s := newHandler()
	s.Upsert("foo", store.NodeID{Name: "this"}, strp("1"), store.UpsertOptions{})
	s.Upsert("foo", store.NodeID{Name: "peer2"}, strp("2"), store.UpsertOptions{})

	if err := h.RespondSync(Identity{Name: "peer2"}, true); err != nil {
		t.Fatalf("RespondSync: %v", err)
	}
	if len(bus.sent) != 2 {
		t.Fatalf("expected 2 sync messages, got %d", len(bus.sent))
	}
	for _, m := range bus.sent {
		if !m.SyncResponse || !m.SenderIsWriter {
			t.Errorf("expected sync response tagged as writer, got %+v", m)
		}
	}
}

type demoteSpy struct{ called bool }

func (d *demoteSpy) DemoteIfWinning() { d.called = true }

func TestHandleInbound_SyncFromWriterDemotes(t *testing.T) {
	h, _, _ := newHandler()
	spy := &demoteSpy{}
	h.Demoter = spy

	err := h.HandleInbound(Message{
		Op: OpSyncValue, ProtocolVersion: CurrentProtocolVersion,
		Sender: Identity{Name: "peer2"},
		AttrID: "foo", Node: store.NodeID{Name: "peer2"}, Value: strp("1"),
		SyncResponse: true, SenderIsWriter: true,
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if !spy.called {
		t.Error("expected demote called when sync response claims writer")
	}
}
