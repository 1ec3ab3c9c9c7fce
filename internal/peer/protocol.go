package peer

import (
	"fmt"

	"attrd/internal/errs"
	"attrd/internal/store"

	"github.com/sirupsen/logrus"
)

// CurrentProtocolVersion is this build's protocol version (§6.1). v1 basic
// update/sync; v2 clear-failure; v3 remote-node flag sync; v4 batch updates.
const CurrentProtocolVersion = 4

// OpCode identifies the kind of peer message (§4.B).
type OpCode int

const (
	OpUpdate OpCode = iota
	OpSyncRequest
	OpSyncValue
)

// Message is the peer wire message, carrying exactly the fields §4.B names:
// operation code, attribute id, optional node filter, optional value, and
// the sync "filter" flag. How it is actually serialized onto the cluster
// messaging bus is out of scope (§1 Non-goals); Bus implementations are
// free to encode this struct however they like.
type Message struct {
	Op              OpCode
	ProtocolVersion int
	Sender          Identity
	AttrID          string
	Node            store.NodeID
	Value           *string
	// Filter indicates the receiver should drop this message (rather than
	// apply it) when it concerns the receiver's own node and the carried
	// value contradicts the receiver's local value — used during bulk sync
	// so that a stale sync response can't clobber a value the receiver has
	// already moved past.
	Filter bool
	// SyncResponse marks this as one entry of a sync reply.
	SyncResponse bool
	// SenderIsWriter conveys whether the sender currently believes it is
	// the elected writer, carried on every sync response (§4.B Sync).
	SenderIsWriter bool
}

// Bus is the cluster messaging interface the peer protocol consumes
// (§6.3). nil target means broadcast to all peers.
type Bus interface {
	Send(target *Identity, msg Message) error
}

// WriterDemoter is implemented by the election module: a sync response
// identifying its sender as writer demotes any local belief of winning
// (§4.B Sync).
type WriterDemoter interface {
	DemoteIfWinning()
}

// WriterQuery is implemented by the election module: lets a sync response
// report whether this node currently believes it is the elected writer
// (§4.B Sync).
type WriterQuery interface {
	IsWriter() bool
}

// Handler applies the peer protocol's receive-side rules (§4.B) against
// the local store, and offers the send-side helpers (broadcast, sync).
type Handler struct {
	Store   *store.Store
	Table   *Table
	Bus     Bus
	Log     *logrus.Entry
	Demoter WriterDemoter // may be nil before the election module is wired up
	Writer  WriterQuery   // may be nil before the election module is wired up

	// minVersion is the cluster-wide minimum protocol version computed
	// from every peer's advertised version (§6.1). Starts at this build's
	// own version; only ever moves down.
	minVersion int
}

// NewHandler constructs a peer Handler bound to s/t/bus.
func NewHandler(s *store.Store, t *Table, bus Bus, log *logrus.Entry) *Handler {
	return &Handler{Store: s, Table: t, Bus: bus, Log: log, minVersion: CurrentProtocolVersion}
}

// ObserveVersion folds a peer-advertised protocol version into the
// cluster-wide minimum (§6.1).
func (h *Handler) ObserveVersion(v int) {
	if v > 0 && v < h.minVersion {
		h.minVersion = v
	}
}

// MinVersion returns the cluster-wide minimum protocol version currently
// tracked.
func (h *Handler) MinVersion() int { return h.minVersion }

// HandleInbound applies the §4.B receive rules to msg.
func (h *Handler) HandleInbound(msg Message) error {
	h.ObserveVersion(msg.ProtocolVersion)
	if msg.ProtocolVersion < 1 || msg.ProtocolVersion > CurrentProtocolVersion {
		return errs.New(errs.KindProtocolMismatch,
			fmt.Sprintf("peer %s advertised protocol version %d", msg.Sender.Name, msg.ProtocolVersion), nil)
	}

	switch msg.Op {
	case OpSyncRequest:
		return h.RespondSync(msg.Sender, h.iAmWriter())
	case OpUpdate, OpSyncValue:
		return h.applyUpdate(msg)
	default:
		return errs.New(errs.KindInvalidInput, fmt.Sprintf("unknown peer op %d", msg.Op), nil)
	}
}

func (h *Handler) applyUpdate(msg Message) error {
	self := h.Table.Self()
	targetsLocal := msg.Node.Name == self.Name

	if msg.Filter && targetsLocal {
		local := h.Store.Lookup(msg.AttrID)
		var localVal *string
		if local != nil {
			if v := local.Value(self.Name); v != nil {
				localVal = v.Current
			}
		}
		if !equalPtr(localVal, msg.Value) {
			if h.Log != nil {
				h.Log.WithFields(logrus.Fields{
					"attr": msg.AttrID, "from": msg.Sender.Name,
				}).Info("dropping sync value that contradicts local state, re-broadcasting correction")
			}
			return h.broadcastCorrection(msg.AttrID, self, localVal)
		}
	}

	if msg.SyncResponse && msg.SenderIsWriter && h.Demoter != nil {
		h.Demoter.DemoteIfWinning()
	}

	h.Table.Upsert(Identity{Name: msg.Node.Name, ID: msg.Node.ID})
	_, _, err := h.Store.Upsert(msg.AttrID, msg.Node, msg.Value, store.UpsertOptions{})
	return err
}

func (h *Handler) broadcastCorrection(attrID string, node Identity, value *string) error {
	return h.Bus.Send(nil, Message{
		Op:              OpUpdate,
		ProtocolVersion: CurrentProtocolVersion,
		Sender:          h.Table.Self(),
		AttrID:          attrID,
		Node:            store.NodeID{Name: node.Name, ID: node.ID},
		Value:           value,
	})
}

// Broadcast sends a local update to every peer, unless the attribute is
// private or the update was explicitly marked stand-alone (§4.B Outbound).
func (h *Handler) Broadcast(a *store.Attribute, node store.NodeID, value *string, standAlone bool) error {
	if a.Private || standAlone {
		return nil
	}
	return h.Bus.Send(nil, Message{
		Op:              OpUpdate,
		ProtocolVersion: CurrentProtocolVersion,
		Sender:          h.Table.Self(),
		AttrID:          a.ID,
		Node:            node,
		Value:           value,
	})
}

// RequestSync asks every peer for a full sync (§4.B Sync). The daemon sends
// it when this node wins an election and on a client's sync command; a
// peer joining or a CIB replacement does not send one.
func (h *Handler) RequestSync() error {
	return h.Bus.Send(nil, Message{
		Op:              OpSyncRequest,
		ProtocolVersion: CurrentProtocolVersion,
		Sender:          h.Table.Self(),
	})
}

// RespondSync emits one message per (attribute, value) to the requester
// (or broadcasts, if to is the zero Identity), each tagged as a sync
// response and carrying whether this node currently believes it is writer.
func (h *Handler) RespondSync(to Identity, iAmWriter bool) error {
	var target *Identity
	if to.Name != "" {
		target = &to
	}
	var firstErr error
	h.Store.ForEachAttribute(func(a *store.Attribute) {
		a.ForEachValue(func(v *store.Value) {
			err := h.Bus.Send(target, Message{
				Op:              OpSyncValue,
				ProtocolVersion: CurrentProtocolVersion,
				Sender:          h.Table.Self(),
				AttrID:          a.ID,
				Node:            v.Node,
				Value:           v.Current,
				Filter:          true,
				SyncResponse:    true,
				SenderIsWriter:  iAmWriter,
			})
			if err != nil && firstErr == nil {
				firstErr = err
			}
		})
	})
	return firstErr
}

func (h *Handler) iAmWriter() bool {
	if h.Writer == nil {
		return false
	}
	return h.Writer.IsWriter()
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
