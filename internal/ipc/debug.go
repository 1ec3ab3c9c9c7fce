package ipc

import (
	"encoding/json"
	"net/http"

	"attrd/internal/election"
	"attrd/internal/peer"
	"attrd/internal/store"

	"github.com/gorilla/mux"
)

// DebugHandler exposes a read-only introspection surface over HTTP,
// adapted from this daemon's existing HA status handler — GET-only, no
// mutation endpoints, since write access belongs exclusively to the
// framed IPC channel (§6.3).
type DebugHandler struct {
	store    *store.Store
	table    *peer.Table
	election *election.Election
}

// NewDebugHandler constructs a DebugHandler.
func NewDebugHandler(s *store.Store, t *peer.Table, e *election.Election) *DebugHandler {
	return &DebugHandler{store: s, table: t, election: e}
}

// Register wires the handler's routes onto r.
func (h *DebugHandler) Register(r *mux.Router) {
	r.HandleFunc("/debug/attributes", h.GetAttributes).Methods(http.MethodGet)
	r.HandleFunc("/debug/attributes/{id}", h.GetAttribute).Methods(http.MethodGet)
	r.HandleFunc("/debug/peers", h.GetPeers).Methods(http.MethodGet)
	r.HandleFunc("/debug/election", h.GetElection).Methods(http.MethodGet)
}

type attributeView struct {
	ID               string            `json:"id"`
	SetType          string            `json:"set_type"`
	DampeningMS      uint64            `json:"dampening_ms"`
	Private          bool              `json:"private"`
	Changed          bool              `json:"changed"`
	UnknownPeerUUIDs bool              `json:"unknown_peer_uuids"`
	PendingWriteID   uint64            `json:"pending_write_id"`
	Values           map[string]string `json:"values"`
}

// GetAttributes lists every attribute and its current per-node values.
// GET /debug/attributes
func (h *DebugHandler) GetAttributes(w http.ResponseWriter, r *http.Request) {
	var views []attributeView
	h.store.ForEachAttribute(func(a *store.Attribute) {
		views = append(views, viewOf(a))
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{"attributes": views})
}

// GetAttribute returns one attribute by id.
// GET /debug/attributes/{id}
func (h *DebugHandler) GetAttribute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a := h.store.Lookup(id)
	if a == nil {
		respondError(w, http.StatusNotFound, "attribute not found")
		return
	}
	respondJSON(w, http.StatusOK, viewOf(a))
}

func viewOf(a *store.Attribute) attributeView {
	setType := "attributes"
	if a.SetType == store.SetTypeUtilization {
		setType = "utilization"
	}
	v := attributeView{
		ID: a.ID, SetType: setType, DampeningMS: uint64(a.DampeningMS), Private: a.Private,
		Changed: a.Changed, UnknownPeerUUIDs: a.UnknownPeerUUIDs,
		PendingWriteID: a.PendingWriteID, Values: make(map[string]string),
	}
	a.ForEachValue(func(val *store.Value) {
		if val.Current != nil {
			v.Values[val.Node.Name] = *val.Current
		}
	})
	return v
}

type peerView struct {
	Name   string `json:"name"`
	ID     uint32 `json:"id"`
	HasUUID bool  `json:"has_uuid"`
}

// GetPeers lists every known peer.
// GET /debug/peers
func (h *DebugHandler) GetPeers(w http.ResponseWriter, r *http.Request) {
	var views []peerView
	h.table.ForEach(func(p peer.Identity) {
		views = append(views, peerView{Name: p.Name, ID: p.ID, HasUUID: p.HasUUID()})
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{"peers": views})
}

// GetElection reports this node's current view of the election.
// GET /debug/election
func (h *DebugHandler) GetElection(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":     h.election.State().String(),
		"is_writer": h.election.IsWriter(),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}
