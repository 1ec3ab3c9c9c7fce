// Package ipc implements the local IPC channel the request dispatcher
// listens on (§6.3: on_client_request/send_ack/send_response), framed as
// a 4-byte big-endian length prefix followed by a JSON body — wire framing
// is an explicit Non-goal for the cluster/CIB interfaces (§1), so this
// picks the simplest self-delimiting framing rather than importing a
// protocol the example pack never uses for anything IPC-shaped. It also
// exposes a read-only debug HTTP surface via gorilla/mux, in the style of
// this daemon's existing HTTP handlers.
package ipc

import (
	"encoding/json"
	"fmt"

	"attrd/internal/dispatch"
	"attrd/internal/errs"
	"attrd/internal/store"
)

type wireUpdateItem struct {
	AttrID string  `json:"attr_id"`
	Value  *string `json:"value"`
	Node   string  `json:"node"`
	NodeID uint32  `json:"node_id,omitempty"`
}

// wireRequest is the JSON body of a framed client request.
type wireRequest struct {
	ID              string           `json:"id"`
	ProtocolVersion int              `json:"protocol_version"`
	Command         string           `json:"command"`
	Updates         []wireUpdateItem `json:"updates,omitempty"`
	AttrID          string           `json:"attr_id,omitempty"`
	DampeningMS     uint64           `json:"dampening_ms,omitempty"`
	SetID           string           `json:"set_id,omitempty"`
	SetType         string           `json:"set_type,omitempty"`
	Private         bool             `json:"private,omitempty"`
	ForceWrite      bool             `json:"force_write,omitempty"`
	Expand          bool             `json:"expand,omitempty"`
	User            string           `json:"user,omitempty"`
	Resource        string           `json:"resource,omitempty"`
	Operation       string           `json:"operation,omitempty"`
	SyncPoint       string           `json:"sync_point,omitempty"`
	TimeoutMS       int64            `json:"timeout_ms,omitempty"`
}

var commandNames = map[string]dispatch.CommandKind{
	"update":        dispatch.CmdUpdate,
	"update-delay":  dispatch.CmdUpdateDelay,
	"update-both":   dispatch.CmdUpdateBoth,
	"query":         dispatch.CmdQuery,
	"peer-remove":   dispatch.CmdPeerRemove,
	"clear-failure": dispatch.CmdClearFailure,
	"refresh":       dispatch.CmdRefresh,
	"sync":          dispatch.CmdSync,
}

var syncPointNames = map[string]dispatch.SyncPoint{
	"":      dispatch.SyncPointNone,
	"local": dispatch.SyncPointLocal,
	"all":   dispatch.SyncPointAll,
}

func toDispatchRequest(w wireRequest) (dispatch.Request, error) {
	cmd, ok := commandNames[w.Command]
	if !ok {
		return dispatch.Request{}, errs.New(errs.KindInvalidInput, fmt.Sprintf("unknown command %q", w.Command), nil)
	}
	sp, ok := syncPointNames[w.SyncPoint]
	if !ok {
		return dispatch.Request{}, errs.New(errs.KindInvalidInput, fmt.Sprintf("unknown sync point %q", w.SyncPoint), nil)
	}

	var setType store.SetType
	if w.SetType != "" {
		st, err := store.SetTypeFromString(w.SetType)
		if err != nil {
			return dispatch.Request{}, err
		}
		setType = st
	}

	updates := make([]dispatch.UpdateItem, len(w.Updates))
	for i, u := range w.Updates {
		updates[i] = dispatch.UpdateItem{
			AttrID: u.AttrID,
			Value:  u.Value,
			Node:   store.NodeID{Name: u.Node, ID: u.NodeID},
		}
	}

	return dispatch.Request{
		ID: w.ID, ProtocolVersion: w.ProtocolVersion, Command: cmd,
		Updates: updates, AttrID: w.AttrID, DampeningMS: w.DampeningMS,
		SetID: w.SetID, SetType: setType, Private: w.Private, ForceWrite: w.ForceWrite,
		Expand: w.Expand, User: w.User, Resource: w.Resource, Operation: w.Operation,
		SyncPoint: sp, Timeout: millisDuration(w.TimeoutMS),
	}, nil
}

// wireResponse is the JSON body written back for each request.
type wireResponse struct {
	RequestID string          `json:"request_id"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func fromDispatchResponse(r dispatch.Response) wireResponse {
	w := wireResponse{RequestID: r.RequestID}
	if r.Err != nil {
		w.Error = r.Err.Error()
		w.ErrorKind = errorKindName(r.Err)
	}
	if r.Payload != nil {
		if b, err := json.Marshal(r.Payload); err == nil {
			w.Payload = b
		}
	}
	return w
}

func errorKindName(err error) string {
	for _, k := range []errs.Kind{
		errs.KindTransientCib, errs.KindFatalCibDisconnect, errs.KindPeerUnknown,
		errs.KindInvalidInput, errs.KindProtocolMismatch, errs.KindTimeout,
	} {
		if errs.Is(err, k) {
			return k.String()
		}
	}
	return ""
}
