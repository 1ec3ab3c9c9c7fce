// Package transport provides cluster messaging buses for the peer and
// election protocols. InProcessBus wires multiple in-process instances
// together for tests; Hub bridges real processes over WebSocket
// connections, adapted from the monitoring push hub this daemon was
// built from.
package transport

import (
	"attrd/internal/election"
	"attrd/internal/peer"
)

// envelopeKind tags which payload an Envelope carries.
type envelopeKind string

const (
	kindMessage envelopeKind = "message"
	kindVote    envelopeKind = "vote"
	kindNoVote  envelopeKind = "no_vote"
)

// Envelope is the wire format carried over a Hub connection: exactly one
// of Message, Vote, or NoVote is populated, selected by Kind. Target, when
// non-empty, names the single peer this envelope is addressed to; empty
// means broadcast to every connected peer.
type Envelope struct {
	Kind    envelopeKind    `json:"kind"`
	Target  string          `json:"target,omitempty"`
	Message *peer.Message   `json:"message,omitempty"`
	Vote    *election.Vote  `json:"vote,omitempty"`
	NoVote  *election.NoVote `json:"no_vote,omitempty"`
}
