package transport

import (
	"testing"

	"attrd/internal/election"
	"attrd/internal/peer"
)

type inlineScheduler struct{}

func (inlineScheduler) Submit(fn func()) { fn() }

type recordingPeer struct {
	received []peer.Message
}

func (r *recordingPeer) HandleInbound(msg peer.Message) error {
	r.received = append(r.received, msg)
	return nil
}

type recordingElection struct {
	votes   []election.Vote
	noVotes []election.NoVote
}

func (r *recordingElection) HandleVote(v election.Vote) error {
	r.votes = append(r.votes, v)
	return nil
}

func (r *recordingElection) HandleNoVote(nv election.NoVote) {
	r.noVotes = append(r.noVotes, nv)
}

func TestInProcessBus_SendBroadcastsExceptSender(t *testing.T) {
	b := NewInProcessBus()
	a, bb, c := &recordingPeer{}, &recordingPeer{}, &recordingPeer{}
	b.Register("a", inlineScheduler{}, a, nil)
	b.Register("b", inlineScheduler{}, bb, nil)
	b.Register("c", inlineScheduler{}, c, nil)

	b.Send(nil, peer.Message{AttrID: "x", Sender: peer.Identity{Name: "a"}})

	if len(a.received) != 0 {
		t.Error("expected sender to not receive its own broadcast")
	}
	if len(bb.received) != 1 || len(c.received) != 1 {
		t.Error("expected both other nodes to receive the broadcast")
	}
}

func TestInProcessBus_SendTargeted(t *testing.T) {
	b := NewInProcessBus()
	a, bb := &recordingPeer{}, &recordingPeer{}
	b.Register("a", inlineScheduler{}, a, nil)
	b.Register("b", inlineScheduler{}, bb, nil)

	target := peer.Identity{Name: "b"}
	b.Send(&target, peer.Message{AttrID: "x"})

	if len(a.received) != 0 {
		t.Error("expected untargeted node to receive nothing")
	}
	if len(bb.received) != 1 {
		t.Error("expected targeted node to receive exactly one message")
	}
}

func TestInProcessBus_SendVoteExcludesCandidate(t *testing.T) {
	b := NewInProcessBus()
	a, bb := &recordingElection{}, &recordingElection{}
	b.Register("a", inlineScheduler{}, nil, a)
	b.Register("b", inlineScheduler{}, nil, bb)

	b.SendVote(election.Vote{Candidate: peer.Identity{Name: "a"}})

	if len(a.votes) != 0 {
		t.Error("expected candidate to not receive its own vote")
	}
	if len(bb.votes) != 1 {
		t.Error("expected other node to receive the vote")
	}
}

func TestInProcessBus_SendNoVoteTargetsOne(t *testing.T) {
	b := NewInProcessBus()
	a, bb := &recordingElection{}, &recordingElection{}
	b.Register("a", inlineScheduler{}, nil, a)
	b.Register("b", inlineScheduler{}, nil, bb)

	b.SendNoVote(peer.Identity{Name: "a"}, election.NoVote{From: peer.Identity{Name: "b"}})

	if len(a.noVotes) != 1 {
		t.Error("expected targeted node to receive the no-vote")
	}
	if len(bb.noVotes) != 0 {
		t.Error("expected non-targeted node to receive nothing")
	}
}

func TestInProcessBus_UnregisterStopsDelivery(t *testing.T) {
	b := NewInProcessBus()
	a := &recordingPeer{}
	b.Register("a", inlineScheduler{}, a, nil)
	b.Unregister("a")

	b.Send(nil, peer.Message{Sender: peer.Identity{Name: "other"}})

	if len(a.received) != 0 {
		t.Error("expected unregistered node to receive nothing")
	}
}
