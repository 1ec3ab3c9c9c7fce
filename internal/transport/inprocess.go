package transport

import (
	"sync"

	"attrd/internal/election"
	"attrd/internal/peer"
)

// Scheduler is the single-cooperative-task submit point each registered
// node runs its own loop on (§5) — delivery always crosses back onto the
// receiving node's own loop rather than running on the sender's goroutine.
type Scheduler interface {
	Submit(func())
}

// PeerInbound is satisfied by peer.Handler.
type PeerInbound interface {
	HandleInbound(msg peer.Message) error
}

// ElectionInbound is satisfied by election.Election.
type ElectionInbound interface {
	HandleVote(v election.Vote) error
	HandleNoVote(nv election.NoVote)
}

type node struct {
	scheduler Scheduler
	peer      PeerInbound
	election  ElectionInbound
}

// InProcessBus wires multiple attrd instances running in the same process
// together, used for tests and for a stand-alone multi-instance harness.
// It implements peer.Bus and election.Bus.
type InProcessBus struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

// NewInProcessBus constructs an empty bus. Register each participating
// node before starting its election/writer activity.
func NewInProcessBus() *InProcessBus {
	return &InProcessBus{nodes: make(map[string]*node)}
}

// Register binds name to the scheduler and inbound handlers that should
// receive messages and votes addressed to it.
func (b *InProcessBus) Register(name string, scheduler Scheduler, peerHandler PeerInbound, electionHandler ElectionInbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[name] = &node{scheduler: scheduler, peer: peerHandler, election: electionHandler}
}

// Unregister removes name, e.g. on peer departure.
func (b *InProcessBus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, name)
}

// Send implements peer.Bus.
func (b *InProcessBus) Send(target *peer.Identity, msg peer.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if target != nil {
		n, ok := b.nodes[target.Name]
		if !ok {
			return nil
		}
		b.deliverMessage(n, msg)
		return nil
	}
	for name, n := range b.nodes {
		if name == msg.Sender.Name {
			continue
		}
		b.deliverMessage(n, msg)
	}
	return nil
}

func (b *InProcessBus) deliverMessage(n *node, msg peer.Message) {
	n.scheduler.Submit(func() { n.peer.HandleInbound(msg) })
}

// SendVote implements election.Bus, broadcasting v to every registered
// node but the candidate itself.
func (b *InProcessBus) SendVote(v election.Vote) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, n := range b.nodes {
		if name == v.Candidate.Name {
			continue
		}
		nCopy := n
		nCopy.scheduler.Submit(func() { nCopy.election.HandleVote(v) })
	}
	return nil
}

// SendNoVote implements election.Bus.
func (b *InProcessBus) SendNoVote(target peer.Identity, nv election.NoVote) error {
	b.mu.RLock()
	n, ok := b.nodes[target.Name]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	n.scheduler.Submit(func() { n.election.HandleNoVote(nv) })
	return nil
}
