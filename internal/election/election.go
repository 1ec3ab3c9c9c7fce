// Package election implements the Garcia-Molina "invitation" bully
// election variant described in §4.C: vote/no-vote message exchange,
// uptime/join-instant/node-id tie-breaking, and round timeouts.
package election

import (
	"sync"
	"time"

	"attrd/internal/peer"

	"github.com/sirupsen/logrus"
)

// State is one of the five election states (§4.C).
type State int

const (
	StateStart State = iota
	StateInProgress
	StateLost
	StateWon
	StateError
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateInProgress:
		return "in-progress"
	case StateLost:
		return "lost"
	case StateWon:
		return "won"
	default:
		return "error"
	}
}

// Preference is the tie-breaking tuple: (uptime desc, join instant asc,
// node id asc).
type Preference struct {
	Uptime      time.Duration
	JoinInstant time.Time
	NodeID      uint32
}

// Prefers reports whether p is strictly preferred over other.
func (p Preference) Prefers(other Preference) bool {
	if p.Uptime != other.Uptime {
		return p.Uptime > other.Uptime
	}
	if !p.JoinInstant.Equal(other.JoinInstant) {
		return p.JoinInstant.Before(other.JoinInstant)
	}
	return p.NodeID < other.NodeID
}

// Vote is a candidacy broadcast, identified by a locally unique round
// counter.
type Vote struct {
	Round      uint64
	Candidate  peer.Identity
	Preference Preference
}

// NoVote is a concession reply targeted at the preferred candidate.
type NoVote struct {
	Round     uint64
	From      peer.Identity
	Preferred peer.Identity
}

// Bus is the subset of the cluster messaging layer the election module
// needs (§6.3), scoped to its own two message types.
type Bus interface {
	SendVote(v Vote) error
	SendNoVote(target peer.Identity, nv NoVote) error
}

// Election runs one node's view of the bully protocol. The zero value is
// not usable; construct with New.
type Election struct {
	mu sync.Mutex

	table   *peer.Table
	bus     Bus
	timeout time.Duration
	log     *logrus.Entry

	state   State
	round   uint64
	started time.Time // for computing our own uptime preference
	joined  time.Time

	concessions map[string]bool // names of peers who conceded to us this round
	timer       *time.Timer

	onWon func()
}

// New constructs an Election for this node. joined is this node's cluster
// join instant, used in the preference tuple.
func New(table *peer.Table, bus Bus, timeout time.Duration, joined time.Time, log *logrus.Entry) *Election {
	return &Election{
		table:       table,
		bus:         bus,
		timeout:     timeout,
		log:         log,
		state:       StateStart,
		started:     time.Now(),
		joined:      joined,
		concessions: make(map[string]bool),
	}
}

// SetBus binds the messaging bus after construction, for callers that must
// build the bus from the Election itself (the websocket transport hub
// dispatches inbound votes back to this Election, so it needs an
// ElectionInbound reference before the bus exists).
func (e *Election) SetBus(bus Bus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bus = bus
}

// OnWon registers the callback fired when this node wins an election
// (§4.C: "the daemon triggers a sync followed by a write of all attributes").
func (e *Election) OnWon(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onWon = fn
}

// State returns the current election state.
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// InProgress reports whether a round is currently running.
func (e *Election) InProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateInProgress
}

// IsWriter reports whether this node currently holds the writer role.
func (e *Election) IsWriter() bool {
	return e.State() == StateWon
}

// myPreference computes this node's current preference tuple.
func (e *Election) myPreference() Preference {
	self := e.table.Self()
	return Preference{
		Uptime:      time.Since(e.started),
		JoinInstant: e.joined,
		NodeID:      self.ID,
	}
}

// StartRound begins a new round: broadcasts our own candidacy and arms the
// round timeout. Safe to call when a round is already in progress (it is
// a no-op then, callers should check InProgress first where the spec
// requires it — §4.D.5).
func (e *Election) StartRound() error {
	e.mu.Lock()
	if e.state == StateInProgress {
		e.mu.Unlock()
		return nil
	}
	e.round++
	round := e.round
	e.state = StateInProgress
	e.concessions = make(map[string]bool)
	self := e.table.Self()
	pref := e.myPreference()
	e.armTimeoutLocked()
	e.mu.Unlock()

	if e.log != nil {
		e.log.WithField("round", round).Info("election: starting round")
	}
	return e.bus.SendVote(Vote{Round: round, Candidate: self, Preference: pref})
}

func (e *Election) armTimeoutLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.timeout, e.concludeRound)
}

// HandleVote processes an incoming candidacy (§4.C Transitions).
func (e *Election) HandleVote(v Vote) error {
	e.mu.Lock()
	myPref := e.myPreference()
	preferSelf := myPref.Prefers(v.Preference)
	self := e.table.Self()

	if preferSelf {
		e.round = v.Round + 1
		round := e.round
		e.state = StateInProgress
		e.concessions = make(map[string]bool)
		e.armTimeoutLocked()
		e.mu.Unlock()
		if e.log != nil {
			e.log.WithField("round", round).Info("election: prefer self, starting new round")
		}
		return e.bus.SendVote(Vote{Round: round, Candidate: self, Preference: myPref})
	}

	e.state = StateLost
	e.mu.Unlock()
	if e.log != nil {
		e.log.WithField("preferred", v.Candidate.Name).Info("election: conceding")
	}
	return e.bus.SendNoVote(v.Candidate, NoVote{Round: v.Round, From: self, Preferred: v.Candidate})
}

// HandleNoVote processes a concession reply (§4.C Transitions).
func (e *Election) HandleNoVote(nv NoVote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if nv.Round != e.round || e.state != StateInProgress {
		return // concession for a round we've already moved past
	}
	e.concessions[nv.From.Name] = true
	active := e.table.ActiveCount() - 1 // exclude self
	if active < 0 {
		active = 0
	}
	if len(e.concessions) >= active {
		e.transitionToWonLocked()
	}
}

func (e *Election) transitionToWonLocked() {
	e.state = StateWon
	if e.timer != nil {
		e.timer.Stop()
	}
	fn := e.onWon
	if e.log != nil {
		e.log.Info("election: won")
	}
	if fn != nil {
		go fn()
	}
}

// concludeRound fires on round timeout: the round concludes with whatever
// concessions have arrived (§4.C Timeouts).
func (e *Election) concludeRound() {
	e.mu.Lock()
	if e.state != StateInProgress {
		e.mu.Unlock()
		return
	}
	active := e.table.ActiveCount() - 1
	if active < 0 {
		active = 0
	}
	if len(e.concessions) >= active {
		e.transitionToWonLocked()
		e.mu.Unlock()
		return
	}
	e.state = StateStart
	e.mu.Unlock()
	if e.log != nil {
		e.log.Info("election: round timed out without quorum, returning to start")
	}
}

// Cancel resets the election to start and stops any running timer
// (shutdown or peer-layer disconnect, §4.C Cancellation).
func (e *Election) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.state = StateStart
	e.concessions = make(map[string]bool)
}

// DemoteIfWinning implements peer.WriterDemoter: a sync response from a
// node identifying itself as writer demotes any local belief of winning
// (§4.B Sync).
func (e *Election) DemoteIfWinning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateWon {
		e.state = StateStart
		if e.log != nil {
			e.log.Warn("election: demoted by a peer's sync response claiming writer")
		}
	}
}
