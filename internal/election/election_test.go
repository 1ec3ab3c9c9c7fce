package election

import (
	"testing"
	"time"

	"attrd/internal/peer"
)

type recordingBus struct {
	votes   []Vote
	noVotes []NoVote
}

func (b *recordingBus) SendVote(v Vote) error {
	b.votes = append(b.votes, v)
	return nil
}

func (b *recordingBus) SendNoVote(target peer.Identity, nv NoVote) error {
	b.noVotes = append(b.noVotes, nv)
	return nil
}

func newElection(id uint32, peers ...peer.Identity) (*Election, *recordingBus, *peer.Table) {
	tbl := peer.NewTable(peer.Identity{Name: "this", ID: id})
	for _, p := range peers {
		tbl.Upsert(p)
	}
	bus := &recordingBus{}
	e := New(tbl, bus, 50*time.Millisecond, time.Now(), nil)
	return e, bus, tbl
}

func TestStartRound_BroadcastsVoteAndMovesToInProgress(t *testing.T) {
	e, bus, _ := newElection(1)
	if err := e.StartRound(); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if e.State() != StateInProgress {
		t.Errorf("expected in-progress, got %v", e.State())
	}
	if len(bus.votes) != 1 {
		t.Fatalf("expected 1 vote broadcast, got %d", len(bus.votes))
	}
}

func TestHandleVote_PrefersSelfStartsNewRound(t *testing.T) {
	e, bus, _ := newElection(1)
	// A sender with a worse preference (zero uptime, later join, higher node id).
	err := e.HandleVote(Vote{Round: 1, Candidate: peer.Identity{Name: "peer2", ID: 2}, Preference: Preference{NodeID: 2, JoinInstant: time.Now()}})
	if err != nil {
		t.Fatalf("HandleVote: %v", err)
	}
	if e.State() != StateInProgress {
		t.Errorf("expected in-progress after preferring self, got %v", e.State())
	}
	if len(bus.votes) != 1 {
		t.Errorf("expected this node to broadcast its own vote, got %d", len(bus.votes))
	}
}

func TestHandleVote_ConcedesToBetterCandidate(t *testing.T) {
	e, bus, _ := newElection(5)
	better := peer.Identity{Name: "peer2", ID: 1}
	err := e.HandleVote(Vote{Round: 1, Candidate: better, Preference: Preference{Uptime: time.Hour, NodeID: 1, JoinInstant: time.Now().Add(-time.Hour)}})
	if err != nil {
		t.Fatalf("HandleVote: %v", err)
	}
	if e.State() != StateLost {
		t.Errorf("expected lost, got %v", e.State())
	}
	if len(bus.noVotes) != 1 || bus.noVotes[0].Preferred.Name != "peer2" {
		t.Fatalf("expected a no-vote targeting peer2, got %+v", bus.noVotes)
	}
}

func TestHandleNoVote_QuorumReachesWon(t *testing.T) {
	e, _, _ := newElection(1, peer.Identity{Name: "peer2", ID: 2}, peer.Identity{Name: "peer3", ID: 3})
	won := false
	e.OnWon(func() { won = true })
	if err := e.StartRound(); err != nil {
		t.Fatalf("StartRound: %v", err)
	}

	e.HandleNoVote(NoVote{Round: 1, From: peer.Identity{Name: "peer2"}})
	if e.State() != StateInProgress {
		t.Fatalf("expected still in-progress with partial concessions, got %v", e.State())
	}
	e.HandleNoVote(NoVote{Round: 1, From: peer.Identity{Name: "peer3"}})

	// OnWon fires asynchronously; give it a moment.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.State() == StateWon && won {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if e.State() != StateWon {
		t.Errorf("expected won after full concession quorum, got %v", e.State())
	}
	if !won {
		t.Error("expected OnWon callback invoked")
	}
}

func TestConcludeRound_TimesOutToStartWithoutQuorum(t *testing.T) {
	e, _, _ := newElection(1, peer.Identity{Name: "peer2", ID: 2})
	if err := e.StartRound(); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if e.State() != StateStart {
		t.Errorf("expected round timeout to return to start, got %v", e.State())
	}
}

func TestCancel_ResetsToStart(t *testing.T) {
	e, _, _ := newElection(1, peer.Identity{Name: "peer2", ID: 2})
	e.StartRound()
	e.Cancel()
	if e.State() != StateStart {
		t.Errorf("expected start after cancel, got %v", e.State())
	}
}

func TestDemoteIfWinning(t *testing.T) {
	e, _, _ := newElection(1)
	e.transitionToWonLocked_testHelper()
	e.DemoteIfWinning()
	if e.State() != StateStart {
		t.Errorf("expected demoted to start, got %v", e.State())
	}
}

// transitionToWonLocked_testHelper exists purely to drive the election
// into the Won state for TestDemoteIfWinning without waiting on a full
// concession quorum.
func (e *Election) transitionToWonLocked_testHelper() {
	e.mu.Lock()
	e.state = StateWon
	e.mu.Unlock()
}
