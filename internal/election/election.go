// Package election implements the Bully leader-election algorithm: the
// highest-id live peer always wins, ties are impossible because peer
// ids are unique, and at most one peer declares itself coordinator per
// term.
package election

import (
	"sync"
	"time"

	"chatlog/internal/logging"
	"chatlog/internal/wire"
)

type state int

const (
	idle state = iota
	campaigning
	deferring
)

// Callbacks is the set of notifications the election state machine
// delivers back to the owning orchestrator.
type Callbacks struct {
	// SendTo sends msg to one peer.
	SendTo func(p wire.PeerInfo, msg wire.Message)
	// BecomeLeader is invoked once this peer declares itself
	// coordinator for the returned term.
	BecomeLeader func(term wire.Term)
	// NewCoordinator is invoked when a COORDINATOR message names
	// someone else as leader for the given term.
	NewCoordinator func(leader wire.PeerID, term wire.Term)
}

// Election is the per-peer Bully state machine. Its mutex guards the
// current term and the IDLE/CAMPAIGNING/DEFERRING state; membership is
// consulted through the higherPeers and setLeader functions.
type Election struct {
	mu    sync.Mutex
	self  wire.PeerID
	state state

	currentTerm wire.Term
	receivedOK  bool
	timeout     time.Duration

	higherPeers func() []wire.PeerInfo
	setLeader   func(wire.PeerID)

	cb Callbacks

	timer *time.Timer
}

func New(self wire.PeerID, timeout time.Duration, higherPeers func() []wire.PeerInfo, setLeader func(wire.PeerID), cb Callbacks) *Election {
	return &Election{
		self:        self,
		state:       idle,
		timeout:     timeout,
		higherPeers: higherPeers,
		setLeader:   setLeader,
		cb:          cb,
	}
}

// CurrentTerm returns the election's view of the current term.
func (e *Election) CurrentTerm() wire.Term {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTerm
}

// AdoptTerm raises currentTerm to term if term is higher, the action
// taken whenever any message arrives with a higher term.
func (e *Election) AdoptTerm(term wire.Term) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if term > e.currentTerm {
		e.currentTerm = term
	}
}

// StartElection begins a campaign: increment the term, send ELECTION
// to every higher-id peer, and arm the resolution timer. If there are
// no higher-id peers this peer becomes coordinator immediately.
func (e *Election) StartElection() {
	e.mu.Lock()
	if e.state == campaigning {
		e.mu.Unlock()
		return
	}
	e.state = campaigning
	e.receivedOK = false
	e.currentTerm++
	term := e.currentTerm
	e.mu.Unlock()

	higher := e.higherPeers()
	logging.Info("election: starting campaign for term %d, %d higher peers", term, len(higher))
	if len(higher) == 0 {
		e.becomeCoordinator(term)
		return
	}

	for _, p := range higher {
		e.cb.SendTo(p, wire.Message{Type: wire.Election, SenderID: e.self, Term: term})
	}

	e.mu.Lock()
	e.timer = time.AfterFunc(e.timeout, func() { e.onTimeout(term) })
	e.mu.Unlock()
}

func (e *Election) onTimeout(term wire.Term) {
	e.mu.Lock()
	if e.state != campaigning || e.currentTerm != term {
		e.mu.Unlock()
		return
	}
	gotOK := e.receivedOK
	e.mu.Unlock()

	if gotOK {
		e.mu.Lock()
		e.state = deferring
		e.mu.Unlock()
		return
	}
	e.becomeCoordinator(term)
}

func (e *Election) becomeCoordinator(term wire.Term) {
	e.mu.Lock()
	e.state = idle
	e.mu.Unlock()

	e.setLeader(e.self)
	logging.Info("election: becoming coordinator for term %d", term)
	e.cb.BecomeLeader(term)
}

// OnElection handles an incoming ELECTION from sender. If sender has a
// lower id we owe it an ELECTION_OK reply and must start our own
// campaign if not already running.
func (e *Election) OnElection(sender wire.PeerInfo, term wire.Term) {
	e.AdoptTerm(term)
	if sender.PeerID >= e.self {
		return
	}
	e.cb.SendTo(sender, wire.Message{Type: wire.ElectionOK, SenderID: e.self, Term: e.CurrentTerm()})

	e.mu.Lock()
	alreadyCampaigning := e.state == campaigning
	e.mu.Unlock()
	if !alreadyCampaigning {
		e.StartElection()
	}
}

// OnElectionOK records that a higher peer is alive and will announce
// itself; this peer should defer once its timer resolves.
func (e *Election) OnElectionOK(term wire.Term) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == campaigning && term == e.currentTerm {
		e.receivedOK = true
	}
}

// OnCoordinator handles an incoming COORDINATOR announcement. Any
// term at least as high as current is accepted and cancels a running
// campaign.
func (e *Election) OnCoordinator(sender wire.PeerID, term wire.Term) {
	e.mu.Lock()
	if term < e.currentTerm {
		e.mu.Unlock()
		return
	}
	e.currentTerm = term
	e.state = idle
	e.mu.Unlock()

	e.setLeader(sender)
	e.cb.NewCoordinator(sender, term)
}
