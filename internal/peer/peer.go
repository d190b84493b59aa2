// Package peer wires the transport, storage, membership, failure
// detector, election, and ordering components into a single running
// peer process and dispatches every inbound wire message to the
// component that owns it.
package peer

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatlog/internal/election"
	"chatlog/internal/failure"
	"chatlog/internal/logging"
	"chatlog/internal/membership"
	"chatlog/internal/ordering"
	"chatlog/internal/storage"
	"chatlog/internal/transport"
	"chatlog/internal/wire"
)

// Config bundles everything needed to start one peer.
type Config struct {
	Self wire.PeerInfo
	Room string
	// LogDir is the directory holding this peer's append-only log.
	LogDir string

	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration
	ElectionTimeout   time.Duration

	// Seeds, if non-empty, are contacted via JOIN at startup.
	Seeds []wire.PeerInfo
	// PortScanHost/BasePort/Count configure port-scan discovery, used
	// when Seeds is empty.
	PortScanHost  string
	PortScanBase  int
	PortScanCount int
}

func defaults(c Config) Config {
	if c.Room == "" {
		c.Room = wire.DefaultRoom
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 800 * time.Millisecond
	}
	if c.LeaderTimeout == 0 {
		c.LeaderTimeout = 2500 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 2 * time.Second
	}
	return c
}

// Peer is one running cluster member.
type Peer struct {
	cfg Config

	members   *membership.Membership
	transport *transport.Transport
	log       *storage.Log
	order     *ordering.Ordering
	elect     *election.Election
	detector  *failure.Detector

	subsMu sync.Mutex
	subs   map[net.Conn]struct{}

	metrics Metrics
}

// Metrics is the subset of observability hooks the peer calls into;
// implementations live in internal/metrics. A nil field is a no-op.
type Metrics struct {
	MessageDelivered func()
	ElectionStarted  func()
	BecameLeader     func()
	HeartbeatMissed  func()
}

// New constructs a peer and opens its log. Call Start to recover state,
// bind the listener, and begin bootstrapping.
func New(cfg Config, metrics Metrics) (*Peer, error) {
	cfg = defaults(cfg)

	log, err := storage.Open(cfg.LogDir, cfg.Self.PeerID)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		cfg:       cfg,
		members:   membership.New(cfg.Self),
		transport: transport.New(),
		log:       log,
		subs:      make(map[net.Conn]struct{}),
		metrics:   metrics,
	}
	p.order = ordering.New(p.onDeliver)
	p.elect = election.New(cfg.Self.PeerID, cfg.ElectionTimeout, p.members.HigherPriorityPeers, p.members.SetLeader, election.Callbacks{
		SendTo:         p.sendTo,
		BecomeLeader:   p.onBecomeLeader,
		NewCoordinator: p.onNewCoordinator,
	})
	p.detector = failure.New(cfg.HeartbeatInterval, cfg.LeaderTimeout, p.broadcastHeartbeat, p.onLeaderTimeout)
	return p, nil
}

// Start recovers persisted state, binds the listener, and begins
// bootstrapping against seeds or port-scan discovery.
func (p *Peer) Start() error {
	maxSeq, messages, err := p.log.Recover()
	if err != nil {
		return fmt.Errorf("peer: recover log: %w", err)
	}
	p.order.SeedFromRecovery(maxSeq, messages)
	logging.Info("peer %d: recovered %d messages, last_seq=%d", p.cfg.Self.PeerID, len(messages), maxSeq)

	if err := p.transport.Listen(p.cfg.Self.Host, p.cfg.Self.Port, p.dispatch); err != nil {
		return err
	}

	p.joinCluster()
	return nil
}

// Stop halts all periodic tasks and the listener.
func (p *Peer) Stop() {
	p.detector.Stop()
	p.transport.Stop()
	p.log.Close()
}

func (p *Peer) currentTerm() wire.Term {
	return p.elect.CurrentTerm()
}

// Status is a point-in-time snapshot of this peer's role, suitable
// for the ambient diagnostics HTTP surface.
type Status struct {
	PeerID     wire.PeerID
	Term       wire.Term
	IsLeader   bool
	LeaderID   wire.PeerID
	HasLeader  bool
	PeerCount  int
	Membership []wire.PeerInfo
}

// Status returns the current snapshot used by the /health and /peers
// diagnostics endpoints.
func (p *Peer) Status() Status {
	leaderID, hasLeader := p.members.Leader()
	return Status{
		PeerID:     p.cfg.Self.PeerID,
		Term:       p.currentTerm(),
		IsLeader:   p.members.IsLeader(),
		LeaderID:   leaderID,
		HasLeader:  hasLeader,
		PeerCount:  p.members.Count(),
		Membership: p.members.Snapshot(),
	}
}

func (p *Peer) sendTo(target wire.PeerInfo, msg wire.Message) {
	if msg.RoomID == "" {
		msg.RoomID = p.cfg.Room
	}
	p.transport.Send(target.Host, target.Port, msg)
}

func (p *Peer) broadcastHeartbeat() {
	p.transport.Broadcast(p.members.Others(), wire.Message{
		Type: wire.Heartbeat, SenderID: p.cfg.Self.PeerID, Term: p.currentTerm(), RoomID: p.cfg.Room,
	})
	for _, failed := range p.transport.FailedPeers() {
		for _, known := range p.members.Others() {
			if known.Host == failed.Host && known.Port == failed.Port {
				logging.Warn("peer: evicting unreachable peer %d", known.PeerID)
				p.members.Remove(known.PeerID)
			}
		}
	}
}

// joinCluster bootstraps membership via configured seeds, falling
// back to port-scan discovery, and starts an election if nobody
// answers within a bounded window.
func (p *Peer) joinCluster() {
	joinMsg := wire.Message{
		Type: wire.Join, SenderID: p.cfg.Self.PeerID, Term: p.currentTerm(), RoomID: p.cfg.Room,
		Membership: p.members.Snapshot(),
	}

	seeds := p.cfg.Seeds
	if len(seeds) == 0 && p.cfg.PortScanCount > 0 {
		seeds = membership.DiscoverByPortScan(p.cfg.PortScanHost, p.cfg.PortScanBase, p.cfg.PortScanCount, p.cfg.Self.Port, 300*time.Millisecond)
	}

	for _, seed := range seeds {
		// seed's PeerID is not yet known (configured seeds and
		// port-scan discovery both carry only an address); it is
		// learned from the JOIN_ACK membership snapshot, so seeds are
		// not added to membership directly here.
		p.transport.Send(seed.Host, seed.Port, joinMsg)
	}

	if len(seeds) == 0 {
		logging.Info("peer %d: no seeds found, starting standalone election", p.cfg.Self.PeerID)
		p.elect.StartElection()
		return
	}

	time.AfterFunc(2*time.Second, func() {
		if _, ok := p.members.Leader(); !ok {
			logging.Info("peer %d: no leader learned from seeds, starting election", p.cfg.Self.PeerID)
			p.elect.StartElection()
		}
	})
}

func (p *Peer) onBecomeLeader(term wire.Term) {
	p.detector.StartLeader()
	if p.metrics.BecameLeader != nil {
		p.metrics.BecameLeader()
	}
	p.transport.Broadcast(p.members.Others(), wire.Message{
		Type: wire.Coordinator, SenderID: p.cfg.Self.PeerID, Term: term, RoomID: p.cfg.Room,
		Membership: p.members.Snapshot(),
	})
}

func (p *Peer) onNewCoordinator(leader wire.PeerID, term wire.Term) {
	if leader == p.cfg.Self.PeerID {
		return
	}
	p.detector.StartFollower()
	p.requestCatchup(leader)
}

func (p *Peer) onLeaderTimeout() {
	if p.metrics.HeartbeatMissed != nil {
		p.metrics.HeartbeatMissed()
	}
	if p.metrics.ElectionStarted != nil {
		p.metrics.ElectionStarted()
	}
	p.elect.StartElection()
}

func (p *Peer) onDeliver(m wire.DeliveredMessage) {
	if err := p.log.Append(m); err != nil {
		logging.Error("peer: storage append failed for seq %d: %v", m.SeqNo, err)
	}
	if p.metrics.MessageDelivered != nil {
		p.metrics.MessageDelivered()
	}
	p.publishToSubscribers(m)
}

// SubmitChat is the client-facing entry point: assign-and-broadcast if
// this peer is leader, otherwise forward to the current leader.
func (p *Peer) SubmitChat(text string) {
	term := p.currentTerm()
	msgID := uuid.NewString()

	if p.members.IsLeader() {
		m := p.order.Assign(msgID, p.cfg.Self.PeerID, p.cfg.Room, text, term, time.Now())
		p.order.Receive(m)
		p.transport.Broadcast(p.members.Others(), wire.Message{
			Type: wire.SeqChat, SenderID: p.cfg.Self.PeerID, Term: term, RoomID: p.cfg.Room,
			SeqNo: m.SeqNo, MsgID: m.MsgID, Payload: m.Text,
		})
		return
	}

	leaderID, ok := p.members.Leader()
	if !ok {
		logging.Warn("peer: dropping chat submission, no leader known")
		return
	}
	leader, ok := p.members.Get(leaderID)
	if !ok {
		logging.Warn("peer: dropping chat submission, leader %d unknown", leaderID)
		return
	}
	p.transport.Send(leader.Host, leader.Port, wire.Message{
		Type: wire.Chat, SenderID: p.cfg.Self.PeerID, Term: term, RoomID: p.cfg.Room,
		MsgID: msgID, Payload: text,
	})
}

func (p *Peer) requestCatchup(target wire.PeerID) {
	info, ok := p.members.Get(target)
	if !ok {
		return
	}
	p.transport.Send(info.Host, info.Port, wire.Message{
		Type: wire.CatchupReq, SenderID: p.cfg.Self.PeerID, Term: p.currentTerm(), RoomID: p.cfg.Room,
		LastSeq: p.order.NextExpectedSeq() - 1,
	})
}

// dispatch is the transport.Handler: it routes every inbound message
// by type to the owning component.
func (p *Peer) dispatch(msg wire.Message, conn net.Conn) {
	p.elect.AdoptTerm(msg.Term)

	switch msg.Type {
	case wire.Join:
		p.handleJoin(msg, conn)
	case wire.JoinAck:
		p.handleJoinAck(msg)
	case wire.Heartbeat:
		// A heartbeat from a stale term is dropped silently rather than
		// refreshing the timeout clock (a deposed leader's lingering
		// heartbeats must not suppress a new election).
		if msg.Term >= p.currentTerm() {
			p.detector.NoteHeartbeat()
		}
	case wire.Election:
		if sender, ok := p.members.Get(msg.SenderID); ok {
			p.elect.OnElection(sender, msg.Term)
		}
	case wire.ElectionOK:
		p.elect.OnElectionOK(msg.Term)
	case wire.Coordinator:
		p.members.UpdateFromSnapshot(msg.Membership)
		p.elect.OnCoordinator(msg.SenderID, msg.Term)
	case wire.Chat:
		p.handleChatFromClientOrPeer(msg, conn)
	case wire.SeqChat:
		p.order.Receive(wire.DeliveredMessage{
			SeqNo: msg.SeqNo, Term: msg.Term, MsgID: msg.MsgID,
			SenderID: msg.SenderID, RoomID: msg.Room(), Text: msg.Payload,
			Timestamp: time.Now().UnixMilli(),
		})
	case wire.CatchupReq:
		p.handleCatchupReq(msg, conn)
	case wire.CatchupResp:
		for _, m := range msg.Catchup {
			p.order.Receive(m)
		}
	}
}

func (p *Peer) handleJoin(msg wire.Message, conn net.Conn) {
	p.members.UpdateFromSnapshot(msg.Membership)
	if sender, ok := findSelf(msg.SenderID, msg.Membership); ok {
		p.members.Add(sender)
	}

	leaderID, hasLeader := p.members.Leader()
	reply := wire.Message{
		Type: wire.JoinAck, SenderID: p.cfg.Self.PeerID, Term: p.currentTerm(), RoomID: p.cfg.Room,
		Membership: p.members.Snapshot(),
	}
	if hasLeader {
		reply.LeaderID = leaderID
	}
	writeDirect(conn, reply)

	if p.members.IsLeader() {
		if joiner, ok := findSelf(msg.SenderID, msg.Membership); ok {
			p.transport.Send(joiner.Host, joiner.Port, wire.Message{
				Type: wire.Coordinator, SenderID: p.cfg.Self.PeerID, Term: p.currentTerm(), RoomID: p.cfg.Room,
				Membership: p.members.Snapshot(),
			})
		}
	}
}

func findSelf(id wire.PeerID, list []wire.PeerInfo) (wire.PeerInfo, bool) {
	for _, p := range list {
		if p.PeerID == id {
			return p, true
		}
	}
	return wire.PeerInfo{}, false
}

func (p *Peer) handleJoinAck(msg wire.Message) {
	p.members.UpdateFromSnapshot(msg.Membership)
	if msg.LeaderID != 0 {
		p.members.SetLeader(msg.LeaderID)
		if msg.LeaderID != p.cfg.Self.PeerID {
			p.detector.StartFollower()
			p.requestCatchup(msg.LeaderID)
		}
	}
}

func (p *Peer) handleChatFromClientOrPeer(msg wire.Message, conn net.Conn) {
	p.registerSubscriber(conn)

	if p.members.IsLeader() {
		m := p.order.Assign(msg.MsgID, msg.SenderID, msg.Room(), msg.Payload, p.currentTerm(), time.Now())
		p.order.Receive(m)
		p.transport.Broadcast(p.members.Others(), wire.Message{
			Type: wire.SeqChat, SenderID: p.cfg.Self.PeerID, Term: p.currentTerm(), RoomID: p.cfg.Room,
			SeqNo: m.SeqNo, MsgID: m.MsgID, Payload: m.Text,
		})
		return
	}

	leaderID, ok := p.members.Leader()
	if !ok {
		logging.Warn("peer: no leader known, dropping forwarded chat")
		return
	}
	leader, ok := p.members.Get(leaderID)
	if !ok {
		return
	}
	p.transport.Send(leader.Host, leader.Port, msg)
}

func (p *Peer) handleCatchupReq(msg wire.Message, conn net.Conn) {
	entries, err := p.log.GetAfter(msg.LastSeq)
	if err != nil {
		logging.Error("peer: catchup read failed: %v", err)
		return
	}
	writeDirect(conn, wire.Message{
		Type: wire.CatchupResp, SenderID: p.cfg.Self.PeerID, Term: p.currentTerm(), RoomID: p.cfg.Room,
		Catchup: entries,
	})
}

func (p *Peer) registerSubscriber(conn net.Conn) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.subs[conn] = struct{}{}
}

func (p *Peer) publishToSubscribers(m wire.DeliveredMessage) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if len(p.subs) == 0 {
		return
	}
	msg := wire.Message{
		Type: wire.SeqChat, SenderID: m.SenderID, Term: m.Term, RoomID: m.RoomID,
		SeqNo: m.SeqNo, MsgID: m.MsgID, Payload: m.Text,
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	encoded = append(encoded, '\n')
	for conn := range p.subs {
		if _, err := conn.Write(encoded); err != nil {
			delete(p.subs, conn)
		}
	}
}

// writeDirect replies on the connection a message arrived on, used for
// JOIN_ACK and CATCHUP_RESP which are point-to-point replies rather
// than cached-connection sends.
func writeDirect(conn net.Conn, msg wire.Message) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	encoded = append(encoded, '\n')
	conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	conn.Write(encoded)
}
