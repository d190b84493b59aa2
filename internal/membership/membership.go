// Package membership tracks the set of known peers and the current
// leader, and provides the TCP port-scan discovery helper used for
// bootstrap. Seed-based bootstrap (JOIN to configured seeds) is done by
// the peer orchestrator.
package membership

import (
	"sync"
	"time"

	"chatlog/internal/transport"
	"chatlog/internal/wire"
)

// Membership is the in-memory peer registry. Self is always present
// and is never removed.
type Membership struct {
	mu       sync.RWMutex
	self     wire.PeerInfo
	peers    map[wire.PeerID]wire.PeerInfo
	leaderID wire.PeerID
	hasLeader bool
}

func New(self wire.PeerInfo) *Membership {
	m := &Membership{
		peers: make(map[wire.PeerID]wire.PeerInfo),
	}
	m.peers[self.PeerID] = self
	m.self = self
	return m
}

func (m *Membership) Self() wire.PeerInfo {
	return m.self
}

// Add registers or overwrites a peer's address.
func (m *Membership) Add(p wire.PeerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.PeerID] = p
}

// Remove evicts a peer from the registry, e.g. after it crosses the
// transport's failure threshold.
func (m *Membership) Remove(id wire.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == m.self.PeerID {
		return
	}
	delete(m.peers, id)
}

func (m *Membership) Get(id wire.PeerID) (wire.PeerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// All returns every known peer, including self.
func (m *Membership) All() []wire.PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wire.PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// Others returns every known peer except self.
func (m *Membership) Others() []wire.PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wire.PeerInfo, 0, len(m.peers))
	for id, p := range m.peers {
		if id == m.self.PeerID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// HigherPriorityPeers returns known peers with a PeerID greater than
// self's, the candidate set an election sends ELECTION to.
func (m *Membership) HigherPriorityPeers() []wire.PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wire.PeerInfo, 0)
	for id, p := range m.peers {
		if id > m.self.PeerID {
			out = append(out, p)
		}
	}
	return out
}

// SetLeader records the current leader id.
func (m *Membership) SetLeader(id wire.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaderID = id
	m.hasLeader = true
}

// Leader returns the current leader, if known.
func (m *Membership) Leader() (wire.PeerID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaderID, m.hasLeader
}

// IsLeader reports whether self is the current leader.
func (m *Membership) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasLeader && m.leaderID == m.self.PeerID
}

// Snapshot returns the full PeerInfo list, suitable for carrying in a
// JOIN or JOIN_ACK message's membership field.
func (m *Membership) Snapshot() []wire.PeerInfo {
	return m.All()
}

// UpdateFromSnapshot merges a received membership list, adding any
// peer not already known. It never removes entries.
func (m *Membership) UpdateFromSnapshot(list []wire.PeerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range list {
		if _, ok := m.peers[p.PeerID]; !ok {
			m.peers[p.PeerID] = p
		}
	}
}

// Count returns the number of known peers, including self.
func (m *Membership) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// DiscoverByPortScan probes host on each port in [basePort, basePort+count)
// other than self's own port, with a short per-attempt timeout, and
// returns those that accept a connection. This is the port-scan
// bootstrap strategy used when no seed list is configured.
func DiscoverByPortScan(host string, basePort, count int, selfPort int, timeout time.Duration) []wire.PeerInfo {
	var found []wire.PeerInfo
	for port := basePort; port < basePort+count; port++ {
		if port == selfPort {
			continue
		}
		if transport.Probe(host, port, timeout) {
			found = append(found, wire.PeerInfo{Host: host, Port: port})
		}
	}
	return found
}
