package membership

import (
	"testing"

	"chatlog/internal/wire"
)

func TestSelfAlwaysPresent(t *testing.T) {
	self := wire.PeerInfo{PeerID: 1, Host: "localhost", Port: 5000}
	m := New(self)

	if got, ok := m.Get(1); !ok || got != self {
		t.Fatalf("Get(self) = %v, %v; want %v, true", got, ok, self)
	}
	m.Remove(1)
	if _, ok := m.Get(1); !ok {
		t.Fatal("Remove must not evict self")
	}
}

func TestHigherPriorityPeers(t *testing.T) {
	m := New(wire.PeerInfo{PeerID: 2})
	m.Add(wire.PeerInfo{PeerID: 1})
	m.Add(wire.PeerInfo{PeerID: 3})
	m.Add(wire.PeerInfo{PeerID: 5})

	higher := m.HigherPriorityPeers()
	if len(higher) != 2 {
		t.Fatalf("HigherPriorityPeers() returned %d peers, want 2", len(higher))
	}
	for _, p := range higher {
		if p.PeerID <= 2 {
			t.Fatalf("HigherPriorityPeers() included peer %d, which is not higher than self (2)", p.PeerID)
		}
	}
}

func TestUpdateFromSnapshotNeverRemoves(t *testing.T) {
	m := New(wire.PeerInfo{PeerID: 1})
	m.Add(wire.PeerInfo{PeerID: 2, Host: "a", Port: 1})

	m.UpdateFromSnapshot([]wire.PeerInfo{{PeerID: 3, Host: "b", Port: 2}})

	if _, ok := m.Get(2); !ok {
		t.Fatal("UpdateFromSnapshot removed a peer not present in the snapshot")
	}
	if _, ok := m.Get(3); !ok {
		t.Fatal("UpdateFromSnapshot did not add the new peer")
	}
}

func TestLeaderTracking(t *testing.T) {
	m := New(wire.PeerInfo{PeerID: 1})
	if _, ok := m.Leader(); ok {
		t.Fatal("Leader() should report unknown before SetLeader is called")
	}
	m.SetLeader(1)
	if !m.IsLeader() {
		t.Fatal("IsLeader() should be true once self is set as leader")
	}
	m.SetLeader(2)
	if m.IsLeader() {
		t.Fatal("IsLeader() should be false once another peer is leader")
	}
}
