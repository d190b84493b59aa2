package peer

import (
	"net"
	"os"
	"testing"
	"time"

	"chatlog/internal/wire"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// newUnstartedPeer constructs a peer bound to a fresh port but does not
// call Start, so the caller can control exactly when it begins
// bootstrapping (e.g. to start several peers at once).
func newUnstartedPeer(t *testing.T, id wire.PeerID, seeds []wire.PeerInfo) *Peer {
	t.Helper()
	dir, err := os.MkdirTemp("", "chatlog-peer-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	port := freePort(t)
	p, err := New(Config{
		Self:              wire.PeerInfo{PeerID: id, Host: "127.0.0.1", Port: port},
		LogDir:            dir,
		HeartbeatInterval: 50 * time.Millisecond,
		LeaderTimeout:     200 * time.Millisecond,
		ElectionTimeout:   100 * time.Millisecond,
		Seeds:             seeds,
	}, Metrics{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func newTestPeer(t *testing.T, id wire.PeerID, seeds []wire.PeerInfo) *Peer {
	t.Helper()
	p := newUnstartedPeer(t, id, seeds)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestStandalonePeerElectsItself(t *testing.T) {
	p := newTestPeer(t, 1, nil)

	waitFor(t, 2*time.Second, func() bool { return p.Status().IsLeader })
}

// TestThreePeerClusterElectsHighestID reproduces the election part of
// spec scenario 1 (no chat messages are submitted here): three
// peers with ids 1, 2, 3 starting at the same time, each seeded with
// the addresses of the other two (so none of them bootstraps against
// an already-elected leader the way a single shared seed would), and
// all three racing into election together on the shared ~2s
// no-leader-learned timeout. The cluster must converge on the highest
// id, 3, as leader.
func TestThreePeerClusterElectsHighestID(t *testing.T) {
	p1 := newUnstartedPeer(t, 1, nil)
	p2 := newUnstartedPeer(t, 2, nil)
	p3 := newUnstartedPeer(t, 3, nil)

	p1.cfg.Seeds = []wire.PeerInfo{p2.cfg.Self, p3.cfg.Self}
	p2.cfg.Seeds = []wire.PeerInfo{p1.cfg.Self, p3.cfg.Self}
	p3.cfg.Seeds = []wire.PeerInfo{p1.cfg.Self, p2.cfg.Self}

	for _, p := range []*Peer{p1, p2, p3} {
		p := p
		go func() {
			if err := p.Start(); err != nil {
				t.Errorf("Start: %v", err)
			}
		}()
	}

	waitFor(t, 5*time.Second, func() bool {
		st := p1.Status()
		return st.HasLeader && st.LeaderID == 3
	})
	waitFor(t, 5*time.Second, func() bool {
		st := p2.Status()
		return st.HasLeader && st.LeaderID == 3
	})
	waitFor(t, 5*time.Second, func() bool {
		st := p3.Status()
		return st.HasLeader && st.LeaderID == 3
	})
}

func TestChatSubmissionDeliversInOrderToAllPeers(t *testing.T) {
	p1 := newTestPeer(t, 1, nil)
	seed1 := p1.cfg.Self
	p2 := newTestPeer(t, 2, []wire.PeerInfo{seed1})

	waitFor(t, 3*time.Second, func() bool { return p1.Status().IsLeader })
	waitFor(t, 3*time.Second, func() bool { return p2.Status().HasLeader })

	p1.SubmitChat("hello")
	p1.SubmitChat("world")

	waitFor(t, 2*time.Second, func() bool { return p1.order.NextExpectedSeq() == 3 })
	waitFor(t, 2*time.Second, func() bool { return p2.order.NextExpectedSeq() == 3 })

	m1, err := p1.log.LoadAll()
	if err != nil {
		t.Fatalf("p1 LoadAll: %v", err)
	}
	m2, err := p2.log.LoadAll()
	if err != nil {
		t.Fatalf("p2 LoadAll: %v", err)
	}
	if len(m1) != 2 || len(m2) != 2 {
		t.Fatalf("got %d/%d messages, want 2/2", len(m1), len(m2))
	}
	for i := range m1 {
		if m1[i].SeqNo != m2[i].SeqNo || m1[i].Text != m2[i].Text {
			t.Fatalf("message %d differs between peers: %+v vs %+v", i, m1[i], m2[i])
		}
	}
}
