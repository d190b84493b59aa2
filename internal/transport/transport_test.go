package transport

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
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

func TestSendAndReceiveRoundTrip(t *testing.T) {
	portB := freePort(t)

	var mu sync.Mutex
	var received []wire.Message

	b := New()
	if err := b.Listen("127.0.0.1", portB, func(msg wire.Message, conn net.Conn) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Stop()

	a := New()
	defer a.Stop()

	ok := a.Send("127.0.0.1", portB, wire.Message{Type: wire.Heartbeat, SenderID: 1, Term: 1})
	if !ok {
		t.Fatal("Send returned false")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d messages, want 1", len(received))
	}
	if received[0].Type != wire.Heartbeat || received[0].SenderID != 1 {
		t.Fatalf("received %+v, want HEARTBEAT from sender 1", received[0])
	}
}

func TestReplyArrivesOnDialedConnection(t *testing.T) {
	portB := freePort(t)

	b := New()
	if err := b.Listen("127.0.0.1", portB, func(msg wire.Message, conn net.Conn) {
		if msg.Type == wire.Join {
			reply, _ := json.Marshal(wire.Message{Type: wire.JoinAck, SenderID: 99, Term: 1})
			reply = append(reply, '\n')
			conn.Write(reply)
		}
	}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Stop()

	var mu sync.Mutex
	var gotAck bool

	a := New()
	defer a.Stop()
	aPort := freePort(t)
	if err := a.Listen("127.0.0.1", aPort, func(msg wire.Message, conn net.Conn) {
		if msg.Type == wire.JoinAck && msg.SenderID == 99 {
			mu.Lock()
			gotAck = true
			mu.Unlock()
		}
	}); err != nil {
		t.Fatalf("Listen a: %v", err)
	}

	if !a.Send("127.0.0.1", portB, wire.Message{Type: wire.Join, SenderID: 1, Term: 1}) {
		t.Fatal("Send JOIN returned false")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := gotAck
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("JOIN_ACK reply on the dialed connection was never observed by the dialer's handler")
}

func TestProbeDetectsListeningPort(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if !Probe("127.0.0.1", port, 500*time.Millisecond) {
		t.Fatal("Probe() = false for a listening port")
	}
}

func TestProbeFalseForClosedPort(t *testing.T) {
	port := freePort(t) // bound momentarily above then released; nothing listens now
	if Probe("127.0.0.1", port, 200*time.Millisecond) {
		t.Fatal("Probe() = true for a port nothing is listening on")
	}
}

func TestFailedPeersReportsAddressAfterMaxFailures(t *testing.T) {
	port := freePort(t) // nothing listens here; every Send must fail to dial

	a := New()
	defer a.Stop()

	for i := 0; i < MaxFailures; i++ {
		if a.Send("127.0.0.1", port, wire.Message{Type: wire.Heartbeat, SenderID: 1, Term: 1}) {
			t.Fatal("Send returned true for a dead address")
		}
	}

	failed := a.FailedPeers()
	if len(failed) != 1 {
		t.Fatalf("FailedPeers() returned %d entries, want 1: %+v", len(failed), failed)
	}
	if failed[0].Host != "127.0.0.1" || failed[0].Port != port {
		t.Fatalf("FailedPeers() = %+v, want host 127.0.0.1 port %d", failed[0], port)
	}
}
