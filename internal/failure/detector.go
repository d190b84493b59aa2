// Package failure implements heartbeat-based failure detection: a
// leader task that broadcasts HEARTBEAT on a fixed interval, and a
// follower task that watches for silence exceeding a timeout.
package failure

import (
	"sync"
	"time"

	"chatlog/internal/logging"
)

// Detector runs at most one of its two periodic tasks at a time,
// switching when the peer's role changes.
type Detector struct {
	heartbeatInterval time.Duration
	leaderTimeout     time.Duration

	broadcastHeartbeat func()
	onLeaderTimeout    func()

	mu          sync.Mutex
	lastBeat    time.Time
	stopLeader  chan struct{}
	stopFollow  chan struct{}
	wg          sync.WaitGroup
}

func New(heartbeatInterval, leaderTimeout time.Duration, broadcastHeartbeat func(), onLeaderTimeout func()) *Detector {
	return &Detector{
		heartbeatInterval:  heartbeatInterval,
		leaderTimeout:      leaderTimeout,
		broadcastHeartbeat: broadcastHeartbeat,
		onLeaderTimeout:    onLeaderTimeout,
	}
}

// StartLeader begins the periodic HEARTBEAT broadcast. It stops the
// follower task first, if running.
func (d *Detector) StartLeader() {
	d.StopFollower()
	d.mu.Lock()
	if d.stopLeader != nil {
		d.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	d.stopLeader = stop
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.broadcastHeartbeat()
			case <-stop:
				return
			}
		}
	}()
}

// StopLeader halts the heartbeat broadcast task, if running.
func (d *Detector) StopLeader() {
	d.mu.Lock()
	stop := d.stopLeader
	d.stopLeader = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// StartFollower begins watching for heartbeat silence. It stops the
// leader task first, if running.
func (d *Detector) StartFollower() {
	d.StopLeader()
	d.mu.Lock()
	if d.stopFollow != nil {
		d.mu.Unlock()
		return
	}
	d.lastBeat = time.Now()
	stop := make(chan struct{})
	d.stopFollow = stop
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.mu.Lock()
				elapsed := time.Since(d.lastBeat)
				timedOut := elapsed > d.leaderTimeout
				if timedOut {
					// Reset immediately to suppress repeat firing
					// until the next real timeout.
					d.lastBeat = time.Now()
				}
				d.mu.Unlock()
				if timedOut {
					logging.Warn("failure: leader heartbeat timeout after %s", elapsed)
					d.onLeaderTimeout()
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopFollower halts the heartbeat-silence watch, if running.
func (d *Detector) StopFollower() {
	d.mu.Lock()
	stop := d.stopFollow
	d.stopFollow = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// NoteHeartbeat resets the last-seen-heartbeat clock; call this on
// every HEARTBEAT received with a term at least as high as current.
func (d *Detector) NoteHeartbeat() {
	d.mu.Lock()
	d.lastBeat = time.Now()
	d.mu.Unlock()
}

// Stop halts whichever task is running and waits for it to exit.
func (d *Detector) Stop() {
	d.StopLeader()
	d.StopFollower()
	d.wg.Wait()
}
