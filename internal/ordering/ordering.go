// Package ordering assigns and enforces the total delivery order:
// monotonic sequence numbers on the leader, gap-buffering and
// idempotent in-order delivery on every peer.
package ordering

import (
	"sync"
	"time"

	"chatlog/internal/wire"
)

// DeliverFunc is invoked exactly once per distinct (seq_no, term),
// strictly in increasing seq_no order, whenever a message becomes
// ready for delivery.
type DeliverFunc func(wire.DeliveredMessage)

// Ordering holds the per-peer sequencing state described in the data
// model: last_seq, next_expected_seq, the out-of-order buffer, and
// the idempotence set.
type Ordering struct {
	mu sync.Mutex

	lastSeq         int64
	nextExpectedSeq int64
	buffer          map[int64]wire.DeliveredMessage
	delivered       map[wire.DeliveryKey]struct{}

	deliver DeliverFunc
}

func New(deliver DeliverFunc) *Ordering {
	return &Ordering{
		nextExpectedSeq: 1,
		buffer:          make(map[int64]wire.DeliveredMessage),
		delivered:       make(map[wire.DeliveryKey]struct{}),
		deliver:         deliver,
	}
}

// SeedFromRecovery primes state from a storage replay: advances
// last_seq/next_expected_seq and marks every recovered message as
// already delivered, without re-invoking the delivery callback.
func (o *Ordering) SeedFromRecovery(maxSeq int64, messages []wire.DeliveredMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if maxSeq > o.lastSeq {
		o.lastSeq = maxSeq
	}
	if maxSeq+1 > o.nextExpectedSeq {
		o.nextExpectedSeq = maxSeq + 1
	}
	for _, m := range messages {
		o.delivered[m.Key()] = struct{}{}
	}
}

// Assign is the leader path: atomically takes the next sequence
// number under lock and returns the fully formed DeliveredMessage.
func (o *Ordering) Assign(msgID string, sender wire.PeerID, room, text string, term wire.Term, now time.Time) wire.DeliveredMessage {
	o.mu.Lock()
	o.lastSeq++
	seq := o.lastSeq
	o.mu.Unlock()

	return wire.DeliveredMessage{
		SeqNo:     seq,
		Term:      term,
		MsgID:     msgID,
		SenderID:  sender,
		RoomID:    room,
		Text:      text,
		Timestamp: now.UnixMilli(),
	}
}

// Receive is the follower path for an incoming SEQ_CHAT (or a replayed
// CATCHUP_RESP entry): drops stale and duplicate deliveries, buffers
// future ones, and delivers in order, draining the buffer as gaps
// close.
func (o *Ordering) Receive(m wire.DeliveredMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := m.Key()
	if _, seen := o.delivered[key]; seen {
		return
	}
	if m.SeqNo < o.nextExpectedSeq {
		return
	}
	if m.SeqNo > o.nextExpectedSeq {
		o.buffer[m.SeqNo] = m
		return
	}

	o.deliverLocked(m)
	for {
		next, ok := o.buffer[o.nextExpectedSeq]
		if !ok {
			break
		}
		delete(o.buffer, next.SeqNo)
		o.deliverLocked(next)
	}
}

// deliverLocked must be called with o.mu held, and keeps holding it for
// the duration of the deliver callback: two deliveries (e.g. a live
// SEQ_CHAT on one connection and a CATCHUP_RESP replay on another)
// must never be in the callback at the same time, or their storage
// appends can land out of seq_no order and corrupt the on-disk log.
// deliver never re-enters Ordering, so this cannot deadlock.
func (o *Ordering) deliverLocked(m wire.DeliveredMessage) {
	o.delivered[m.Key()] = struct{}{}
	o.nextExpectedSeq = m.SeqNo + 1
	if m.SeqNo > o.lastSeq {
		o.lastSeq = m.SeqNo
	}
	o.deliver(m)
}

// LastSeq returns the highest sequence number observed or assigned.
func (o *Ordering) LastSeq() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSeq
}

// NextExpectedSeq returns the smallest sequence not yet delivered,
// i.e. one past the last contiguous delivery. A CATCHUP_REQ carries
// NextExpectedSeq()-1 as its last_seq.
func (o *Ordering) NextExpectedSeq() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextExpectedSeq
}
