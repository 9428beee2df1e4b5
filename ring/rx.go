package ring

import (
	"sync/atomic"
	"time"
)

// RxRing is the receiving end of a ring.
//
// WARNING: RxRing is not safe for concurrent use.
type RxRing struct {
	index  int
	slots  RxSlots
	d      descriptor
	engine syncEngine
	stats  counters
	lease  lease
	closed atomic.Bool
}

// NewRxRing wraps an RX backing. index identifies the ring within its port.
func NewRxRing(index int, s RxSlots, sy Syncer) *RxRing {
	r := &RxRing{index: index, slots: s, d: newDescriptor(s)}
	r.engine = syncEngine{d: &r.d, syncer: sy, stats: &r.stats}
	return r
}

// Index returns the ring's index within its port.
func (r *RxRing) Index() int { return r.index }

// NumSlots returns the ring size.
func (r *RxRing) NumSlots() int { return r.slots.NumSlots() }

// MaxPayloadSize returns the largest payload a single slot can carry.
func (r *RxRing) MaxPayloadSize() int { return r.slots.SlotSize() }

// Available returns the number of frames ready to be received.
// It re-reads the peer's progress if the local view is drained.
func (r *RxRing) Available() int {
	if r.closed.Load() {
		return 0
	}
	if r.d.owned() == 0 {
		r.d.refresh()
	}
	return r.d.owned()
}

// Recv returns the oldest unread frame. ok is false if the ring is drained,
// which is the normal idle state and not an error. A closed ring reads as
// drained; its Sync and Wait report ErrClosed.
//
// The slot is released to the peer on the next Sync. A borrowed frame
// must not be used after that.
func (r *RxRing) Recv() (f Frame, ok bool) {
	if r.Available() == 0 {
		return Frame{}, false
	}
	return r.next(), true
}

// RecvBatch fills dst with up to len(dst) frames and returns the count.
// Like Recv it returns 0 on a closed ring.
func (r *RxRing) RecvBatch(dst []Frame) int {
	n := min(len(dst), r.Available())
	for i := range n {
		dst[i] = r.next()
	}
	return n
}

func (r *RxRing) next() Frame {
	p, owned := r.slots.Payload(r.d.cur)
	r.d.advance(1)
	r.stats.add(1, len(p))
	if owned {
		return OwnedFrame(p)
	}
	return borrowedFrame(p, &r.lease)
}

// Sync releases every frame returned so far to the peer and picks up
// newly arrived ones. Borrowed frames returned before Sync expire.
// Unread slots are never released.
func (r *RxRing) Sync() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.d.cur != r.d.head {
		r.lease.expire()
	}
	return r.engine.sync(r.d.cur)
}

// Wait blocks until frames arrive or timeout elapses.
// A negative timeout blocks indefinitely. Call Sync afterwards.
func (r *RxRing) Wait(timeout time.Duration) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return IoError("wait", r.engine.syncer.Wait(timeout))
}

// Stats returns a snapshot of the ring's counters.
// It is safe to call from any goroutine.
func (r *RxRing) Stats() Stats { return r.stats.snapshot() }

// Close invalidates the ring and every borrowed frame it handed out.
func (r *RxRing) Close() error {
	if !r.closed.Swap(true) {
		r.lease.expire()
	}
	return nil
}
