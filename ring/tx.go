package ring

import (
	"fmt"
	"sync/atomic"
	"time"
	"weak"
)

// TxRing is the sending end of a ring.
//
// WARNING: TxRing is not safe for concurrent use.
type TxRing struct {
	index  int
	slots  TxSlots
	d      descriptor
	engine syncEngine
	stats  counters
	sizes  []int // payload sizes of the open reservation
	closed atomic.Bool

	// The ring does not keep an open reservation alive. A reservation
	// that becomes unreachable unfinished is rolled back on the next
	// operation.
	res      weak.Pointer[Reservation]
	resOpen  bool
	resStart uint64
}

// NewTxRing wraps a TX backing. index identifies the ring within its port.
func NewTxRing(index int, s TxSlots, sy Syncer) *TxRing {
	r := &TxRing{index: index, slots: s, d: newDescriptor(s)}
	r.engine = syncEngine{d: &r.d, syncer: sy, stats: &r.stats}
	return r
}

// Index returns the ring's index within its port.
func (r *TxRing) Index() int { return r.index }

// MaxPayloadSize returns the largest payload a single slot can carry.
func (r *TxRing) MaxPayloadSize() int { return r.slots.SlotSize() }

// NumSlots returns the ring size.
func (r *TxRing) NumSlots() int { return r.slots.NumSlots() }

// Free returns the number of slots that can be filled before the next Sync.
func (r *TxRing) Free() int {
	r.pending()
	return r.d.owned()
}

// Pending returns the number of filled slots not yet released to the peer.
func (r *TxRing) Pending() int {
	r.pending()
	return int(r.d.cur - r.d.head)
}

// pending reports whether a reservation is still open, rolling back one
// that was dropped without Commit or Rollback.
func (r *TxRing) pending() bool {
	if !r.resOpen {
		return false
	}
	if r.res.Value() != nil {
		return true
	}
	r.finish()
	r.d.cur = r.resStart
	return false
}

func (r *TxRing) finish() {
	r.resOpen = false
	r.res = weak.Pointer[Reservation]{}
}

func (r *TxRing) check() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.pending() {
		return fmt.Errorf("%w: batch reservation in progress", ErrWouldBlock)
	}
	return nil
}

// reserve makes sure n slots are free, refreshing tail once if needed.
func (r *TxRing) reserve(n int) error {
	if r.d.owned() < n {
		r.d.refresh()
		if r.d.owned() < n {
			r.stats.full.Add(1)
			return ErrInsufficientSpace
		}
	}
	return nil
}

// Send copies p into the next free slot. The packet becomes visible to
// the peer on the next Sync.
// Returns ErrPacketTooLarge if p does not fit a slot and
// ErrInsufficientSpace if the ring is full.
func (r *TxRing) Send(p []byte) error {
	if err := r.check(); err != nil {
		return err
	}
	if limit := r.slots.SlotSize(); len(p) > limit {
		return tooLarge(len(p), limit)
	}
	if err := r.reserve(1); err != nil {
		return err
	}
	pos := r.d.cur
	n := copy(r.slots.Buffer(pos), p)
	r.slots.SetLength(pos, n)
	r.d.advance(1)
	r.stats.add(1, n)
	return nil
}

// ReserveBatch claims n free slots. The reservation must be finished
// with Commit or Rollback before any other TX operation on the ring.
// A reservation dropped unfinished is rolled back once the garbage
// collector reclaims it. Fails with ErrInsufficientSpace, leaving the ring untouched, if fewer
// than n slots are free.
func (r *TxRing) ReserveBatch(n int) (*Reservation, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: batch of %d slots", ErrInvalidRingIndex, n)
	}
	if err := r.reserve(n); err != nil {
		return nil, err
	}
	start := r.d.cur
	for i := range uint64(n) {
		r.slots.SetLength(start+i, 0)
	}
	if cap(r.sizes) < n {
		r.sizes = make([]int, n)
	} else {
		r.sizes = r.sizes[:n]
		clear(r.sizes)
	}
	r.d.advance(n)
	res := &Reservation{ring: r, start: start, n: n}
	r.res = weak.Make(res)
	r.resOpen = true
	r.resStart = start
	return res, nil
}

// SendBatch reserves n slots, lets fill write them and commits.
// If fill returns an error the reservation is rolled back.
// fill may finish the reservation itself.
func (r *TxRing) SendBatch(n int, fill func(*Reservation) error) error {
	res, err := r.ReserveBatch(n)
	if err != nil {
		return err
	}
	defer res.Rollback()
	if err := fill(res); err != nil {
		return err
	}
	if !res.done {
		res.Commit()
	}
	return nil
}

// Sync releases all sent and committed slots to the peer and refreshes
// the number of free slots. Syncing with nothing pending is harmless.
func (r *TxRing) Sync() error {
	if r.closed.Load() {
		return ErrClosed
	}
	limit := r.d.cur
	if r.pending() {
		limit = r.resStart
	}
	return r.engine.sync(limit)
}

// Wait blocks until the peer frees slots or timeout elapses.
// A negative timeout blocks indefinitely.
func (r *TxRing) Wait(timeout time.Duration) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return IoError("wait", r.engine.syncer.Wait(timeout))
}

// Stats returns a snapshot of the ring's counters.
// It is safe to call from any goroutine.
func (r *TxRing) Stats() Stats { return r.stats.snapshot() }

// Close invalidates the ring. It does not release the backing, that is
// owned by the port the ring belongs to.
func (r *TxRing) Close() error {
	r.closed.Store(true)
	return nil
}
