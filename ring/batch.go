package ring

import "fmt"

// Reservation is an exclusive claim on a contiguous run of TX slots.
// It must be finished with exactly one Commit or Rollback. An unfinished
// reservation that is dropped is rolled back after garbage collection.
// Rollback after Commit is a no-op, so the usual pattern is:
//
//	res, err := tx.ReserveBatch(n)
//	if err != nil {
//		return err
//	}
//	defer res.Rollback()
//	// fill res.Packet(i, size) ...
//	res.Commit()
type Reservation struct {
	ring  *TxRing
	start uint64
	n     int
	done  bool
}

// Len returns the number of reserved slots.
func (r *Reservation) Len() int { return r.n }

// Packet returns a writable buffer of size bytes for the i-th reserved slot.
// The slot's length is set to size. Slots never requested through Packet
// are sent with zero length.
func (r *Reservation) Packet(i, size int) ([]byte, error) {
	if r.done {
		return nil, fmt.Errorf("%w: reservation already finished", ErrWouldBlock)
	}
	if r.ring.closed.Load() {
		return nil, ErrClosed
	}
	if i < 0 || i >= r.n {
		return nil, fmt.Errorf("%w: slot %d of %d", ErrInvalidRingIndex, i, r.n)
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative packet size %d", ErrInvalidRingIndex, size)
	}
	if limit := r.ring.slots.SlotSize(); size > limit {
		return nil, tooLarge(size, limit)
	}
	pos := r.start + uint64(i)
	r.ring.slots.SetLength(pos, size)
	r.ring.sizes[i] = size
	return r.ring.slots.Buffer(pos)[:size], nil
}

// Commit makes all reserved slots sendable at once. They are released to
// the peer on the next Sync. Committing twice panics.
func (r *Reservation) Commit() {
	if r.done {
		panic("ring: reservation committed twice")
	}
	r.done = true
	r.ring.finish()
	var bytes int
	for _, n := range r.ring.sizes {
		bytes += n
	}
	r.ring.stats.add(r.n, bytes)
}

// Rollback returns all reserved slots to the ring as if the reservation
// never happened. It is a no-op once the reservation is finished.
func (r *Reservation) Rollback() {
	if r.done {
		return
	}
	r.done = true
	r.ring.finish()
	r.ring.d.cur = r.start
}
