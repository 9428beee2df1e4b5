// Package ring implements zero-copy TX/RX rings over a pluggable slot backing.
//
// A ring is a circular table of fixed-capacity slots shared with a peer
// (the kernel, another process or another goroutine). Ownership of slots is
// tracked with three indices:
//
//   - head: oldest slot not yet released to the peer.
//   - cur:  next slot this side touches.
//   - tail: end of the range currently owned by this side (exclusive).
//
// On a TX ring the owned range holds free slots to fill, on an RX ring it
// holds filled slots to read. Slots move to the peer only on Sync.
//
// Rings are not safe for concurrent use. Each ring is meant to be driven by
// exactly one goroutine, see package runner for the thread-per-ring pattern.
package ring

import "time"

// Slots is the backing store of a single ring.
// Positions are monotonically increasing and reduced modulo NumSlots
// by the implementation.
type Slots interface {
	NumSlots() int
	SlotSize() int

	// Available returns the number of slots owned by this side, counted
	// from the first slot not yet released.
	Available() int

	// Release hands the next n owned slots over to the peer.
	Release(n int)
}

// TxSlots is the backing of a TX ring.
type TxSlots interface {
	Slots

	// Buffer returns the full-capacity buffer of the slot at pos.
	Buffer(pos uint64) []byte

	// SetLength sets the payload length of the slot at pos.
	SetLength(pos uint64, n int)
}

// RxSlots is the backing of an RX ring.
type RxSlots interface {
	Slots

	// Payload returns the filled bytes of the slot at pos.
	// owned reports whether p may be retained after the slot is released.
	Payload(pos uint64) (p []byte, owned bool)
}

// Syncer signals the peer and waits for it.
type Syncer interface {
	// Notify tells the peer that slots were released. It must be
	// idempotent and must not block.
	Notify() error

	// Wait blocks until the peer made progress or timeout elapses.
	// A negative timeout blocks indefinitely. Timing out is not an error.
	Wait(timeout time.Duration) error
}
