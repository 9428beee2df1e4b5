package ring

import "sync/atomic"

// descriptor is the index state of one ring.
// head <= cur <= tail always holds. The indices never wrap, they are
// reduced modulo the slot count only by the backing.
type descriptor struct {
	slots Slots
	head  uint64
	cur   uint64
	tail  uint64
}

func newDescriptor(s Slots) descriptor {
	d := descriptor{slots: s}
	d.refresh()
	return d
}

// refresh re-reads how far the peer lets this side go.
func (d *descriptor) refresh() {
	d.tail = d.head + uint64(d.slots.Available())
}

// advance moves cur forward by n slots without changing ownership.
func (d *descriptor) advance(n int) { d.cur += uint64(n) }

// releaseToPeer hands the first n owned slots to the peer.
func (d *descriptor) releaseToPeer(n int) {
	if n <= 0 {
		return
	}
	d.slots.Release(n)
	d.head += uint64(n)
}

// owned returns the number of slots in [cur, tail).
func (d *descriptor) owned() int { return int(d.tail - d.cur) }

// Stats is a snapshot of a ring's counters.
type Stats struct {
	Packets uint64
	Bytes   uint64
	Syncs   uint64
	// Full counts sends rejected because the ring was full.
	Full uint64
}

// counters are written by the owning goroutine and may be read by others.
type counters struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
	syncs   atomic.Uint64
	full    atomic.Uint64
}

func (c *counters) add(packets, bytes int) {
	c.packets.Add(uint64(packets))
	c.bytes.Add(uint64(bytes))
}

func (c *counters) snapshot() Stats {
	return Stats{
		Packets: c.packets.Load(),
		Bytes:   c.bytes.Load(),
		Syncs:   c.syncs.Load(),
		Full:    c.full.Load(),
	}
}

// syncEngine publishes released slots to the peer and refreshes
// the local view of the peer's progress.
type syncEngine struct {
	d      *descriptor
	syncer Syncer
	stats  *counters
}

// sync releases up to limit staged slots, notifies the peer and refreshes
// tail. Calling it with nothing staged is a cheap no-op for the caller.
func (e *syncEngine) sync(limit uint64) error {
	e.d.releaseToPeer(int(limit - e.d.head))
	e.stats.syncs.Add(1)
	if err := e.syncer.Notify(); err != nil {
		return IoError("notify", err)
	}
	e.d.refresh()
	return nil
}
