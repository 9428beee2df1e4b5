//go:build linux

package shmpipe

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// Segment layout:
//
//	[header][lane 0]...[lane tx-1][lane tx]...[lane tx+rx-1]
//
// Lanes [0, tx) carry master to peer traffic, the rest peer to master.
// All counters are 64-byte aligned.
const (
	segmentMagic   uint64 = 0x5a4352494e475031 // "ZCRINGP1"
	segmentVersion uint32 = 1

	offMagic     = 0
	offVersion   = 8
	offTxRings   = 12
	offRxRings   = 16
	offSlots     = 20
	offSlotSize  = 24
	offMasterPID = 28
	offPeerPID   = 32
	offReady     = 36
	offAttached  = 40
	offClosed    = 44
	offBells     = 64

	bellSize   = 64
	headerSize = offBells + 4*bellSize

	laneProd = 0
	laneCons = 64
	laneLens = 128
)

// Bells wake the waiting side of a direction.
const (
	bellDataToMaster = iota
	bellDataToPeer
	bellSpaceToMaster
	bellSpaceToPeer
)

func alignTo64(n int) int { return (n + 63) &^ 63 }

type geometry struct {
	txRings, rxRings int // as seen by the master
	slots, slotSize  int
}

func (g geometry) lanes() int { return g.txRings + g.rxRings }

func (g geometry) laneBufs() int { return alignTo64(laneLens + 4*g.slots) }

func (g geometry) laneSize() int { return alignTo64(g.laneBufs() + g.slots*g.slotSize) }

func (g geometry) size() int { return headerSize + g.lanes()*g.laneSize() }

func (g geometry) laneOffset(i int) int { return headerSize + i*g.laneSize() }

// segment is a view over the mapped file.
type segment struct{ mem []byte }

func (s segment) u32(off int) *uint32 { return (*uint32)(unsafe.Pointer(&s.mem[off])) }

func (s segment) u64(off int) *uint64 { return (*uint64)(unsafe.Pointer(&s.mem[off])) }

func (s segment) load32(off int) uint32 { return atomic.LoadUint32(s.u32(off)) }

func (s segment) store32(off int, v uint32) { atomic.StoreUint32(s.u32(off), v) }

func (s segment) geometry() geometry {
	return geometry{
		txRings:  int(s.load32(offTxRings)),
		rxRings:  int(s.load32(offRxRings)),
		slots:    int(s.load32(offSlots)),
		slotSize: int(s.load32(offSlotSize)),
	}
}

func (s segment) init(g geometry, pid int) {
	*s.u64(offMagic) = segmentMagic
	s.store32(offVersion, segmentVersion)
	s.store32(offTxRings, uint32(g.txRings))
	s.store32(offRxRings, uint32(g.rxRings))
	s.store32(offSlots, uint32(g.slots))
	s.store32(offSlotSize, uint32(g.slotSize))
	s.store32(offMasterPID, uint32(pid))
	// Published last, the peer reads nothing before seeing it.
	s.store32(offReady, 1)
}

func (s segment) bell(i int) bell {
	off := offBells + i*bellSize
	return bell{seq: s.u32(off), waiters: s.u32(off + 4)}
}

// bell is a futex-backed wakeup channel living in the segment.
type bell struct {
	seq     *uint32
	waiters *uint32
}

// ring wakes waiters, if there are any. The producer must publish its
// index before calling ring.
func (b bell) ring() error {
	if atomic.LoadUint32(b.waiters) == 0 {
		return nil
	}
	atomic.AddUint32(b.seq, 1)
	return futexWake(b.seq)
}

// wait blocks until ready reports true or timeout elapses.
// A negative timeout blocks indefinitely.
func (b bell) wait(ready func() bool, timeout time.Duration) error {
	if ready() || timeout == 0 {
		return nil
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	atomic.AddUint32(b.waiters, 1)
	defer atomic.AddUint32(b.waiters, ^uint32(0))
	for {
		// Load seq before checking, a ring in between changes it and
		// makes the futex return immediately.
		seq := atomic.LoadUint32(b.seq)
		if ready() {
			return nil
		}
		d := time.Duration(-1)
		if timeout > 0 {
			if d = time.Until(deadline); d <= 0 {
				return nil
			}
		}
		if err := futexWait(b.seq, seq, d); err != nil {
			return err
		}
	}
}

// lane is one SPSC slot table inside the segment.
type lane struct {
	prod     *uint64
	cons     *uint64
	lens     []uint32
	bufs     []byte
	slots    int
	slotSize int
	data     bell // rung by the producer
	space    bell // rung by the consumer
}

func (s segment) lane(g geometry, i int) *lane {
	off := g.laneOffset(i)
	bufs := off + g.laneBufs()
	l := &lane{
		prod:     s.u64(off + laneProd),
		cons:     s.u64(off + laneCons),
		lens:     unsafe.Slice(s.u32(off+laneLens), g.slots),
		bufs:     s.mem[bufs : bufs+g.slots*g.slotSize],
		slots:    g.slots,
		slotSize: g.slotSize,
	}
	if i < g.txRings {
		l.data, l.space = s.bell(bellDataToPeer), s.bell(bellSpaceToMaster)
	} else {
		l.data, l.space = s.bell(bellDataToMaster), s.bell(bellSpaceToPeer)
	}
	return l
}

func (l *lane) index(pos uint64) int { return int(pos % uint64(l.slots)) }

func (l *lane) buf(i int) []byte { return l.bufs[i*l.slotSize : (i+1)*l.slotSize] }

// TxLane is the producing end of a lane.
// It implements ring.TxSlots and ring.Syncer.
type TxLane struct {
	l    *lane
	base uint64 // prod at open time
	head uint64
}

func newTxLane(l *lane) *TxLane {
	p := atomic.LoadUint64(l.prod)
	return &TxLane{l: l, base: p, head: p}
}

func (t *TxLane) NumSlots() int { return t.l.slots }
func (t *TxLane) SlotSize() int { return t.l.slotSize }

func (t *TxLane) Available() int {
	return t.l.slots - int(t.head-atomic.LoadUint64(t.l.cons))
}

func (t *TxLane) Buffer(pos uint64) []byte { return t.l.buf(t.l.index(t.base + pos)) }

func (t *TxLane) SetLength(pos uint64, n int) { t.l.lens[t.l.index(t.base+pos)] = uint32(n) }

func (t *TxLane) Release(n int) {
	t.head += uint64(n)
	atomic.StoreUint64(t.l.prod, t.head)
}

func (t *TxLane) Notify() error { return t.l.data.ring() }

func (t *TxLane) Wait(timeout time.Duration) error {
	return t.l.space.wait(func() bool { return t.Available() > 0 }, timeout)
}

// RxLane is the consuming end of a lane.
// It implements ring.RxSlots and ring.Syncer. Payloads are borrowed
// from the segment.
type RxLane struct {
	l    *lane
	base uint64 // cons at open time
	head uint64
}

func newRxLane(l *lane) *RxLane {
	c := atomic.LoadUint64(l.cons)
	return &RxLane{l: l, base: c, head: c}
}

func (r *RxLane) NumSlots() int { return r.l.slots }
func (r *RxLane) SlotSize() int { return r.l.slotSize }

func (r *RxLane) Available() int {
	return int(atomic.LoadUint64(r.l.prod) - r.head)
}

func (r *RxLane) Payload(pos uint64) ([]byte, bool) {
	i := r.l.index(r.base + pos)
	n := min(int(r.l.lens[i]), r.l.slotSize)
	return r.l.buf(i)[:n], false
}

func (r *RxLane) Release(n int) {
	r.head += uint64(n)
	atomic.StoreUint64(r.l.cons, r.head)
}

func (r *RxLane) Notify() error { return r.l.space.ring() }

func (r *RxLane) Wait(timeout time.Duration) error {
	return r.l.data.wait(func() bool { return r.Available() > 0 }, timeout)
}
