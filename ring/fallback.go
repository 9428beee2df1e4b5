package ring

import (
	"sync/atomic"
	"time"
)

const (
	DefaultFallbackSlots    = 1024
	DefaultFallbackSlotSize = 2048
)

const cacheLineSize = 64

type cachePad [cacheLineSize]byte

// channel is a bounded single-producer single-consumer slot table.
// prod is written only by the TX end, cons only by the RX end.
// Both count slots released and never wrap.
type channel struct {
	_    cachePad
	prod atomic.Uint64
	_    cachePad
	cons atomic.Uint64
	_    cachePad

	slotSize int
	bufs     [][]byte
	lens     []int

	// Coalesced readiness signals, one pending token at most.
	readable chan struct{}
	writable chan struct{}
}

// FallbackTx is the producing end of a fallback channel.
// It implements TxSlots and Syncer.
type FallbackTx struct {
	c    *channel
	base uint64
}

// FallbackRx is the consuming end of a fallback channel.
// It implements RxSlots and Syncer. Received payloads are owned by the
// receiver, the slot gets a fresh buffer on its next use.
type FallbackRx struct {
	c    *channel
	base uint64
}

var (
	_ TxSlots = FallbackTx{}
	_ RxSlots = FallbackRx{}
	_ Syncer  = FallbackTx{}
	_ Syncer  = FallbackRx{}
)

// NewFallback creates the two ends of a software channel with capacity
// slots of slotSize bytes each. Non-positive values select the defaults.
func NewFallback(capacity, slotSize int) (FallbackTx, FallbackRx) {
	if capacity <= 0 {
		capacity = DefaultFallbackSlots
	}
	if slotSize <= 0 {
		slotSize = DefaultFallbackSlotSize
	}
	c := &channel{
		slotSize: slotSize,
		bufs:     make([][]byte, capacity),
		lens:     make([]int, capacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
	return FallbackTx{c: c}, FallbackRx{c: c}
}

// Resume returns an end that continues where the previous user of the
// channel stopped, for a ring that attaches to a channel already in use.
// Slots filled but not released by the previous user are overwritten.
func (e FallbackTx) Resume() FallbackTx { return FallbackTx{c: e.c, base: e.c.prod.Load()} }

// Resume returns an end positioned at the first slot not yet released.
// Slots read but not released by the previous user are delivered again.
func (e FallbackRx) Resume() FallbackRx { return FallbackRx{c: e.c, base: e.c.cons.Load()} }

// NewChannel returns a connected ring pair backed by a software channel.
// Frames received from it are owned.
func NewChannel(capacity, slotSize int) (*TxRing, *RxRing) {
	tx, rx := NewFallback(capacity, slotSize)
	return NewTxRing(0, tx, tx), NewRxRing(0, rx, rx)
}

func (c *channel) slot(pos uint64) int { return int(pos % uint64(len(c.bufs))) }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func waitSignal(ch chan struct{}, ready func() bool, timeout time.Duration) error {
	if ready() || timeout == 0 {
		return nil
	}
	if timeout < 0 {
		for !ready() {
			<-ch
		}
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	for !ready() {
		select {
		case <-ch:
		case <-t.C:
			return nil
		}
	}
	return nil
}

func (e FallbackTx) NumSlots() int { return len(e.c.bufs) }
func (e FallbackTx) SlotSize() int { return e.c.slotSize }

func (e FallbackTx) Available() int {
	return len(e.c.bufs) - int(e.c.prod.Load()-e.c.cons.Load())
}

func (e FallbackTx) Buffer(pos uint64) []byte {
	i := e.c.slot(e.base + pos)
	if e.c.bufs[i] == nil {
		e.c.bufs[i] = make([]byte, e.c.slotSize)
	}
	return e.c.bufs[i][:e.c.slotSize]
}

func (e FallbackTx) SetLength(pos uint64, n int) { e.c.lens[e.c.slot(e.base+pos)] = n }

func (e FallbackTx) Release(n int) { e.c.prod.Add(uint64(n)) }

func (e FallbackTx) Notify() error {
	if e.c.prod.Load() != e.c.cons.Load() {
		signal(e.c.readable)
	}
	return nil
}

func (e FallbackTx) Wait(timeout time.Duration) error {
	return waitSignal(e.c.writable, func() bool { return e.Available() > 0 }, timeout)
}

func (e FallbackRx) NumSlots() int { return len(e.c.bufs) }
func (e FallbackRx) SlotSize() int { return e.c.slotSize }

func (e FallbackRx) Available() int {
	return int(e.c.prod.Load() - e.c.cons.Load())
}

func (e FallbackRx) Payload(pos uint64) ([]byte, bool) {
	i := e.c.slot(e.base + pos)
	return e.c.bufs[i][:e.c.lens[i]], true
}

// Release detaches the buffers of released slots, the producer allocates
// fresh ones so received payloads stay valid.
func (e FallbackRx) Release(n int) {
	cons := e.c.cons.Load()
	for k := range uint64(n) {
		e.c.bufs[e.c.slot(cons+k)] = nil
	}
	e.c.cons.Add(uint64(n))
}

func (e FallbackRx) Notify() error {
	signal(e.c.writable)
	return nil
}

func (e FallbackRx) Wait(timeout time.Duration) error {
	return waitSignal(e.c.readable, func() bool { return e.Available() > 0 }, timeout)
}
