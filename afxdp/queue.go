//go:build linux

package afxdp

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/zcring/ring"
)

/*---- Queue wrappers ----*/

// queue is a kernel ring mapped into userspace.
// T is xdp_desc for RX/TX and a UMEM address for FQ/CQ.
type queue[T any] struct {
	mask  uint32
	size  uint32
	prod  *uint32
	cons  *uint32
	flags *uint32
	descs []T
}

// makeQueue builds a queue from an mmapped region and its offsets.
func makeQueue[T any](region []byte, off xdp_ring_offset, size uint32) (*queue[T], error) {
	if len(region) == 0 {
		return nil, ErrRegionIsEmpty
	}
	base := unsafe.Pointer(&region[0])
	return &queue[T]{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		flags: (*uint32)(unsafe.Add(base, off.Flags)),
		descs: unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size),
	}, nil
}

func (q *queue[T]) needsWakeup() bool {
	return atomic.LoadUint32(q.flags)&unix.XDP_RING_NEED_WAKEUP != 0
}

/*---- TX ----*/

// TxQueue is the TX half of a Socket.
// Slot i of the TX ring always uses UMEM frame i.
// It implements ring.TxSlots and ring.Syncer.
type TxQueue struct {
	s         *Socket
	tx        *queue[xdp_desc]
	cq        *queue[uint64]
	frameSize uint64
	lens      []uint32

	// released counts descriptors handed to the kernel,
	// completed counts those reaped from the completion ring.
	released  uint32
	completed uint32
}

func newTxQueue(s *Socket, tx *queue[xdp_desc], cq *queue[uint64]) *TxQueue {
	return &TxQueue{
		s:         s,
		tx:        tx,
		cq:        cq,
		frameSize: uint64(s.conf.FrameSize),
		lens:      make([]uint32, tx.size),
	}
}

func (q *TxQueue) NumSlots() int { return int(q.tx.size) }
func (q *TxQueue) SlotSize() int { return int(q.frameSize) }

// Available reaps completions and returns the number of TX slots
// not in flight.
func (q *TxQueue) Available() int {
	prod := atomic.LoadUint32(q.cq.prod)
	if n := prod - *q.cq.cons; n > 0 {
		q.completed += n
		atomic.StoreUint32(q.cq.cons, prod)
	}
	return int(q.tx.size - (q.released - q.completed))
}

func (q *TxQueue) addr(pos uint64) uint64 {
	return (pos & uint64(q.tx.mask)) * q.frameSize
}

func (q *TxQueue) Buffer(pos uint64) []byte {
	a := q.addr(pos)
	return q.s.umem[a : a+q.frameSize]
}

func (q *TxQueue) SetLength(pos uint64, n int) {
	q.lens[pos&uint64(q.tx.mask)] = uint32(n)
}

// Release writes n descriptors and publishes the producer index.
func (q *TxQueue) Release(n int) {
	for range n {
		pos := uint64(q.released)
		q.tx.descs[q.released&q.tx.mask] = xdp_desc{
			Addr: q.addr(pos),
			Len:  q.lens[pos&uint64(q.tx.mask)],
		}
		q.released++
	}
	atomic.StoreUint32(q.tx.prod, q.released)
}

// Notify kicks the kernel to process the TX ring.
// AF_XDP interprets a zero-length sendto() as a doorbell.
func (q *TxQueue) Notify() error {
	if q.s.closed.Load() {
		return ring.ErrClosed
	}
	err := unix.Sendto(q.s.fd, nil, unix.MSG_DONTWAIT, nil)
	switch err {
	case nil, unix.EAGAIN, unix.EBUSY, unix.ENOBUFS:
		// Backpressure, the kernel picks the ring up on the next kick.
		return nil
	}
	return err
}

func (q *TxQueue) Wait(timeout time.Duration) error {
	return q.s.Wait(unix.POLLOUT, timeout)
}

/*---- RX ----*/

// RxQueue is the RX half of a Socket. Released frames go straight back
// to the fill ring. It implements ring.RxSlots and ring.Syncer.
type RxQueue struct {
	s         *Socket
	rx        *queue[xdp_desc]
	fq        *queue[uint64]
	frameSize uint64
	consumed  uint32
	filled    uint32
}

func newRxQueue(s *Socket, rx *queue[xdp_desc], fq *queue[uint64]) *RxQueue {
	return &RxQueue{s: s, rx: rx, fq: fq, frameSize: uint64(s.conf.FrameSize)}
}

func (q *RxQueue) NumSlots() int { return int(q.rx.size) }
func (q *RxQueue) SlotSize() int { return int(q.frameSize) }

func (q *RxQueue) Available() int {
	return int(atomic.LoadUint32(q.rx.prod) - q.consumed)
}

// Payload borrows the UMEM frame the kernel filled.
func (q *RxQueue) Payload(pos uint64) ([]byte, bool) {
	d := q.rx.descs[uint32(pos)&q.rx.mask]
	return q.s.umem[d.Addr : d.Addr+uint64(d.Len)], false
}

// Release returns n frames to the fill ring and frees their RX slots.
func (q *RxQueue) Release(n int) {
	for range n {
		d := q.rx.descs[q.consumed&q.rx.mask]
		q.fq.descs[q.filled&q.fq.mask] = d.Addr - d.Addr%q.frameSize
		q.filled++
		q.consumed++
	}
	atomic.StoreUint32(q.fq.prod, q.filled)
	atomic.StoreUint32(q.rx.cons, q.consumed)
}

// fill hands frames to the kernel for reception.
func (q *RxQueue) fill(addrs []uint64) {
	for _, a := range addrs {
		q.fq.descs[q.filled&q.fq.mask] = a
		q.filled++
	}
	atomic.StoreUint32(q.fq.prod, q.filled)
}

// Notify wakes the driver when it starved on an empty fill ring.
func (q *RxQueue) Notify() error {
	if q.s.closed.Load() {
		return ring.ErrClosed
	}
	if !q.fq.needsWakeup() {
		return nil
	}
	_, _, err := unix.Recvfrom(q.s.fd, nil, unix.MSG_DONTWAIT)
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (q *RxQueue) Wait(timeout time.Duration) error {
	return q.s.Wait(unix.POLLIN, timeout)
}

var (
	_ ring.TxSlots = (*TxQueue)(nil)
	_ ring.RxSlots = (*RxQueue)(nil)
	_ ring.Syncer  = (*TxQueue)(nil)
	_ ring.Syncer  = (*RxQueue)(nil)
)
