//go:build linux

package netmap

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/zcring/ring"
)

/*---- Kernel ABI ----*/

// Legacy (API version 11) request and ioctls, see net/netmap.h.
const (
	apiVersion = 11

	niocRegIf  = 0xC03C6992 // _IOWR('i', 146, struct nmreq)
	niocTxSync = 0x6994     // _IO('i', 148)
	niocRxSync = 0x6995     // _IO('i', 149)

	regAllNIC = 1 // NR_REG_ALL_NIC
	regSW     = 2 // NR_REG_SW
)

// nmreq is struct nmreq, 60 bytes.
type nmreq struct {
	Name    [unix.IFNAMSIZ]byte
	Version uint32
	Offset  uint32
	MemSize uint32
	TxSlots uint32
	RxSlots uint32
	TxRings uint16
	RxRings uint16
	RingID  uint16
	Cmd     uint16
	Arg1    uint16
	Arg2    uint16
	Arg3    uint32
	Flags   uint32
	Spare2  uint32
}

// Offsets into struct netmap_if.
const (
	ifTxRings     = 24
	ifRxRings     = 28
	ifHostTxRings = 36
	ifHostRxRings = 40
	ifRingOfs     = 56
)

// Offsets into struct netmap_ring.
const (
	ringBufOfs   = 0
	ringNumSlots = 8
	ringBufSize  = 12
	ringHead     = 20
	ringCur      = 24
	ringTail     = 28
	ringSlots    = 256
	slotSize     = 16 // struct netmap_slot
)

/*---- Port ----*/

// Port is an open netmap binding.
//
// WARNING: a Port's rings follow the one goroutine per ring rule.
type Port struct {
	req    Request
	fd     int
	mem    []byte
	tx     []*TxRing
	rx     []*RxRing
	closed atomic.Bool
}

// Available reports whether the netmap device exists.
func Available() bool {
	_, err := os.Stat(DevicePath)
	return err == nil
}

// Open registers req.Name with netmap and maps its rings.
// Failures are reported as ring.ErrBindFail.
func Open(req Request) (*Port, error) {
	if req.Name == "" || len(req.Name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("%w: invalid interface name %q", ring.ErrBindFail, req.Name)
	}
	fd, err := unix.Open(DevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ring.ErrBindFail, DevicePath, err)
	}

	nr := nmreq{Version: apiVersion, Flags: regAllNIC | req.Flags}
	copy(nr.Name[:], req.Name)
	if req.Host {
		nr.Flags = regSW | req.Flags
	}
	if err := ioctl(fd, niocRegIf, uintptr(unsafe.Pointer(&nr))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: NIOCREGIF %s: %w", ring.ErrBindFail, req.Name, err)
	}

	mem, err := unix.Mmap(fd, 0, int(nr.MemSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: mmap netmap region: %w", ring.ErrBindFail, err)
	}

	p := &Port{req: req, fd: fd, mem: mem}
	if err := p.mapRings(int(nr.Offset)); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Port) u32(off int) uint32 { return *(*uint32)(unsafe.Pointer(&p.mem[off])) }

// mapRings locates the bound rings through netmap_if.ring_ofs.
// ring_ofs lists NIC TX, host TX, NIC RX and host RX rings in that order.
func (p *Port) mapRings(nifp int) error {
	nTx, nRx := int(p.u32(nifp+ifTxRings)), int(p.u32(nifp+ifRxRings))
	nHostTx, nHostRx := int(p.u32(nifp+ifHostTxRings)), int(p.u32(nifp+ifHostRxRings))
	// Older kernels leave the host ring counts zero, they always have one.
	if nHostTx == 0 {
		nHostTx = 1
	}
	if nHostRx == 0 {
		nHostRx = 1
	}

	txFirst, txCount := 0, nTx
	rxFirst, rxCount := nTx+nHostTx, nRx
	if p.req.Host {
		txFirst, txCount = nTx, nHostTx
		rxFirst, rxCount = nTx+nHostTx+nRx, nHostRx
	}
	txCount, err := limit(txCount, p.req.TxRings, "tx")
	if err != nil {
		return err
	}
	rxCount, err = limit(rxCount, p.req.RxRings, "rx")
	if err != nil {
		return err
	}

	ringOfs := func(i int) int {
		return nifp + int(*(*int64)(unsafe.Pointer(&p.mem[nifp+ifRingOfs+8*i])))
	}
	for i := range txCount {
		v, err := p.view(ringOfs(txFirst + i))
		if err != nil {
			return err
		}
		p.tx = append(p.tx, &TxRing{view: v, port: p})
	}
	for i := range rxCount {
		v, err := p.view(ringOfs(rxFirst + i))
		if err != nil {
			return err
		}
		p.rx = append(p.rx, &RxRing{view: v, port: p})
	}
	return nil
}

func limit(bound, requested int, dir string) (int, error) {
	if requested == 0 {
		return bound, nil
	}
	if requested > bound {
		return 0, fmt.Errorf(
			"%w: requested %d %s rings, interface has %d", ring.ErrBindFail, requested, dir, bound,
		)
	}
	return requested, nil
}

func (p *Port) view(off int) (view, error) {
	if off <= 0 || off+ringSlots > len(p.mem) {
		return view{}, fmt.Errorf("%w: ring offset %d out of region", ring.ErrBindFail, off)
	}
	v := view{
		mem:      p.mem,
		off:      off,
		numSlots: p.u32(off + ringNumSlots),
		bufSize:  int(p.u32(off + ringBufSize)),
		bufOfs:   off + int(*(*int64)(unsafe.Pointer(&p.mem[off+ringBufOfs]))),
	}
	if v.numSlots == 0 {
		return view{}, fmt.Errorf("%w: ring at %d has no slots", ring.ErrBindFail, off)
	}
	v.base = atomic.LoadUint32(v.idx(ringHead))
	v.head = v.base
	return v, nil
}

// Fd returns the file descriptor for use with poll/epoll.
func (p *Port) Fd() int { return p.fd }

func (p *Port) NumTxRings() int { return len(p.tx) }

func (p *Port) NumRxRings() int { return len(p.rx) }

func (p *Port) Tx(i int) *TxRing { return p.tx[i] }

func (p *Port) Rx(i int) *RxRing { return p.rx[i] }

// Wait polls the descriptor for the given events.
// Returns nil on readiness and on timeout.
func (p *Port) Wait(events int16, timeout time.Duration) error {
	if p.closed.Load() {
		return ring.ErrClosed
	}
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	for {
		_, err := unix.Poll([]unix.PollFd{{Fd: int32(p.fd), Events: events}}, ms)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (p *Port) sync(req uintptr) error {
	if p.closed.Load() {
		return ring.ErrClosed
	}
	return ioctl(p.fd, req, 0)
}

// Close unmaps the region and closes the descriptor.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	var errs []error
	if p.mem != nil {
		if err := unix.Munmap(p.mem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping region: %w", err))
		}
		p.mem = nil
	}
	if err := unix.Close(p.fd); err != nil {
		errs = append(errs, fmt.Errorf("closing fd: %w", err))
	}
	return errors.Join(errs...)
}

func ioctl(fd int, req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

/*---- Ring views ----*/

// view addresses one netmap_ring. Positions handed in by package ring
// start at zero, base is the kernel's head at bind time.
type view struct {
	mem      []byte
	off      int
	numSlots uint32
	bufSize  int
	bufOfs   int
	base     uint32
	head     uint32
}

func (v *view) idx(field int) *uint32 {
	return (*uint32)(unsafe.Pointer(&v.mem[v.off+field]))
}

func (v *view) slot(pos uint64) (bufIdx *uint32, length *uint16) {
	i := (uint64(v.base) + pos) % uint64(v.numSlots)
	s := v.off + ringSlots + int(i)*slotSize
	return (*uint32)(unsafe.Pointer(&v.mem[s])), (*uint16)(unsafe.Pointer(&v.mem[s+4]))
}

func (v *view) buf(bufIdx uint32) []byte {
	start := v.bufOfs + int(bufIdx)*v.bufSize
	return v.mem[start : start+v.bufSize]
}

func (v *view) NumSlots() int { return int(v.numSlots) }
func (v *view) SlotSize() int { return v.bufSize }

// Available returns the slots in [head, tail).
func (v *view) Available() int {
	tail := atomic.LoadUint32(v.idx(ringTail))
	return int((tail + v.numSlots - v.head) % v.numSlots)
}

// Release moves head and cur past n slots, handing them to the kernel
// on the next sync.
func (v *view) Release(n int) {
	v.head = uint32((uint64(v.head) + uint64(n)) % uint64(v.numSlots))
	atomic.StoreUint32(v.idx(ringCur), v.head)
	atomic.StoreUint32(v.idx(ringHead), v.head)
}

// TxRing is a NIC or host TX ring.
// It implements ring.TxSlots and ring.Syncer.
type TxRing struct {
	view
	port *Port
}

func (r *TxRing) Buffer(pos uint64) []byte {
	bufIdx, _ := r.slot(pos)
	return r.buf(*bufIdx)
}

func (r *TxRing) SetLength(pos uint64, n int) {
	_, length := r.slot(pos)
	*length = uint16(n)
}

func (r *TxRing) Notify() error { return r.port.sync(niocTxSync) }

func (r *TxRing) Wait(timeout time.Duration) error {
	return r.port.Wait(unix.POLLOUT, timeout)
}

// RxRing is a NIC or host RX ring.
// It implements ring.RxSlots and ring.Syncer. Payloads are borrowed.
type RxRing struct {
	view
	port *Port
}

func (r *RxRing) Payload(pos uint64) ([]byte, bool) {
	bufIdx, length := r.slot(pos)
	return r.buf(*bufIdx)[:min(int(*length), r.bufSize)], false
}

func (r *RxRing) Notify() error { return r.port.sync(niocRxSync) }

func (r *RxRing) Wait(timeout time.Duration) error {
	return r.port.Wait(unix.POLLIN, timeout)
}

var (
	_ ring.TxSlots = (*TxRing)(nil)
	_ ring.RxSlots = (*RxRing)(nil)
	_ ring.Syncer  = (*TxRing)(nil)
	_ ring.Syncer  = (*RxRing)(nil)
)
