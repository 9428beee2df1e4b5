//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/zcring/ring"
)

var (
	ErrRegionIsEmpty     = errors.New("ring region is empty")
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= TxSize + RxSize")
	ErrSizeNotPowerOfTwo = errors.New("ring sizes must be powers of two")
	ErrCqTooSmall        = errors.New("CqSize must be >= TxSize")
)

const (
	DefaultNumFrames   = 4096
	DefaultFrameSize   = 2048
	DefaultTxQueueSize = 2048
	DefaultRxQueueSize = DefaultTxQueueSize
)

type SocketConfig struct {
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames allocated.
	// The first TxSize frames back the TX ring, the next RxSize the RX ring.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// RxSize sets the number of descriptors in the RX and fill rings.
	RxSize uint32
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32
	// CqSize sets the number of entries in the completion ring.
	CqSize uint32
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxQueueSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxQueueSize
	}
	if c.CqSize == 0 {
		c.CqSize = c.TxSize
	}
	for _, n := range []uint32{c.RxSize, c.TxSize, c.CqSize} {
		if n&(n-1) != 0 {
			return ErrSizeNotPowerOfTwo
		}
	}
	if c.CqSize < c.TxSize {
		return ErrCqTooSmall
	}
	if c.NumFrames < c.TxSize+c.RxSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

/*---- Kernel structs ----*/

// sockaddr_xdp is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L32
type sockaddr_xdp struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdp_ring_offset is defined in linux/if_xdp.h
type xdp_ring_offset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// xdp_mmap_offsets is defined in linux/if_xdp.h
type xdp_mmap_offsets struct {
	Rx xdp_ring_offset
	Tx xdp_ring_offset
	Fr xdp_ring_offset
	Cr xdp_ring_offset
}

// xdp_umem_reg is defined in linux/if_xdp.h
type xdp_umem_reg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// xdp_desc is defined in linux/if_xdp.h
type xdp_desc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

/*---- Syscall helpers ----*/

func rawBind(fd int, sa *sockaddr_xdp) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockoptU32(fd, name int, v uint32) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name),
		uintptr(unsafe.Pointer(&v)), unsafe.Sizeof(v), 0)
	if e != 0 {
		return e
	}
	return nil
}

func getMmapOffsets(fd int) (offs xdp_mmap_offsets, err error) {
	l := uint32(unsafe.Sizeof(offs)) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		uintptr(unsafe.Pointer(&offs)), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return offs, e
	}
	return offs, nil
}

/*---- Socket ----*/

// Socket is an AF_XDP socket bound to one queue.
// Its TX and RX halves are driven through Tx and Rx.
//
// WARNING: each half is not safe for concurrent use.
type Socket struct {
	conf       SocketConfig
	isZerocopy bool
	fd         int
	umem       []byte
	regions    [][]byte
	tx         *TxQueue
	rx         *RxQueue
	closed     atomic.Bool
}

// Open creates an AF_XDP socket on conf.QueueID.
// It allocates UMEM, sizes and maps all four rings, fills the fill ring,
// binds to the queue and registers the socket in the XSKMAP.
func (i *Interface) Open(conf SocketConfig) (*Socket, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("%w: %w", ring.ErrBindFail, err)
	}
	s := &Socket{conf: conf, fd: -1}
	if err := s.setup(i); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: queue %d: %w", ring.ErrBindFail, conf.QueueID, err)
	}
	return s, nil
}

func (s *Socket) setup(i *Interface) error {
	conf := s.conf
	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	s.fd = fd

	umem, err := unix.Mmap(-1, 0, int(conf.NumFrames)*int(conf.FrameSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap UMEM: %w", err)
	}
	s.umem = umem

	reg := xdp_umem_reg{
		Addr:      uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:       uint64(len(umem)),
		ChunkSize: conf.FrameSize,
	}
	if _, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, unix.XDP_UMEM_REG,
		uintptr(unsafe.Pointer(&reg)), unsafe.Sizeof(reg), 0); e != 0 {
		return fmt.Errorf("setsockopt XDP_UMEM_REG: %w", e)
	}

	for _, opt := range []struct {
		name string
		opt  int
		size uint32
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING, conf.RxSize},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING, conf.CqSize},
		{"XDP_TX_RING", unix.XDP_TX_RING, conf.TxSize},
		{"XDP_RX_RING", unix.XDP_RX_RING, conf.RxSize},
	} {
		if err := setsockoptU32(fd, opt.opt, opt.size); err != nil {
			return fmt.Errorf("setsockopt %s: %w", opt.name, err)
		}
	}

	offs, err := getMmapOffsets(fd)
	if err != nil {
		return fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}
	const descSize, addrSize = uint64(unsafe.Sizeof(xdp_desc{})), uint64(8)
	txRegion, err := s.mapRegion(offs.Tx.Desc+uint64(conf.TxSize)*descSize, unix.XDP_PGOFF_TX_RING)
	if err != nil {
		return fmt.Errorf("mmap TX ring: %w", err)
	}
	rxRegion, err := s.mapRegion(offs.Rx.Desc+uint64(conf.RxSize)*descSize, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return fmt.Errorf("mmap RX ring: %w", err)
	}
	fqRegion, err := s.mapRegion(offs.Fr.Desc+uint64(conf.RxSize)*addrSize, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return fmt.Errorf("mmap FQ ring: %w", err)
	}
	cqRegion, err := s.mapRegion(offs.Cr.Desc+uint64(conf.CqSize)*addrSize, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		return fmt.Errorf("mmap CQ ring: %w", err)
	}

	txQ, err := makeQueue[xdp_desc](txRegion, offs.Tx, conf.TxSize)
	if err != nil {
		return fmt.Errorf("making TX queue: %w", err)
	}
	rxQ, err := makeQueue[xdp_desc](rxRegion, offs.Rx, conf.RxSize)
	if err != nil {
		return fmt.Errorf("making RX queue: %w", err)
	}
	fqQ, err := makeQueue[uint64](fqRegion, offs.Fr, conf.RxSize)
	if err != nil {
		return fmt.Errorf("making FQ queue: %w", err)
	}
	cqQ, err := makeQueue[uint64](cqRegion, offs.Cr, conf.CqSize)
	if err != nil {
		return fmt.Errorf("making CQ queue: %w", err)
	}
	s.tx = newTxQueue(s, txQ, cqQ)
	s.rx = newRxQueue(s, rxQ, fqQ)

	// Frames [0, TxSize) are statically bound to TX slots, the next RxSize
	// frames circulate through the fill ring.
	rxFrames := make([]uint64, conf.RxSize)
	for k := range rxFrames {
		rxFrames[k] = uint64(conf.TxSize+uint32(k)) * uint64(conf.FrameSize)
	}
	s.rx.fill(rxFrames)

	sa := &sockaddr_xdp{
		Family:  unix.AF_XDP,
		Ifindex: uint32(i.ifaceIndex),
		QueueID: conf.QueueID,
	}
	zerocopy := i.preferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}
	err = rawBind(fd, sa)
	if err != nil && zerocopy && errors.Is(err, unix.EPROTONOSUPPORT) {
		// Zerocopy is not supported for this queue, fall back to copy mode.
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
		zerocopy = false
		err = rawBind(fd, sa)
	}
	if err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}
	s.isZerocopy = zerocopy

	if err := i.register(fd, conf.QueueID); err != nil {
		return fmt.Errorf("registering XSK: %w", err)
	}
	return nil
}

func (s *Socket) mapRegion(length uint64, pgoff int64) ([]byte, error) {
	b, err := unix.Mmap(s.fd, pgoff, int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, err
	}
	s.regions = append(s.regions, b)
	return b, nil
}

// IsZerocopy reports whether the socket is operating in zero-copy mode.
// May return false even if PreferZerocopy was true because the queue
// may not support XDP_ZEROCOPY, in which case the socket uses XDP_COPY.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// Fd returns the socket descriptor for use with poll/epoll.
func (s *Socket) Fd() int { return s.fd }

// Tx returns the TX backing of the socket.
func (s *Socket) Tx() *TxQueue { return s.tx }

// Rx returns the RX backing of the socket.
func (s *Socket) Rx() *RxQueue { return s.rx }

// Wait blocks until the socket reports any of events or timeout elapses.
// Returns nil when the socket becomes ready OR when the timeout expires.
// Returns a non-nil error only for real system call failures.
func (s *Socket) Wait(events int16, timeout time.Duration) error {
	if s.closed.Load() {
		return ring.ErrClosed
	}
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	for {
		_, err := unix.Poll([]unix.PollFd{{Fd: int32(s.fd), Events: events}}, ms)
		if err == nil {
			return nil
		}
		// EINTR is never surfaced to the caller, signals are expected
		// in environments with profilers, debuggers and timers.
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Close releases the socket, UMEM and ring mappings.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = -1
	}
	for _, r := range s.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, err)
		}
	}
	s.regions = nil
	if s.umem != nil {
		if err := unix.Munmap(s.umem); err != nil {
			errs = append(errs, err)
		}
		s.umem = nil
	}
	return errors.Join(errs...)
}
