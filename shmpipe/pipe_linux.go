//go:build linux

package shmpipe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/romshark/zcring/ring"
)

const (
	DefaultSlots         = 1024
	DefaultSlotSize      = 2048
	DefaultAttachTimeout = time.Second
	MaxRings             = 64
)

var errStale = errors.New("stale segment")

// staleError holds the segment file found stale open, so its inode
// cannot be reused before the takeover compares it.
type staleError struct{ file *os.File }

func (e *staleError) Error() string { return errStale.Error() }
func (e *staleError) Unwrap() error { return errStale }

type Config struct {
	// TxRings and RxRings are the ring counts requested by this side.
	// Zero means one ring.
	TxRings int
	RxRings int
	// Slots and SlotSize size every lane. Only the master's values count,
	// a peer adopts the geometry of the segment it attaches to.
	Slots    int
	SlotSize int
	// Dir is where segment files live. Defaults to /dev/shm if present,
	// os.TempDir otherwise.
	Dir string
	// AttachTimeout bounds how long a peer waits for a master that
	// is still initializing the segment.
	AttachTimeout time.Duration
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.TxRings == 0 {
		c.TxRings = 1
	}
	if c.RxRings == 0 {
		c.RxRings = 1
	}
	if c.TxRings < 0 || c.TxRings > MaxRings || c.RxRings < 0 || c.RxRings > MaxRings {
		return fmt.Errorf("%w: ring counts must be in [1, %d]", ring.ErrBindFail, MaxRings)
	}
	if c.Slots == 0 {
		c.Slots = DefaultSlots
	}
	if c.SlotSize == 0 {
		c.SlotSize = DefaultSlotSize
	}
	if c.Slots < 0 || c.SlotSize < 0 {
		return fmt.Errorf("%w: negative slot geometry", ring.ErrBindFail)
	}
	if c.AttachTimeout == 0 {
		c.AttachTimeout = DefaultAttachTimeout
	}
	if c.Dir == "" {
		c.Dir = defaultDir()
	}
	return nil
}

func defaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// SegmentPath returns the file backing the pipe name in dir.
func SegmentPath(dir, name string) string {
	var b strings.Builder
	b.WriteString("zcring-pipe-")
	for i := range len(name) {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return filepath.Join(dir, b.String())
}

// Pipe is one endpoint of a named pipe.
type Pipe struct {
	name   string
	path   string
	master bool
	file   *os.File
	seg    segment
	tx     []*TxLane
	rx     []*RxLane
	rxBell bell
	closed atomic.Bool
}

// Open creates the pipe name as master or attaches to it as peer.
// Attaching fails with ring.ErrBindFail if the pipe already has a peer or
// if the requested ring counts do not mirror the master's.
func Open(name string, conf Config) (*Pipe, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty pipe name", ring.ErrBindFail)
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	path := SegmentPath(conf.Dir, name)

	for range 2 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			return create(f, name, path, conf)
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: creating %s: %w", ring.ErrBindFail, path, err)
		}
		p, err := attach(name, path, conf)
		if !errors.Is(err, errStale) {
			return p, err
		}
		// The master died without cleaning up, take over.
		var stale *staleError
		if errors.As(err, &stale) {
			removeStale(path, stale.file)
		}
	}
	return nil, fmt.Errorf("%w: pipe %q: %w", ring.ErrBindFail, name, errStale)
}

func create(f *os.File, name, path string, conf Config) (*Pipe, error) {
	g := geometry{
		txRings:  conf.TxRings,
		rxRings:  conf.RxRings,
		slots:    conf.Slots,
		slotSize: conf.SlotSize,
	}
	cleanup := func() {
		f.Close()
		os.Remove(path)
	}
	if err := f.Truncate(int64(g.size())); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: resizing segment: %w", ring.ErrBindFail, err)
	}
	mem, err := mmapFile(f, g.size())
	if err != nil {
		cleanup()
		return nil, err
	}
	seg := segment{mem: mem}
	seg.init(g, os.Getpid())
	return newPipe(name, path, true, f, seg, g), nil
}

func attach(name, path string, conf Config) (*Pipe, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Master closed between our create attempt and now.
			return nil, errStale
		}
		return nil, fmt.Errorf("%w: opening %s: %w", ring.ErrBindFail, path, err)
	}

	seg, err := waitReady(f, conf.AttachTimeout)
	if errors.Is(err, errStale) {
		return nil, &staleError{f}
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	fail := func(err error) (*Pipe, error) {
		_ = unix.Munmap(seg.mem)
		f.Close()
		return nil, err
	}

	if *seg.u64(offMagic) != segmentMagic || seg.load32(offVersion) != segmentVersion {
		return fail(fmt.Errorf("%w: %s is not a pipe segment", ring.ErrBindFail, path))
	}
	if seg.load32(offClosed) != 0 || !processAlive(int(seg.load32(offMasterPID))) {
		_ = unix.Munmap(seg.mem)
		return nil, &staleError{f}
	}
	g := seg.geometry()
	if len(seg.mem) < g.size() {
		return fail(fmt.Errorf("%w: segment truncated", ring.ErrBindFail))
	}
	if conf.TxRings != g.rxRings || conf.RxRings != g.txRings {
		return fail(fmt.Errorf(
			"%w: pipe %q has %d tx / %d rx rings, peer must request %d tx / %d rx, got %d / %d",
			ring.ErrBindFail, name, g.txRings, g.rxRings,
			g.rxRings, g.txRings, conf.TxRings, conf.RxRings,
		))
	}
	if !atomic.CompareAndSwapUint32(seg.u32(offAttached), 0, 1) {
		return fail(fmt.Errorf("%w: pipe %q already has a peer", ring.ErrBindFail, name))
	}
	seg.store32(offPeerPID, uint32(os.Getpid()))
	return newPipe(name, path, false, f, seg, g), nil
}

// removeStale deletes path only if it still is the stale file and closes
// it. A segment recreated there by a concurrent opener stays.
func removeStale(path string, stale *os.File) {
	defer stale.Close()
	old, err := stale.Stat()
	if err != nil {
		return
	}
	cur, err := os.Stat(path)
	if err == nil && os.SameFile(cur, old) {
		_ = os.Remove(path)
	}
}

// waitReady maps the segment once the master finished initializing it.
func waitReady(f *os.File, timeout time.Duration) (segment, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		info, err := f.Stat()
		if err != nil {
			return segment{}, fmt.Errorf("%w: stat segment: %w", ring.ErrBindFail, err)
		}
		if size := int(info.Size()); size >= headerSize {
			mem, err := mmapFile(f, size)
			if err != nil {
				return segment{}, err
			}
			seg := segment{mem: mem}
			if seg.load32(offReady) == 1 {
				return seg, nil
			}
			_ = unix.Munmap(mem)
		}
		if time.Now().After(deadline) {
			return segment{}, errStale
		}
		<-ticker.C
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func mmapFile(f *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap segment: %w", ring.ErrBindFail, err)
	}
	return mem, nil
}

func newPipe(name, path string, master bool, f *os.File, seg segment, g geometry) *Pipe {
	p := &Pipe{name: name, path: path, master: master, file: f, seg: seg}
	txLanes, rxLanes := 0, g.txRings
	p.rxBell = seg.bell(bellDataToMaster)
	if !master {
		txLanes, rxLanes = g.txRings, 0
		p.rxBell = seg.bell(bellDataToPeer)
	}
	nTx, nRx := g.txRings, g.rxRings
	if !master {
		nTx, nRx = nRx, nTx
	}
	for i := range nTx {
		p.tx = append(p.tx, newTxLane(seg.lane(g, txLanes+i)))
	}
	for i := range nRx {
		p.rx = append(p.rx, newRxLane(seg.lane(g, rxLanes+i)))
	}
	return p
}

func (p *Pipe) Name() string { return p.name }

// Path returns the segment file.
func (p *Pipe) Path() string { return p.path }

// IsMaster reports whether this endpoint created the pipe.
func (p *Pipe) IsMaster() bool { return p.master }

func (p *Pipe) NumTxRings() int { return len(p.tx) }

func (p *Pipe) NumRxRings() int { return len(p.rx) }

// Tx returns the i-th outgoing lane.
func (p *Pipe) Tx(i int) *TxLane { return p.tx[i] }

// Rx returns the i-th incoming lane.
func (p *Pipe) Rx(i int) *RxLane { return p.rx[i] }

// PeerAttached reports whether the other endpoint is currently attached.
// For the peer it reports whether the master is still open.
func (p *Pipe) PeerAttached() bool {
	if p.master {
		return p.seg.load32(offAttached) == 1
	}
	return p.seg.load32(offClosed) == 0
}

// Wait blocks until any incoming lane has data or timeout elapses.
func (p *Pipe) Wait(timeout time.Duration) error {
	if p.closed.Load() {
		return ring.ErrClosed
	}
	return p.rxBell.wait(func() bool {
		for _, l := range p.rx {
			if l.Available() > 0 {
				return true
			}
		}
		return false
	}, timeout)
}

// Close detaches from the segment. The master also removes the segment
// file, a peer frees the pipe for the next peer.
func (p *Pipe) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	var errs []error
	if p.master {
		p.seg.store32(offClosed, 1)
		if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing segment: %w", err))
		}
	} else {
		p.seg.store32(offPeerPID, 0)
		p.seg.store32(offAttached, 0)
	}
	if err := unix.Munmap(p.seg.mem); err != nil {
		errs = append(errs, fmt.Errorf("unmapping segment: %w", err))
	}
	if err := p.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing segment: %w", err))
	}
	return errors.Join(errs...)
}
