//go:build linux

package zcring

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/romshark/zcring/afxdp"
	"github.com/romshark/zcring/netmap"
	"github.com/romshark/zcring/ring"
	"github.com/romshark/zcring/shmpipe"
)

func init() {
	drivers = []Driver{pipeDriver{}, xdpDriver{}, netmapDriver{}}
}

/*---- Shared-memory pipes ----*/

type pipeDriver struct{}

func (pipeDriver) Name() string               { return "shmpipe" }
func (pipeDriver) Supports(addr Address) bool { return addr.Kind == KindPipe }
func (pipeDriver) Available() bool            { return true }

func (pipeDriver) Open(addr Address, req Request) (Transport, error) {
	p, err := shmpipe.Open(addr.Name, shmpipe.Config{
		TxRings:  req.TxRings,
		RxRings:  req.RxRings,
		Slots:    req.Slots,
		SlotSize: req.SlotSize,
	})
	if err != nil {
		return nil, err
	}
	return pipeTransport{p}, nil
}

type pipeTransport struct{ *shmpipe.Pipe }

func (t pipeTransport) TxSlots(i int) (ring.TxSlots, ring.Syncer) { return t.Tx(i), t.Tx(i) }
func (t pipeTransport) RxSlots(i int) (ring.RxSlots, ring.Syncer) { return t.Rx(i), t.Rx(i) }

// Fd is -1, pipes are woken through futexes.
func (t pipeTransport) Fd() int { return -1 }

/*---- netmap ----*/

type netmapDriver struct{}

func (netmapDriver) Name() string { return "netmap" }

func (netmapDriver) Supports(addr Address) bool {
	return addr.Transport == TransportNetmap && addr.Kind != KindPipe
}

func (netmapDriver) Available() bool { return netmap.Available() }

func (netmapDriver) Open(addr Address, req Request) (Transport, error) {
	p, err := netmap.Open(netmap.Request{
		Name:    addr.Name,
		Host:    addr.Kind == KindHost,
		TxRings: req.TxRings,
		RxRings: req.RxRings,
		Flags:   req.Flags,
	})
	if err != nil {
		return nil, err
	}
	return netmapTransport{p}, nil
}

type netmapTransport struct{ *netmap.Port }

func (t netmapTransport) TxSlots(i int) (ring.TxSlots, ring.Syncer) { return t.Tx(i), t.Tx(i) }
func (t netmapTransport) RxSlots(i int) (ring.RxSlots, ring.Syncer) { return t.Rx(i), t.Rx(i) }
func (t netmapTransport) IsMaster() bool                            { return true }

func (t netmapTransport) Wait(timeout time.Duration) error {
	return t.Port.Wait(unix.POLLIN, timeout)
}

/*---- AF_XDP ----*/

type xdpDriver struct{}

func (xdpDriver) Name() string { return "afxdp" }

func (xdpDriver) Supports(addr Address) bool {
	return addr.Transport == TransportXDP && addr.Kind == KindInterface
}

func (xdpDriver) Available() bool { return afxdp.Available() }

// Open binds one socket per queue. Socket k serves TX ring k and RX ring k.
func (xdpDriver) Open(addr Address, req Request) (Transport, error) {
	iface, err := afxdp.MakeInterface(addr.Name, afxdp.InterfaceConfig{
		PreferZerocopy: req.PreferZerocopy,
	})
	if err != nil {
		return nil, err
	}
	queues, err := iface.RXQueueIDs()
	if err != nil {
		_ = iface.Close()
		return nil, fmt.Errorf("%w: %w", ring.ErrBindFail, err)
	}
	nTx, nRx := req.TxRings, req.RxRings
	if nTx == 0 {
		nTx = max(nRx, 1)
	}
	if nRx == 0 {
		nRx = nTx
	}
	n := max(nTx, nRx)
	if n > len(queues) {
		_ = iface.Close()
		return nil, fmt.Errorf(
			"%w: requested %d queues, %s has %d", ring.ErrBindFail, n, addr.Name, len(queues),
		)
	}

	t := &xdpTransport{iface: iface, nTx: nTx, nRx: nRx}
	for _, q := range queues[:n] {
		s, err := iface.Open(afxdp.SocketConfig{QueueID: q, FrameSize: uint32(req.SlotSize)})
		if err != nil {
			_ = t.Close()
			return nil, err
		}
		t.sockets = append(t.sockets, s)
	}
	return t, nil
}

type xdpTransport struct {
	iface    *afxdp.Interface
	sockets  []*afxdp.Socket
	nTx, nRx int
}

func (t *xdpTransport) NumTxRings() int { return t.nTx }
func (t *xdpTransport) NumRxRings() int { return t.nRx }

func (t *xdpTransport) TxSlots(i int) (ring.TxSlots, ring.Syncer) {
	q := t.sockets[i].Tx()
	return q, q
}

func (t *xdpTransport) RxSlots(i int) (ring.RxSlots, ring.Syncer) {
	q := t.sockets[i].Rx()
	return q, q
}

// Fd returns the socket of a single-queue port. One descriptor cannot
// signal several queues, such ports have to use Port.Wait.
func (t *xdpTransport) Fd() int {
	if len(t.sockets) != 1 {
		return -1
	}
	return t.sockets[0].Fd()
}

func (t *xdpTransport) IsMaster() bool { return true }

func (t *xdpTransport) Wait(timeout time.Duration) error {
	fds := make([]unix.PollFd, len(t.sockets))
	for i, s := range t.sockets {
		fds[i] = unix.PollFd{Fd: int32(s.Fd()), Events: unix.POLLIN}
	}
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	for {
		_, err := unix.Poll(fds, ms)
		if err != unix.EINTR {
			return err
		}
	}
}

// Close closes every socket before detaching the program.
func (t *xdpTransport) Close() error {
	var errs []error
	for _, s := range t.sockets {
		errs = append(errs, s.Close())
	}
	errs = append(errs, t.iface.Close())
	return errors.Join(errs...)
}
