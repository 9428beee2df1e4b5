package zcring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/zcring/ring"
)

// Port is an opened target with its TX and RX rings.
//
// WARNING: each ring follows the one goroutine per ring rule.
// Close must not run concurrently with operations on its rings.
type Port struct {
	addr      Address
	backing   Backing
	transport Transport
	tx        []*ring.TxRing
	rx        []*ring.RxRing
	log       logrus.FieldLogger
	closed    atomic.Bool
}

// Open resolves target and binds it according to conf.Backing.
//
// BackingAuto prefers a native driver and uses fallback channels only when
// the platform has none for the target. A native driver that is available
// but fails to bind is reported, not papered over with a fallback.
func Open(target string, conf Config) (*Port, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	addr, err := ParseAddress(target)
	if err != nil {
		return nil, err
	}
	log := conf.Logger.WithField("target", addr.String())

	var (
		t       Transport
		backing = BackingNative
	)
	d := nativeDriver(addr)
	native := d != nil && d.Available()
	switch conf.Backing {
	case BackingNative:
		if !native {
			return nil, fmt.Errorf("%w: no native transport for %s", ErrUnsupportedPlatform, addr)
		}
	case BackingFallback:
		native = false
	}

	if native {
		log.WithField("driver", d.Name()).Debug("binding native transport")
		t, err = d.Open(addr, Request{
			TxRings:        conf.TxRings,
			RxRings:        conf.RxRings,
			Slots:          conf.Slots,
			SlotSize:       conf.SlotSize,
			Flags:          conf.Flags,
			PreferZerocopy: conf.PreferZerocopy,
		})
	} else {
		if conf.Backing == BackingAuto {
			log.Debug("no native transport available, using fallback channels")
		}
		backing = BackingFallback
		t, err = openFallback(addr, conf)
	}
	if err != nil {
		log.WithError(err).Warn("open failed")
		return nil, err
	}

	p := newPort(addr, backing, t, log)
	p.log.WithFields(logrus.Fields{
		"tx_rings": len(p.tx),
		"rx_rings": len(p.rx),
		"role":     p.role(),
	}).Info("port opened")
	return p, nil
}

func newPort(addr Address, backing Backing, t Transport, log logrus.FieldLogger) *Port {
	p := &Port{
		addr:      addr,
		backing:   backing,
		transport: t,
		log:       log.WithField("backing", backing.String()),
	}
	for i := range t.NumTxRings() {
		s, sy := t.TxSlots(i)
		p.tx = append(p.tx, ring.NewTxRing(i, s, sy))
	}
	for i := range t.NumRxRings() {
		s, sy := t.RxSlots(i)
		p.rx = append(p.rx, ring.NewRxRing(i, s, sy))
	}
	return p
}

func (p *Port) role() string {
	switch {
	case !p.IsPipe():
		return "local"
	case p.IsMaster():
		return "master"
	}
	return "peer"
}

// Address returns the parsed target.
func (p *Port) Address() Address { return p.addr }

func (p *Port) NumTxRings() int { return len(p.tx) }
func (p *Port) NumRxRings() int { return len(p.rx) }

// TxRing returns the i-th TX ring or ErrInvalidRingIndex.
func (p *Port) TxRing(i int) (*ring.TxRing, error) {
	if i < 0 || i >= len(p.tx) {
		return nil, fmt.Errorf("%w: tx ring %d of %d", ErrInvalidRingIndex, i, len(p.tx))
	}
	return p.tx[i], nil
}

// RxRing returns the i-th RX ring or ErrInvalidRingIndex.
func (p *Port) RxRing(i int) (*ring.RxRing, error) {
	if i < 0 || i >= len(p.rx) {
		return nil, fmt.Errorf("%w: rx ring %d of %d", ErrInvalidRingIndex, i, len(p.rx))
	}
	return p.rx[i], nil
}

// TxRings returns all TX rings in index order.
func (p *Port) TxRings() []*ring.TxRing { return p.tx }

// RxRings returns all RX rings in index order.
func (p *Port) RxRings() []*ring.RxRing { return p.rx }

// IsHostRings reports whether the port is bound to host-stack rings.
func (p *Port) IsHostRings() bool { return p.addr.Kind == KindHost }

func (p *Port) IsPipe() bool { return p.addr.Kind == KindPipe }

// IsMaster reports whether this side created the pipe.
// Non-pipe ports always report true.
func (p *Port) IsMaster() bool { return p.transport.IsMaster() }

func (p *Port) IsFallback() bool { return p.backing == BackingFallback }

// Backing returns BackingNative or BackingFallback.
func (p *Port) Backing() Backing { return p.backing }

// Fd returns the descriptor to register with poll or epoll.
// Fallback ports, shared memory pipes and multi-queue AF_XDP ports have
// no single descriptor and return ErrFallbackUnsupported, use Wait instead.
func (p *Port) Fd() (int, error) {
	if p.closed.Load() {
		return -1, ErrClosed
	}
	fd := p.transport.Fd()
	if fd < 0 {
		return -1, fmt.Errorf("%w: %s has no single descriptor, use Wait", ErrFallbackUnsupported, p.addr)
	}
	return fd, nil
}

// Wait blocks until any RX ring has frames or timeout elapses.
// A negative timeout blocks indefinitely. Timing out is not an error,
// call Sync on the rings afterwards.
func (p *Port) Wait(timeout time.Duration) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return ring.IoError("wait", p.transport.Wait(timeout))
}

// Close invalidates every ring and every borrowed frame, then releases
// the transport. Closing twice is a no-op.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, r := range p.tx {
		errs = append(errs, r.Close())
	}
	for _, r := range p.rx {
		errs = append(errs, r.Close())
	}
	if err := p.transport.Close(); err != nil {
		errs = append(errs, ring.IoError("close", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		p.log.WithError(err).Warn("port closed with errors")
	} else {
		p.log.Info("port closed")
	}
	return err
}
