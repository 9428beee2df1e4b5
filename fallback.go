package zcring

import (
	"fmt"
	"sync"
	"time"

	"github.com/romshark/zcring/ratelimit"
	"github.com/romshark/zcring/ring"
)

// openFallback serves addr with in-process channels.
// Interfaces get a loopback where TX ring i feeds RX ring i.
// Pipes connect the first two openers of a name.
func openFallback(addr Address, conf Config) (Transport, error) {
	if addr.Kind == KindPipe {
		return pipes.open(addr.Name, conf)
	}
	n := conf.TxRings
	switch {
	case n == 0:
		n = max(conf.RxRings, 1)
	case conf.RxRings != 0 && conf.RxRings != n:
		return nil, fmt.Errorf(
			"%w: loopback needs equal ring counts, got %d tx / %d rx",
			ErrFallbackUnsupported, conf.TxRings, conf.RxRings,
		)
	}
	t := &channelTransport{master: true}
	for range n {
		tx, rx := ring.NewFallback(conf.Slots, conf.SlotSize)
		t.tx = append(t.tx, tx)
		t.rx = append(t.rx, rx)
	}
	return t, nil
}

// channelTransport is one side of a set of fallback channels.
type channelTransport struct {
	tx      []ring.FallbackTx
	rx      []ring.FallbackRx
	master  bool
	onClose func()
}

func (t *channelTransport) NumTxRings() int { return len(t.tx) }
func (t *channelTransport) NumRxRings() int { return len(t.rx) }

func (t *channelTransport) TxSlots(i int) (ring.TxSlots, ring.Syncer) { return t.tx[i], t.tx[i] }
func (t *channelTransport) RxSlots(i int) (ring.RxSlots, ring.Syncer) { return t.rx[i], t.rx[i] }

func (t *channelTransport) Fd() int        { return -1 }
func (t *channelTransport) IsMaster() bool { return t.master }

// Wait polls the RX channels, backing off from spinning to sleeping.
func (t *channelTransport) Wait(timeout time.Duration) error {
	ready := func() bool {
		for _, rx := range t.rx {
			if rx.Available() > 0 {
				return true
			}
		}
		return false
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	var b ratelimit.Backoff
	for !ready() {
		if timeout >= 0 && !time.Now().Before(deadline) {
			return nil
		}
		b.Wait()
	}
	return nil
}

func (t *channelTransport) Close() error {
	if t.onClose != nil {
		t.onClose()
	}
	return nil
}

/*---- In-process pipes ----*/

var pipes = pipeRegistry{byName: map[string]*memPipe{}}

type pipeRegistry struct {
	lock   sync.Mutex
	byName map[string]*memPipe
}

// memPipe holds both sides of a pipe. toPeer has the master's TX count,
// toMaster its RX count.
type memPipe struct {
	toPeerTx   []ring.FallbackTx
	toPeerRx   []ring.FallbackRx
	toMasterTx []ring.FallbackTx
	toMasterRx []ring.FallbackRx
	// attached is set while a peer holds the pipe. A closed peer frees
	// the seat, unread slots stay in the channels.
	attached bool
}

func (r *pipeRegistry) open(name string, conf Config) (Transport, error) {
	nTx, nRx := max(conf.TxRings, 1), max(conf.RxRings, 1)

	r.lock.Lock()
	defer r.lock.Unlock()

	p, ok := r.byName[name]
	if !ok {
		p = &memPipe{}
		for range nTx {
			tx, rx := ring.NewFallback(conf.Slots, conf.SlotSize)
			p.toPeerTx, p.toPeerRx = append(p.toPeerTx, tx), append(p.toPeerRx, rx)
		}
		for range nRx {
			tx, rx := ring.NewFallback(conf.Slots, conf.SlotSize)
			p.toMasterTx, p.toMasterRx = append(p.toMasterTx, tx), append(p.toMasterRx, rx)
		}
		r.byName[name] = p
		return &channelTransport{
			tx:     p.toPeerTx,
			rx:     p.toMasterRx,
			master: true,
			onClose: func() {
				r.lock.Lock()
				defer r.lock.Unlock()
				if r.byName[name] == p {
					delete(r.byName, name)
				}
			},
		}, nil
	}

	if p.attached {
		return nil, fmt.Errorf("%w: pipe %q already has a peer", ErrBindFail, name)
	}
	if nTx != len(p.toMasterTx) || nRx != len(p.toPeerRx) {
		return nil, fmt.Errorf(
			"%w: pipe %q has %d tx / %d rx rings, peer must request %d tx / %d rx, got %d / %d",
			ErrBindFail, name, len(p.toPeerTx), len(p.toMasterRx),
			len(p.toMasterTx), len(p.toPeerRx), nTx, nRx,
		)
	}
	p.attached = true
	t := &channelTransport{
		tx: make([]ring.FallbackTx, len(p.toMasterTx)),
		rx: make([]ring.FallbackRx, len(p.toPeerRx)),
		onClose: func() {
			r.lock.Lock()
			defer r.lock.Unlock()
			p.attached = false
		},
	}
	for i, tx := range p.toMasterTx {
		t.tx[i] = tx.Resume()
	}
	for i, rx := range p.toPeerRx {
		t.rx[i] = rx.Resume()
	}
	return t, nil
}
