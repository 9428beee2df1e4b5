package zcring

import (
	"time"

	"github.com/romshark/zcring/ring"
)

// Request is what a Driver is asked to bind.
type Request struct {
	TxRings        int
	RxRings        int
	Slots          int
	SlotSize       int
	Flags          uint32
	PreferZerocopy bool
}

// Driver is a native transport.
type Driver interface {
	Name() string
	// Supports reports whether the driver can serve addr at all.
	Supports(addr Address) bool
	// Available reports whether the platform offers the transport now.
	Available() bool
	Open(addr Address, req Request) (Transport, error)
}

// Transport is a bound native port.
//
// The Syncer returned with each ring carries that ring's notify and wait.
type Transport interface {
	NumTxRings() int
	NumRxRings() int
	TxSlots(i int) (ring.TxSlots, ring.Syncer)
	RxSlots(i int) (ring.RxSlots, ring.Syncer)
	// Fd returns a descriptor usable with poll or -1 if there is none.
	Fd() int
	// Wait blocks until any RX ring has frames or timeout elapses.
	Wait(timeout time.Duration) error
	IsMaster() bool
	Close() error
}

// drivers is filled per platform, earlier entries take precedence.
var drivers []Driver

// nativeDriver returns the driver able to serve addr, nil if none.
func nativeDriver(addr Address) Driver {
	for _, d := range drivers {
		if d.Supports(addr) {
			return d
		}
	}
	return nil
}
