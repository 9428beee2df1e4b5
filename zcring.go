// Package zcring opens zero-copy packet ring ports.
//
// A target string names a NIC, its host-stack rings or a named pipe
// (see ParseAddress). Open binds it through a native driver (netmap,
// AF_XDP or a shared-memory pipe) and falls back to in-process software
// channels when no native transport can serve it. Either way the rings
// are exposed as *ring.TxRing and *ring.RxRing.
package zcring

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/romshark/zcring/ring"
)

var (
	ErrBindFail            = ring.ErrBindFail
	ErrInvalidRingIndex    = ring.ErrInvalidRingIndex
	ErrPacketTooLarge      = ring.ErrPacketTooLarge
	ErrInsufficientSpace   = ring.ErrInsufficientSpace
	ErrWouldBlock          = ring.ErrWouldBlock
	ErrUnsupportedPlatform = ring.ErrUnsupportedPlatform
	ErrFallbackUnsupported = ring.ErrFallbackUnsupported
	ErrIo                  = ring.ErrIo
	ErrClosed              = ring.ErrClosed
)

// Backing selects what serves a port's rings.
type Backing int8

const (
	// BackingAuto uses a native driver when one is available
	// and software channels otherwise.
	BackingAuto Backing = iota
	// BackingNative requires a native driver.
	BackingNative
	// BackingFallback always uses software channels.
	BackingFallback
)

func (b Backing) String() string {
	switch b {
	case BackingAuto:
		return "auto"
	case BackingNative:
		return "native"
	case BackingFallback:
		return "fallback"
	}
	return fmt.Sprintf("Backing(%d)", int8(b))
}

// UnmarshalText accepts "auto", "native" and "fallback".
func (b *Backing) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "auto":
		*b = BackingAuto
	case "native":
		*b = BackingNative
	case "fallback":
		*b = BackingFallback
	default:
		return fmt.Errorf("unknown backing %q", text)
	}
	return nil
}

func (b Backing) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

type Config struct {
	// TxRings and RxRings is the number of rings to expose.
	// Zero exposes every ring a native binding offers and one ring
	// for fallback channels.
	TxRings int `yaml:"tx-rings"`
	RxRings int `yaml:"rx-rings"`

	Backing Backing `yaml:"backing"`

	// Slots and SlotSize size pipes and fallback channels.
	// Native NIC rings are sized by the driver.
	Slots    int `yaml:"slots"`
	SlotSize int `yaml:"slot-size"`

	// Flags are passed to the native driver verbatim.
	Flags uint32 `yaml:"flags"`

	// PreferZerocopy requests zero-copy driver mode for AF_XDP.
	// The socket silently falls back to copy mode when unsupported.
	PreferZerocopy bool `yaml:"prefer-zerocopy"`

	// Logger receives open, fallback and close events.
	// Defaults to a logger that discards everything.
	Logger logrus.FieldLogger `yaml:"-"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.TxRings < 0 || c.RxRings < 0 {
		return fmt.Errorf("%w: negative ring count", ErrBindFail)
	}
	if c.Backing < BackingAuto || c.Backing > BackingFallback {
		return fmt.Errorf("%w: %v", ErrBindFail, c.Backing)
	}
	if c.Slots < 0 || c.SlotSize < 0 {
		return fmt.Errorf("%w: negative slot geometry", ErrBindFail)
	}
	if c.Slots == 0 {
		c.Slots = ring.DefaultFallbackSlots
	}
	if c.SlotSize == 0 {
		c.SlotSize = ring.DefaultFallbackSlotSize
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	return nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
