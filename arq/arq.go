// Package arq adds Go-Back-N reliability on top of a pair of rings.
//
// Data flows over one TX/RX ring pair and cumulative acknowledgments
// flow back over another. Every frame starts with a 5 byte header:
//
//	kind (1 byte, 1 = data, 2 = ack) | sequence (4 bytes, big endian)
//
// followed by the payload for data frames. An ack carries the next
// sequence number the receiver expects.
package arq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/romshark/zcring/ring"
)

const (
	kindData   = 1
	kindAck    = 2
	headerSize = 5
)

const (
	DefaultWindow  = 8
	DefaultTimeout = 50 * time.Millisecond
)

var ErrWindowFull = errors.New("send window full")

type Config struct {
	// Window is the maximum number of unacknowledged frames.
	Window int `yaml:"window"`
	// Timeout is how long the oldest unacknowledged frame may stay
	// unacknowledged before the whole window is resent.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Window < 0 || c.Timeout < 0 {
		return fmt.Errorf("invalid arq config: window %d, timeout %s", c.Window, c.Timeout)
	}
	return nil
}

// put writes one frame through a single-slot reservation.
func put(tx *ring.TxRing, kind byte, seq uint32, payload []byte) error {
	res, err := tx.ReserveBatch(1)
	if errors.Is(err, ring.ErrInsufficientSpace) {
		if err := tx.Sync(); err != nil {
			return err
		}
		res, err = tx.ReserveBatch(1)
	}
	if err != nil {
		return err
	}
	defer res.Rollback()
	b, err := res.Packet(0, headerSize+len(payload))
	if err != nil {
		return err
	}
	b[0] = kind
	binary.BigEndian.PutUint32(b[1:], seq)
	copy(b[headerSize:], payload)
	res.Commit()
	return nil
}

func parse(p []byte) (kind byte, seq uint32, payload []byte, ok bool) {
	if len(p) < headerSize {
		return 0, 0, nil, false
	}
	return p[0], binary.BigEndian.Uint32(p[1:]), p[headerSize:], true
}

// Stats counts protocol events.
type Stats struct {
	Sent        uint64
	Retransmits uint64
	Acked       uint64
	Discarded   uint64
}
