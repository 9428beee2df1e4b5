package arq

import (
	"errors"
	"fmt"
	"time"

	"github.com/romshark/zcring/ring"
)

// Sender is the sending side. It owns the data TX ring and the ack
// RX ring and must be driven from a single goroutine.
type Sender struct {
	conf   Config
	data   *ring.TxRing
	acks   *ring.RxRing
	base   uint32 // oldest unacknowledged sequence
	next   uint32 // sequence of the next offered payload
	window [][]byte
	sentAt time.Time
	stats  Stats
}

func NewSender(data *ring.TxRing, acks *ring.RxRing, conf Config) (*Sender, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Sender{
		conf:   conf,
		data:   data,
		acks:   acks,
		window: make([][]byte, conf.Window),
	}, nil
}

// MaxPayloadSize is the largest payload Offer accepts.
func (s *Sender) MaxPayloadSize() int { return s.data.MaxPayloadSize() - headerSize }

// Outstanding returns the number of unacknowledged frames.
func (s *Sender) Outstanding() int { return int(s.next - s.base) }

func (s *Sender) Stats() Stats { return s.stats }

// Offer sends payload as the next sequence. It fails with ErrWindowFull
// while Window frames are unacknowledged. The payload is copied.
// A frame that does not fit the ring right now is left to the
// retransmission timer.
func (s *Sender) Offer(payload []byte) error {
	if s.Outstanding() >= s.conf.Window {
		return ErrWindowFull
	}
	if len(payload) > s.MaxPayloadSize() {
		return fmt.Errorf("%w: %d bytes > %d", ring.ErrPacketTooLarge, len(payload), s.MaxPayloadSize())
	}
	seq := s.next
	slot := &s.window[seq%uint32(s.conf.Window)]
	*slot = append((*slot)[:0], payload...)
	if s.Outstanding() == 0 {
		s.sentAt = time.Now()
	}
	s.next++
	if err := s.transmit(seq); err != nil {
		return err
	}
	return s.data.Sync()
}

func (s *Sender) transmit(seq uint32) error {
	err := put(s.data, kindData, seq, s.window[seq%uint32(s.conf.Window)])
	if errors.Is(err, ring.ErrInsufficientSpace) {
		return nil
	}
	if err == nil {
		s.stats.Sent++
	}
	return err
}

// Poll processes acknowledgments and resends the whole window once the
// oldest frame has been unacknowledged for Timeout.
func (s *Sender) Poll(now time.Time) error {
	for {
		f, ok := s.acks.Recv()
		if !ok {
			break
		}
		kind, ack, _, ok := parse(f.Payload())
		if !ok || kind != kindAck {
			s.stats.Discarded++
			continue
		}
		// ack is cumulative, everything before it arrived.
		if n := ack - s.base; n > 0 && n <= s.next-s.base {
			s.base = ack
			s.stats.Acked += uint64(n)
			s.sentAt = now
		}
	}
	if err := s.acks.Sync(); err != nil {
		return err
	}

	if s.Outstanding() > 0 && now.Sub(s.sentAt) >= s.conf.Timeout {
		for seq := s.base; seq != s.next; seq++ {
			if err := s.transmit(seq); err != nil {
				return err
			}
			s.stats.Retransmits++
		}
		s.sentAt = now
	}
	return s.data.Sync()
}
