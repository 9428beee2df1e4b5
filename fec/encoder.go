package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/romshark/zcring/ring"
)

// Encoder writes coded blocks to a TX ring. Parity is computed in place
// in the reserved slots. It must be driven from a single goroutine.
type Encoder struct {
	conf   Config
	tx     *ring.TxRing
	codec  reedsolomon.Encoder
	shards [][]byte
	block  uint32
	stats  Stats
}

func NewEncoder(tx *ring.TxRing, conf Config) (*Encoder, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if n := conf.total(); n > tx.NumSlots() {
		return nil, fmt.Errorf("%w: %d shards per block, ring has %d slots",
			ring.ErrInsufficientSpace, n, tx.NumSlots())
	}
	codec, err := newCodec(conf)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		conf:   conf,
		tx:     tx,
		codec:  codec,
		shards: make([][]byte, conf.total()),
	}, nil
}

// MaxMessageSize is the largest message Send accepts.
func (e *Encoder) MaxMessageSize() int {
	return e.conf.DataShards * (e.tx.MaxPayloadSize() - headerSize)
}

func (e *Encoder) Stats() Stats { return e.stats }

// Send codes msg into one block and commits all of its shards at once.
// Like TxRing.Send it fails with ring.ErrInsufficientSpace if the ring
// cannot take the whole block, leaving the ring untouched. The block
// becomes visible to the peer on the next Sync of the ring.
func (e *Encoder) Send(msg []byte) error {
	if len(msg) == 0 {
		return fmt.Errorf("%w: empty message", ring.ErrInvalidRingIndex)
	}
	if limit := e.MaxMessageSize(); len(msg) > limit {
		return fmt.Errorf("%w: %d bytes > %d", ring.ErrPacketTooLarge, len(msg), limit)
	}
	k := e.conf.DataShards
	size := (len(msg) + k - 1) / k

	return e.tx.SendBatch(e.conf.total(), func(res *ring.Reservation) error {
		for i := range e.shards {
			p, err := res.Packet(i, headerSize+size)
			if err != nil {
				return err
			}
			putHeader(p, i, e.block, len(msg))
			shard := p[headerSize:]
			if i < k {
				n := copy(shard, msg[min(i*size, len(msg)):])
				clear(shard[n:])
			}
			e.shards[i] = shard
		}
		if err := e.codec.Encode(e.shards); err != nil {
			return fmt.Errorf("encoding block %d: %w", e.block, err)
		}
		e.block++
		e.stats.Blocks++
		return nil
	})
}
