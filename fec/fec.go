// Package fec adds forward error correction on top of a ring.
//
// Every message is split into DataShards equally sized shards and
// extended with ParityShards Reed-Solomon parity shards. Each shard is
// sent as its own frame, so a message survives the loss of up to
// ParityShards frames without retransmission. Every frame starts with a
// 9 byte header:
//
//	shard index (1 byte) | block (4 bytes, big endian) | message length (4 bytes, big endian)
//
// followed by the shard. All shards of a block go out in one batch.
package fec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

const headerSize = 9

const (
	DefaultDataShards   = 2
	DefaultParityShards = 1
	DefaultWindow       = 64

	// MaxShards is the Reed-Solomon limit over GF(2^8).
	MaxShards = 256
)

type Config struct {
	DataShards   int `yaml:"data-shards"`
	ParityShards int `yaml:"parity-shards"`
	// Window is how many recent blocks the decoder keeps for reassembly.
	// Shards of older blocks are discarded.
	Window int `yaml:"window"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.DataShards == 0 {
		c.DataShards = DefaultDataShards
	}
	if c.ParityShards == 0 {
		c.ParityShards = DefaultParityShards
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.DataShards < 0 || c.ParityShards < 0 || c.Window < 0 {
		return fmt.Errorf("invalid fec config: %d data, %d parity shards, window %d",
			c.DataShards, c.ParityShards, c.Window)
	}
	if n := c.DataShards + c.ParityShards; n > MaxShards {
		return fmt.Errorf("invalid fec config: %d shards > %d", n, MaxShards)
	}
	return nil
}

func (c Config) total() int { return c.DataShards + c.ParityShards }

func newCodec(c Config) (reedsolomon.Encoder, error) {
	return reedsolomon.New(c.DataShards, c.ParityShards)
}

func putHeader(b []byte, index int, block uint32, length int) {
	b[0] = byte(index)
	binary.BigEndian.PutUint32(b[1:], block)
	binary.BigEndian.PutUint32(b[5:], uint32(length))
}

func parse(p []byte) (index int, block uint32, length int, shard []byte, ok bool) {
	if len(p) <= headerSize {
		return 0, 0, 0, nil, false
	}
	return int(p[0]), binary.BigEndian.Uint32(p[1:]), int(binary.BigEndian.Uint32(p[5:])),
		p[headerSize:], true
}

// Stats counts coding events.
type Stats struct {
	// Blocks is the number of blocks sent or delivered.
	Blocks uint64
	// Recovered counts delivered blocks that needed parity.
	Recovered uint64
	// Lost counts blocks that fell out of the window undecodable.
	Lost uint64
	// Discarded counts malformed, late or duplicate shards.
	Discarded uint64
}
