package fec

import (
	"github.com/klauspost/reedsolomon"

	"github.com/romshark/zcring/ring"
)

type block struct {
	shards [][]byte
	size   int // shard size
	length int // message length
	have   int
	done   bool
}

// Decoder reassembles blocks from an RX ring. It must be driven from a
// single goroutine.
type Decoder struct {
	conf   Config
	rx     *ring.RxRing
	codec  reedsolomon.Encoder
	blocks map[uint32]*block
	newest uint32
	seen   bool
	stats  Stats
}

func NewDecoder(rx *ring.RxRing, conf Config) (*Decoder, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	codec, err := newCodec(conf)
	if err != nil {
		return nil, err
	}
	return &Decoder{
		conf:   conf,
		rx:     rx,
		codec:  codec,
		blocks: make(map[uint32]*block, conf.Window),
	}, nil
}

func (d *Decoder) Stats() Stats { return d.stats }

// Poll drains the ring and returns the messages whose blocks became
// decodable, in the order they did. A block is delivered as soon as
// DataShards of its shards arrived, later shards of it are discarded.
func (d *Decoder) Poll() ([][]byte, error) {
	var got [][]byte
	for {
		f, ok := d.rx.Recv()
		if !ok {
			break
		}
		if msg := d.add(f.Payload()); msg != nil {
			got = append(got, msg)
		}
	}
	d.prune()
	return got, d.rx.Sync()
}

func (d *Decoder) add(p []byte) []byte {
	index, id, length, shard, ok := parse(p)
	if !ok || index >= d.conf.total() ||
		length == 0 || length > d.conf.DataShards*len(shard) {
		d.stats.Discarded++
		return nil
	}
	if d.seen && int32(d.newest-id) >= int32(d.conf.Window) {
		d.stats.Discarded++
		return nil
	}
	if !d.seen || int32(id-d.newest) > 0 {
		d.newest, d.seen = id, true
	}

	b := d.blocks[id]
	if b == nil {
		b = &block{
			shards: make([][]byte, d.conf.total()),
			size:   len(shard),
			length: length,
		}
		d.blocks[id] = b
	}
	if b.done || b.shards[index] != nil || len(shard) != b.size || length != b.length {
		d.stats.Discarded++
		return nil
	}
	// Frames may be borrowed from the ring.
	b.shards[index] = append([]byte(nil), shard...)
	b.have++
	if b.have < d.conf.DataShards {
		return nil
	}

	b.done = true
	for _, s := range b.shards[:d.conf.DataShards] {
		if s == nil {
			if err := d.codec.ReconstructData(b.shards); err != nil {
				d.stats.Discarded++
				return nil
			}
			d.stats.Recovered++
			break
		}
	}
	msg := make([]byte, 0, d.conf.DataShards*b.size)
	for _, s := range b.shards[:d.conf.DataShards] {
		msg = append(msg, s...)
	}
	b.shards = nil
	d.stats.Blocks++
	return msg[:b.length]
}

// prune forgets blocks that fell out of the window.
func (d *Decoder) prune() {
	for id, b := range d.blocks {
		if int32(d.newest-id) < int32(d.conf.Window) {
			continue
		}
		if !b.done {
			d.stats.Lost++
		}
		delete(d.blocks, id)
	}
}
