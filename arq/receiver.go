package arq

import (
	"errors"

	"github.com/romshark/zcring/ring"
)

// Receiver is the receiving side. It owns the data RX ring and the ack
// TX ring and must be driven from a single goroutine.
type Receiver struct {
	data     *ring.RxRing
	acks     *ring.TxRing
	expected uint32
	stats    Stats
}

func NewReceiver(data *ring.RxRing, acks *ring.TxRing) *Receiver {
	return &Receiver{data: data, acks: acks}
}

func (r *Receiver) Stats() Stats { return r.stats }

// Poll returns the payloads that arrived in order since the last call.
// Out of order frames are dropped, the sender resends them.
// If any data frame arrived, the next expected sequence is acknowledged.
func (r *Receiver) Poll() ([][]byte, error) {
	var (
		got     [][]byte
		sawData bool
	)
	for {
		f, ok := r.data.Recv()
		if !ok {
			break
		}
		kind, seq, payload, ok := parse(f.Payload())
		if !ok || kind != kindData {
			r.stats.Discarded++
			continue
		}
		sawData = true
		if seq != r.expected {
			r.stats.Discarded++
			continue
		}
		got = append(got, append([]byte(nil), payload...))
		r.expected++
	}
	if err := r.data.Sync(); err != nil {
		return got, err
	}
	if !sawData {
		return got, nil
	}
	switch err := put(r.acks, kindAck, r.expected, nil); {
	case errors.Is(err, ring.ErrInsufficientSpace):
		// A lost ack is recovered by the sender's timeout.
		return got, nil
	case err != nil:
		return got, err
	}
	r.stats.Sent++
	return got, r.acks.Sync()
}
