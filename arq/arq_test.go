package arq_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/zcring/arq"
	"github.com/romshark/zcring/ring"
)

type link struct {
	dataTx *ring.TxRing
	dataRx *ring.RxRing
	s      *arq.Sender
	r      *arq.Receiver
}

func newLink(t *testing.T, conf arq.Config) link {
	t.Helper()
	dataTx, dataRx := ring.NewChannel(16, 64)
	ackTx, ackRx := ring.NewChannel(16, 64)
	s, err := arq.NewSender(dataTx, ackRx, conf)
	require.NoError(t, err)
	return link{dataTx: dataTx, dataRx: dataRx, s: s, r: arq.NewReceiver(dataRx, ackTx)}
}

func strs(b [][]byte) []string {
	out := make([]string, len(b))
	for i, p := range b {
		out[i] = string(p)
	}
	return out
}

func TestInOrder(t *testing.T) {
	l := newLink(t, arq.Config{})
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, l.s.Offer([]byte(p)))
	}
	require.Equal(t, 3, l.s.Outstanding())

	got, err := l.r.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, strs(got))

	require.NoError(t, l.s.Poll(time.Now()))
	require.Zero(t, l.s.Outstanding())
	assert.Equal(t, arq.Stats{Sent: 3, Acked: 3}, l.s.Stats())
	assert.Equal(t, arq.Stats{Sent: 1}, l.r.Stats())
}

func TestWindowFull(t *testing.T) {
	l := newLink(t, arq.Config{Window: 2})
	require.NoError(t, l.s.Offer([]byte("1")))
	require.NoError(t, l.s.Offer([]byte("2")))
	require.ErrorIs(t, l.s.Offer([]byte("3")), arq.ErrWindowFull)

	_, err := l.r.Poll()
	require.NoError(t, err)
	require.NoError(t, l.s.Poll(time.Now()))
	require.NoError(t, l.s.Offer([]byte("3")))
}

func TestPayloadTooLarge(t *testing.T) {
	l := newLink(t, arq.Config{})
	require.Equal(t, 64-5, l.s.MaxPayloadSize())
	require.ErrorIs(t, l.s.Offer(make([]byte, 60)), ring.ErrPacketTooLarge)
	require.NoError(t, l.s.Offer(make([]byte, 59)))
}

func TestRetransmitAfterLoss(t *testing.T) {
	conf := arq.Config{Timeout: 10 * time.Millisecond}
	l := newLink(t, conf)
	for i := range 3 {
		require.NoError(t, l.s.Offer([]byte(fmt.Sprint(i))))
	}

	// Lose the first frame on the wire.
	_, ok := l.dataRx.Recv()
	require.True(t, ok)
	require.NoError(t, l.dataRx.Sync())

	got, err := l.r.Poll()
	require.NoError(t, err)
	require.Empty(t, got)
	require.Equal(t, uint64(2), l.r.Stats().Discarded)

	// The duplicate ack for 0 changes nothing before the timeout.
	now := time.Now()
	require.NoError(t, l.s.Poll(now))
	require.Equal(t, 3, l.s.Outstanding())
	require.Zero(t, l.s.Stats().Retransmits)

	require.NoError(t, l.s.Poll(now.Add(conf.Timeout)))
	require.Equal(t, uint64(3), l.s.Stats().Retransmits)

	got, err = l.r.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"0", "1", "2"}, strs(got))
	require.NoError(t, l.s.Poll(now.Add(conf.Timeout)))
	require.Zero(t, l.s.Outstanding())
}

func TestDiscardGarbage(t *testing.T) {
	l := newLink(t, arq.Config{})
	require.NoError(t, l.dataTx.Send([]byte{1, 0}))
	require.NoError(t, l.dataTx.Send([]byte{2, 0, 0, 0, 0}))
	require.NoError(t, l.dataTx.Sync())
	got, err := l.r.Poll()
	require.NoError(t, err)
	require.Empty(t, got)
	require.Equal(t, arq.Stats{Discarded: 2}, l.r.Stats())
}

func TestConfig(t *testing.T) {
	var c arq.Config
	require.NoError(t, c.ValidateAndSetDefaults())
	require.Equal(t, arq.Config{Window: arq.DefaultWindow, Timeout: arq.DefaultTimeout}, c)

	c = arq.Config{Window: -1}
	require.Error(t, c.ValidateAndSetDefaults())
}
