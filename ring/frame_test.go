package ring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/zcring/ring"
)

// sharedSlots is a single-threaded backing whose payloads point into a
// fixed arena, the way kernel-mapped rings do.
type sharedSlots struct {
	arena    []byte
	lens     []int
	slotSize int
	prod     uint64
	cons     uint64
	notified int
}

func newSharedSlots(n, size int) *sharedSlots {
	return &sharedSlots{arena: make([]byte, n*size), lens: make([]int, n), slotSize: size}
}

func (s *sharedSlots) NumSlots() int { return len(s.lens) }
func (s *sharedSlots) SlotSize() int { return s.slotSize }
func (s *sharedSlots) buf(pos uint64) []byte {
	i := int(pos % uint64(len(s.lens)))
	return s.arena[i*s.slotSize : (i+1)*s.slotSize]
}
func (s *sharedSlots) Notify() error { s.notified++; return nil }
func (s *sharedSlots) Wait(time.Duration) error { return nil }
func (s *sharedSlots) tx() *sharedTx { return &sharedTx{s} }
func (s *sharedSlots) rx() *sharedRx { return &sharedRx{s} }
func (s *sharedSlots) setLen(pos uint64, n int) { s.lens[pos%uint64(len(s.lens))] = n }
func (s *sharedSlots) length(pos uint64) int { return s.lens[pos%uint64(len(s.lens))] }
func (s *sharedSlots) payload(pos uint64) []byte { return s.buf(pos)[:s.length(pos)] }
func (s *sharedSlots) freeSlots() int { return len(s.lens) - int(s.prod-s.cons) }
func (s *sharedSlots) filledSlots() int { return int(s.prod - s.cons) }
func (s *sharedSlots) releaseProduced(n int) { s.prod += uint64(n) }
func (s *sharedSlots) releaseConsumed(n int) { s.cons += uint64(n) }
func (s *sharedSlots) scribble(pos uint64, b byte) { s.buf(pos)[0] = b }

type sharedTx struct{ *sharedSlots }

func (t *sharedTx) Available() int { return t.freeSlots() }
func (t *sharedTx) Release(n int) { t.releaseProduced(n) }
func (t *sharedTx) Buffer(pos uint64) []byte { return t.buf(pos) }
func (t *sharedTx) SetLength(pos uint64, n int) { t.setLen(pos, n) }

type sharedRx struct{ *sharedSlots }

func (r *sharedRx) Available() int { return r.filledSlots() }
func (r *sharedRx) Release(n int) { r.releaseConsumed(n) }
func (r *sharedRx) Payload(pos uint64) ([]byte, bool) { return r.payload(pos), false }

func newSharedPair(n, size int) (*sharedSlots, *ring.TxRing, *ring.RxRing) {
	s := newSharedSlots(n, size)
	return s, ring.NewTxRing(0, s.tx(), s), ring.NewRxRing(0, s.rx(), s)
}

func TestBorrowedFrameExpiresOnSync(t *testing.T) {
	s, tx, rx := newSharedPair(4, 16)
	require.NoError(t, tx.Send([]byte("zero-copy")))
	require.NoError(t, tx.Sync())

	f, ok := rx.Recv()
	require.True(t, ok)
	require.True(t, f.Borrowed())
	require.True(t, f.Valid())
	require.Equal(t, "zero-copy", string(f.Payload()))
	require.Equal(t, 9, f.Len())

	kept := f.Detach()
	require.False(t, kept.Borrowed())

	require.NoError(t, rx.Sync())
	require.False(t, f.Valid())
	require.Nil(t, f.Payload())
	require.Zero(t, f.Len())
	require.True(t, f.IsEmpty())
	require.True(t, f.Detach().IsEmpty())

	s.scribble(0, 'X')
	require.Equal(t, "zero-copy", string(kept.Payload()))
}

func TestSyncReleasesOnlyReadSlots(t *testing.T) {
	s, tx, rx := newSharedPair(4, 16)
	require.NoError(t, tx.Send([]byte("a")))
	require.NoError(t, tx.Send([]byte("b")))
	require.NoError(t, tx.Sync())

	f, ok := rx.Recv()
	require.True(t, ok)
	require.NoError(t, rx.Sync())
	require.False(t, f.Valid())

	// Only the slot handed out was released, "b" is still unread.
	require.Equal(t, uint64(1), s.cons)
	g, ok := rx.Recv()
	require.True(t, ok)
	require.Equal(t, "b", string(g.Payload()))

	// g was handed out after the last sync, so the next one releases it.
	require.NoError(t, rx.Sync())
	require.False(t, g.Valid())
	require.Equal(t, uint64(2), s.cons)
	require.NoError(t, rx.Sync())
	require.Equal(t, uint64(2), s.cons)
}

func TestBorrowedFrameExpiresOnClose(t *testing.T) {
	_, tx, rx := newSharedPair(4, 16)
	require.NoError(t, tx.Send([]byte("a")))
	require.NoError(t, tx.Sync())
	f, ok := rx.Recv()
	require.True(t, ok)
	require.NoError(t, rx.Close())
	require.False(t, f.Valid())
	require.Nil(t, f.Payload())
}

func TestRedundantSyncIsHarmless(t *testing.T) {
	s, tx, rx := newSharedPair(4, 16)
	for range 10 {
		require.NoError(t, tx.Sync())
		require.NoError(t, rx.Sync())
	}
	require.Zero(t, s.prod)
	require.Zero(t, s.cons)
	require.Equal(t, 20, s.notified)
	require.Equal(t, uint64(10), tx.Stats().Syncs)
}

func TestOwnedFrame(t *testing.T) {
	f := ring.OwnedFrame([]byte("own"))
	require.True(t, f.Valid())
	require.False(t, f.Borrowed())
	require.Equal(t, f, f.Detach())
	require.Equal(t, 3, f.Len())
}
