//go:build linux

package shmpipe_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/zcring/ring"
	"github.com/romshark/zcring/shmpipe"
)

func openPair(t *testing.T, master, peer shmpipe.Config) (*shmpipe.Pipe, *shmpipe.Pipe) {
	t.Helper()
	dir := t.TempDir()
	master.Dir, peer.Dir = dir, dir
	name := uuid.NewString()

	m, err := shmpipe.Open(name, master)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.True(t, m.IsMaster())

	p, err := shmpipe.Open(name, peer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.False(t, p.IsMaster())
	return m, p
}

func rings(p *shmpipe.Pipe) (*ring.TxRing, *ring.RxRing) {
	tx, rx := p.Tx(0), p.Rx(0)
	return ring.NewTxRing(0, tx, tx), ring.NewRxRing(0, rx, rx)
}

func TestMasterPeerExchange(t *testing.T) {
	m, p := openPair(t,
		shmpipe.Config{Slots: 8, SlotSize: 64},
		shmpipe.Config{},
	)
	require.True(t, m.PeerAttached())
	require.True(t, p.PeerAttached())

	mtx, mrx := rings(m)
	ptx, prx := rings(p)
	require.Equal(t, 8, prx.NumSlots())
	require.Equal(t, 64, ptx.MaxPayloadSize())

	require.NoError(t, mtx.Send([]byte("ping")))
	require.NoError(t, mtx.Sync())
	f, ok := prx.Recv()
	require.True(t, ok)
	require.True(t, f.Borrowed())
	require.Equal(t, "ping", string(f.Payload()))
	require.NoError(t, prx.Sync())
	require.False(t, f.Valid())

	require.NoError(t, ptx.Send([]byte("pong")))
	require.NoError(t, ptx.Sync())
	f, ok = mrx.Recv()
	require.True(t, ok)
	require.Equal(t, "pong", string(f.Payload()))
}

func TestMirroredRingCounts(t *testing.T) {
	m, p := openPair(t,
		shmpipe.Config{TxRings: 2, RxRings: 3},
		shmpipe.Config{TxRings: 3, RxRings: 2},
	)
	require.Equal(t, 2, m.NumTxRings())
	require.Equal(t, 3, m.NumRxRings())
	require.Equal(t, 3, p.NumTxRings())
	require.Equal(t, 2, p.NumRxRings())

	// Master TX ring 1 feeds peer RX ring 1.
	tx := ring.NewTxRing(1, m.Tx(1), m.Tx(1))
	rx := ring.NewRxRing(1, p.Rx(1), p.Rx(1))
	require.NoError(t, tx.Send([]byte("lane1")))
	require.NoError(t, tx.Sync())
	f, ok := rx.Recv()
	require.True(t, ok)
	require.Equal(t, "lane1", string(f.Payload()))

	other := ring.NewRxRing(0, p.Rx(0), p.Rx(0))
	_, ok = other.Recv()
	require.False(t, ok)
}

func TestAttachMismatch(t *testing.T) {
	dir := t.TempDir()
	name := uuid.NewString()
	m, err := shmpipe.Open(name, shmpipe.Config{Dir: dir, TxRings: 2})
	require.NoError(t, err)
	defer m.Close()

	_, err = shmpipe.Open(name, shmpipe.Config{Dir: dir, TxRings: 2})
	require.ErrorIs(t, err, ring.ErrBindFail)

	// The failed attempt must not occupy the peer seat.
	p, err := shmpipe.Open(name, shmpipe.Config{Dir: dir, RxRings: 2})
	require.NoError(t, err)
	defer p.Close()
}

func TestThirdOpenerFails(t *testing.T) {
	dir := t.TempDir()
	name := uuid.NewString()
	m, err := shmpipe.Open(name, shmpipe.Config{Dir: dir})
	require.NoError(t, err)
	defer m.Close()
	p, err := shmpipe.Open(name, shmpipe.Config{Dir: dir})
	require.NoError(t, err)

	_, err = shmpipe.Open(name, shmpipe.Config{Dir: dir})
	require.ErrorIs(t, err, ring.ErrBindFail)

	require.NoError(t, p.Close())
	require.False(t, m.PeerAttached())
	p, err = shmpipe.Open(name, shmpipe.Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestMasterCloseRemovesSegment(t *testing.T) {
	dir := t.TempDir()
	m, err := shmpipe.Open("gone", shmpipe.Config{Dir: dir})
	require.NoError(t, err)
	_, err = os.Stat(m.Path())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "zcring-pipe-gone"), m.Path())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = os.Stat(m.Path())
	require.ErrorIs(t, err, os.ErrNotExist)

	// Reopening creates a fresh master.
	m, err = shmpipe.Open("gone", shmpipe.Config{Dir: dir})
	require.NoError(t, err)
	require.True(t, m.IsMaster())
	require.NoError(t, m.Close())
}

func TestStaleSegmentIsReplaced(t *testing.T) {
	dir := t.TempDir()
	m, err := shmpipe.Open("stale", shmpipe.Config{Dir: dir})
	require.NoError(t, err)
	// Keep a copy of the segment, then let the master go away cleanly.
	b, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	path := m.Path()
	require.NoError(t, m.Close())

	// The copy still claims the master is alive but is marked closed.
	b[44] = 1
	require.NoError(t, os.WriteFile(path, b, 0o600))

	m, err = shmpipe.Open("stale", shmpipe.Config{Dir: dir})
	require.NoError(t, err)
	require.True(t, m.IsMaster())
	require.NoError(t, m.Close())
}

func TestEmptyName(t *testing.T) {
	_, err := shmpipe.Open("", shmpipe.Config{Dir: t.TempDir()})
	require.ErrorIs(t, err, ring.ErrBindFail)
}

func TestSegmentPath(t *testing.T) {
	require.Equal(t, "/x/zcring-pipe-a.b-c", shmpipe.SegmentPath("/x", "a.b-c"))
	require.Equal(t, "/x/zcring-pipe-a_2fb_7b", shmpipe.SegmentPath("/x", "a/b{"))
}

func TestWaitAcrossEndpoints(t *testing.T) {
	m, p := openPair(t, shmpipe.Config{Slots: 4}, shmpipe.Config{})
	mtx, _ := rings(m)
	_, prx := rings(p)

	start := time.Now()
	require.NoError(t, p.Wait(5*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- p.Wait(-1) }()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, mtx.Send([]byte("wake")))
	require.NoError(t, mtx.Sync())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
	f, ok := prx.Recv()
	require.True(t, ok)
	require.Equal(t, "wake", string(f.Payload()))
}

func TestStreamAcrossGoroutines(t *testing.T) {
	const total = 10_000
	m, p := openPair(t, shmpipe.Config{Slots: 32, SlotSize: 32}, shmpipe.Config{})
	tx, _ := rings(m)
	_, rx := rings(p)

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < total; {
			err := tx.Send(fmt.Appendf(nil, "%d", i))
			if err != nil {
				if err := tx.Sync(); err != nil {
					return err
				}
				if err := tx.Wait(10 * time.Millisecond); err != nil {
					return err
				}
				continue
			}
			i++
		}
		return tx.Sync()
	})
	g.Go(func() error {
		for next := 0; next < total; {
			f, ok := rx.Recv()
			if !ok {
				if err := rx.Sync(); err != nil {
					return err
				}
				if err := rx.Wait(10 * time.Millisecond); err != nil {
					return err
				}
				continue
			}
			if want := fmt.Sprint(next); string(f.Payload()) != want {
				return fmt.Errorf("got %q, want %q", f.Payload(), want)
			}
			next++
		}
		return nil
	})
	require.NoError(t, g.Wait())
}

// TestParityWithFallback runs the same call sequence against a fallback
// channel and a pipe of the same geometry.
func TestParityWithFallback(t *testing.T) {
	const slots, size = 4, 16
	m, p := openPair(t, shmpipe.Config{Slots: slots, SlotSize: size}, shmpipe.Config{})
	ptx, _ := rings(m)
	_, prx := rings(p)
	ftx, frx := ring.NewChannel(slots, size)

	run := func(tx *ring.TxRing, rx *ring.RxRing) (got []string, errs []error) {
		step := func(payload string) {
			errs = append(errs, tx.Send([]byte(payload)))
		}
		drain := func() {
			for {
				f, ok := rx.Recv()
				if !ok {
					break
				}
				got = append(got, string(f.Payload()))
			}
		}
		for i := range 6 {
			step(fmt.Sprint("p", i))
		}
		errs = append(errs, tx.Sync())
		drain()
		errs = append(errs, rx.Sync(), tx.Sync())
		res, err := tx.ReserveBatch(3)
		errs = append(errs, err)
		if err == nil {
			for i := range 3 {
				b, _ := res.Packet(i, 2)
				copy(b, fmt.Sprint("b", i))
			}
			res.Commit()
		}
		step("tail")
		step(string(make([]byte, size+1)))
		errs = append(errs, tx.Sync())
		drain()
		return got, errs
	}

	wantGot, wantErrs := run(ftx, frx)
	got, errs := run(ptx, prx)
	require.Equal(t, wantGot, got)
	require.Equal(t, []string{"p0", "p1", "p2", "p3", "b0", "b1", "b2", "tail"}, got)
	require.Len(t, errs, len(wantErrs))
	for i := range errs {
		require.Equal(t, fmt.Sprint(wantErrs[i]), fmt.Sprint(errs[i]), "step %d", i)
	}
}
