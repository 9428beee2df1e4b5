package runner_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/romshark/zcring"
	"github.com/romshark/zcring/ring"
	"github.com/romshark/zcring/runner"
)

var errDone = errors.New("done")

func TestRun(t *testing.T) {
	tx0, rx0 := ring.NewChannel(8, 64)
	tx1, rx1 := ring.NewChannel(8, 64)

	for i := range 5 {
		require.NoError(t, tx0.Send([]byte(fmt.Sprintf("a%d", i))))
		require.NoError(t, tx1.Send([]byte(fmt.Sprintf("b%d", i))))
	}
	require.NoError(t, tx0.Sync())
	require.NoError(t, tx1.Sync())

	got := make([][]string, 2)
	var (
		lock  sync.Mutex
		total int
	)
	err := runner.Run(context.Background(), []*ring.RxRing{rx0, rx1},
		func(r int, f ring.Frame) error {
			lock.Lock()
			defer lock.Unlock()
			got[r] = append(got[r], string(f.Payload()))
			if total++; total == 10 {
				return errDone
			}
			return nil
		},
	)
	require.ErrorIs(t, err, errDone)
	require.Equal(t, []string{"a0", "a1", "a2", "a3", "a4"}, got[0])
	require.Equal(t, []string{"b0", "b1", "b2", "b3", "b4"}, got[1])
}

func TestRunCanceled(t *testing.T) {
	_, rx := ring.NewChannel(8, 64)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := runner.Run(ctx, []*ring.RxRing{rx}, func(int, ring.Frame) error {
		return errors.New("unexpected frame")
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunNoRings(t *testing.T) {
	require.NoError(t, runner.Run(context.Background(), nil, nil))
}

func openPair(t *testing.T) (master, peer *zcring.Port) {
	t.Helper()
	name := "pipe{" + uuid.NewString() + "}"
	conf := zcring.Config{Backing: zcring.BackingFallback, Slots: 16, SlotSize: 128}
	master, err := zcring.Open(name, conf)
	require.NoError(t, err)
	peer, err = zcring.Open(name, conf)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, peer.Close())
		require.NoError(t, master.Close())
	})
	return master, peer
}

func recvOne(t *testing.T, p *zcring.Port) string {
	t.Helper()
	rx, err := p.RxRing(0)
	require.NoError(t, err)
	require.NoError(t, p.Wait(time.Second))
	require.NoError(t, rx.Sync())
	f, ok := rx.Recv()
	require.True(t, ok)
	return string(f.Payload())
}

func TestBridge(t *testing.T) {
	left, bridgeA := openPair(t)
	bridgeB, right := openPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- runner.Bridge(ctx, bridgeA, bridgeB) }()

	ltx, _ := left.TxRing(0)
	require.NoError(t, ltx.Send([]byte("left to right")))
	require.NoError(t, ltx.Sync())
	require.Equal(t, "left to right", recvOne(t, right))

	rtx, _ := right.TxRing(0)
	require.NoError(t, rtx.Send([]byte("right to left")))
	require.NoError(t, rtx.Sync())
	require.Equal(t, "right to left", recvOne(t, left))

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}
