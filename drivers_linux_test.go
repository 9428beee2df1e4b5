//go:build linux

package zcring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/zcring"
)

func TestSharedMemoryPipe(t *testing.T) {
	name := pipeName()
	master, err := zcring.Open(name, zcring.Config{Backing: zcring.BackingNative, Slots: 8})
	require.NoError(t, err)
	defer master.Close()
	require.False(t, master.IsFallback())
	require.True(t, master.IsMaster())

	peer, err := zcring.Open("netmap:"+name, zcring.Config{})
	require.NoError(t, err)
	defer peer.Close()
	require.False(t, peer.IsFallback())
	require.False(t, peer.IsMaster())

	_, err = zcring.Open(name, zcring.Config{})
	require.ErrorIs(t, err, zcring.ErrBindFail)

	_, err = peer.Fd()
	require.ErrorIs(t, err, zcring.ErrFallbackUnsupported)

	tx, _ := master.TxRing(0)
	rx, _ := peer.RxRing(0)
	require.Equal(t, 8, tx.NumSlots())
	require.NoError(t, tx.Send([]byte("shm")))
	require.NoError(t, tx.Sync())
	require.NoError(t, peer.Wait(time.Second))
	require.NoError(t, rx.Sync())
	f, ok := rx.Recv()
	require.True(t, ok)
	require.True(t, f.Borrowed())
	require.Equal(t, "shm", string(f.Payload()))
	require.NoError(t, rx.Sync())
	require.False(t, f.Valid())
}

func TestSharedMemoryPipeReattach(t *testing.T) {
	testPeerReattach(t, zcring.Config{Backing: zcring.BackingNative})
}
