//go:build linux

package netmap

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/zcring/ring"
)

const (
	fakeSlots   = 4
	fakeBufSize = 64
	fakeBufs    = 4096
)

// fakeRegion lays out a netmap_if with 2 NIC TX, 1 host TX, 1 NIC RX
// and 1 host RX ring, 4 slots each, the way the kernel maps it.
func fakeRegion() []byte {
	const rings = 5
	mem := make([]byte, fakeBufs+rings*fakeSlots*fakeBufSize)
	le := binary.LittleEndian
	le.PutUint32(mem[ifTxRings:], 2)
	le.PutUint32(mem[ifRxRings:], 1)
	le.PutUint32(mem[ifHostTxRings:], 1)
	le.PutUint32(mem[ifHostRxRings:], 1)
	for k := range rings {
		off := 512 * (k + 1)
		le.PutUint64(mem[ifRingOfs+8*k:], uint64(off))
		le.PutUint64(mem[off+ringBufOfs:], uint64(fakeBufs-off))
		le.PutUint32(mem[off+ringNumSlots:], fakeSlots)
		le.PutUint32(mem[off+ringBufSize:], fakeBufSize)
		for j := range fakeSlots {
			le.PutUint32(mem[off+ringSlots+j*slotSize:], uint32(k*fakeSlots+j))
		}
	}
	return mem
}

func setIndices(mem []byte, k int, head, tail uint32) {
	off := 512 * (k + 1)
	binary.LittleEndian.PutUint32(mem[off+ringHead:], head)
	binary.LittleEndian.PutUint32(mem[off+ringCur:], head)
	binary.LittleEndian.PutUint32(mem[off+ringTail:], tail)
}

type nopSyncer struct{}

func (nopSyncer) Notify() error            { return nil }
func (nopSyncer) Wait(time.Duration) error { return nil }

func TestMapRings(t *testing.T) {
	p := &Port{mem: fakeRegion()}
	require.NoError(t, p.mapRings(0))
	require.Equal(t, 2, p.NumTxRings())
	require.Equal(t, 1, p.NumRxRings())
	require.Equal(t, 512, p.Tx(0).off)
	require.Equal(t, 1024, p.Tx(1).off)
	require.Equal(t, 2048, p.Rx(0).off)

	host := &Port{mem: fakeRegion(), req: Request{Host: true}}
	require.NoError(t, host.mapRings(0))
	require.Equal(t, 1, host.NumTxRings())
	require.Equal(t, 1536, host.Tx(0).off)
	require.Equal(t, 2560, host.Rx(0).off)

	limited := &Port{mem: fakeRegion(), req: Request{TxRings: 1}}
	require.NoError(t, limited.mapRings(0))
	require.Equal(t, 1, limited.NumTxRings())

	tooMany := &Port{mem: fakeRegion(), req: Request{RxRings: 2}}
	require.ErrorIs(t, tooMany.mapRings(0), ring.ErrBindFail)
}

func TestTxView(t *testing.T) {
	mem := fakeRegion()
	// A fresh TX ring leaves one slot unused: head 0, tail 3.
	setIndices(mem, 0, 0, 3)
	p := &Port{mem: mem}
	require.NoError(t, p.mapRings(0))
	tx := ring.NewTxRing(0, p.Tx(0), nopSyncer{})
	require.Equal(t, fakeBufSize, tx.MaxPayloadSize())

	for _, s := range []string{"a", "bb", "ccc"} {
		require.NoError(t, tx.Send([]byte(s)))
	}
	require.ErrorIs(t, tx.Send([]byte("d")), ring.ErrInsufficientSpace)
	require.NoError(t, tx.Sync())

	le := binary.LittleEndian
	require.Equal(t, uint32(3), le.Uint32(mem[512+ringHead:]))
	require.Equal(t, uint32(3), le.Uint32(mem[512+ringCur:]))
	require.Equal(t, uint16(2), le.Uint16(mem[512+ringSlots+1*slotSize+4:]))
	// Slot 2 of ring 0 uses buffer 2.
	require.Equal(t, "ccc", string(mem[fakeBufs+2*fakeBufSize:][:3]))

	// The kernel transmitted everything and wrapped tail.
	setIndices(mem, 0, 3, 2)
	require.NoError(t, tx.Sync())
	require.Equal(t, 3, tx.Free())
}

func TestRxView(t *testing.T) {
	mem := fakeRegion()
	// Bound while the kernel head sits at 2, two packets arrived.
	setIndices(mem, 3, 2, 0)
	for j, s := range map[int]string{2: "x", 3: "yz"} {
		off := 2048 + ringSlots + j*slotSize
		binary.LittleEndian.PutUint16(mem[off+4:], uint16(len(s)))
		copy(mem[fakeBufs+(3*fakeSlots+j)*fakeBufSize:], s)
	}
	p := &Port{mem: mem}
	require.NoError(t, p.mapRings(0))
	rx := ring.NewRxRing(0, p.Rx(0), nopSyncer{})

	f, ok := rx.Recv()
	require.True(t, ok)
	require.True(t, f.Borrowed())
	require.Equal(t, "x", string(f.Payload()))
	g, ok := rx.Recv()
	require.True(t, ok)
	require.Equal(t, "yz", string(g.Payload()))
	_, ok = rx.Recv()
	require.False(t, ok)

	require.NoError(t, rx.Sync())
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(mem[2048+ringHead:]))
	require.False(t, f.Valid())
}

func TestOpenInvalidName(t *testing.T) {
	_, err := Open(Request{Name: "this-name-is-way-too-long"})
	require.ErrorIs(t, err, ring.ErrBindFail)
	_, err = Open(Request{})
	require.ErrorIs(t, err, ring.ErrBindFail)
}

func TestOpenDevice(t *testing.T) {
	iface := os.Getenv("ZCRING_NETMAP_IFACE")
	if !Available() || iface == "" || os.Geteuid() != 0 {
		t.Skip("needs /dev/netmap, root and ZCRING_NETMAP_IFACE")
	}
	p, err := Open(Request{Name: iface, TxRings: 1, RxRings: 1})
	require.NoError(t, err)
	require.Equal(t, 1, p.NumTxRings())
	tx := ring.NewTxRing(0, p.Tx(0), p.Tx(0))
	require.NoError(t, tx.Sync())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
