package udpgen_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/zcring/internal/udpgen"
)

func testConfig(size int) udpgen.Config {
	return udpgen.Config{
		SrcMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		SrcIP:   net.IPv4(10, 0, 1, 1),
		DstIP:   net.IPv4(10, 0, 2, 1),
		SrcPort: 9000,
		DstPort: 12345,
		Size:    size,
	}
}

func TestRoundTrip(t *testing.T) {
	tmpl, err := udpgen.New(testConfig(128))
	require.NoError(t, err)
	require.Equal(t, 128, tmpl.Size())

	buf := make([]byte, 2048)
	p := udpgen.NewParser()
	for _, seq := range []uint32{0, 1, 0xdeadbeef} {
		n := tmpl.Put(buf, seq)
		require.Equal(t, 128, n)
		got, err := p.Sequence(buf[:n])
		require.NoError(t, err)
		require.Equal(t, seq, got)
	}
}

func TestHeaders(t *testing.T) {
	tmpl, err := udpgen.New(testConfig(64))
	require.NoError(t, err)
	buf := make([]byte, tmpl.Size())
	tmpl.Put(buf, 7)

	require.Equal(t, []byte{0x02, 0, 0, 0, 0, 0x02}, buf[0:6])
	require.Equal(t, []byte{0x08, 0x00}, buf[12:14])
	require.Equal(t, byte(17), buf[14+9], "IP protocol")
	require.Equal(t, []byte{0, 50}, buf[14+2:14+4], "IP total length")
	require.Equal(t, []byte{0, 0}, buf[14+20+6:14+20+8], "UDP checksum")

	require.Contains(t, udpgen.Describe(buf), "UDP")
}

func TestInvalidConfig(t *testing.T) {
	_, err := udpgen.New(testConfig(udpgen.MinSize - 1))
	require.Error(t, err)
	_, err = udpgen.New(testConfig(udpgen.MaxSize + 1))
	require.Error(t, err)

	c := testConfig(128)
	c.DstIP = net.ParseIP("::1")
	_, err = udpgen.New(c)
	require.Error(t, err)
}

func TestParseForeignFrame(t *testing.T) {
	p := udpgen.NewParser()
	_, err := p.Sequence([]byte{1, 2, 3})
	require.Error(t, err)

	// ARP: Ethernet only, no UDP.
	arp := make([]byte, 60)
	arp[12], arp[13] = 0x08, 0x06
	_, err = p.Sequence(arp)
	require.Error(t, err)
}
