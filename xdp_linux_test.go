//go:build linux

package zcring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/zcring/afxdp"
)

func TestXDPFdSingleQueueOnly(t *testing.T) {
	tr := &xdpTransport{sockets: make([]*afxdp.Socket, 2)}
	require.Equal(t, -1, tr.Fd())
	tr.sockets = nil
	require.Equal(t, -1, tr.Fd())
}
