package zcring_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/zcring"
)

func TestParseAddress(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want zcring.Address
	}{
		{"eth0", zcring.Address{Transport: "netmap", Name: "eth0", Kind: zcring.KindInterface}},
		{"netmap:eth0", zcring.Address{Transport: "netmap", Name: "eth0", Kind: zcring.KindInterface}},
		{"netmap:eth0^", zcring.Address{Transport: "netmap", Name: "eth0", Kind: zcring.KindHost}},
		{"xdp:enp3s0f1", zcring.Address{Transport: "xdp", Name: "enp3s0f1", Kind: zcring.KindInterface}},
		{"pipe{abc}", zcring.Address{Transport: "netmap", Name: "abc", Kind: zcring.KindPipe}},
		{"netmap:pipe{a b:c}", zcring.Address{Transport: "netmap", Name: "a b:c", Kind: zcring.KindPipe}},
	} {
		t.Run(tt.in, func(t *testing.T) {
			a, err := zcring.ParseAddress(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, a)
		})
	}
}

func TestParseAddressInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"netmap:",
		"^",
		"pipe{}",
		"pipe{abc",
		"pipe{a{b}",
		"eth0^^",
		"averyveryverylongname",
		"eth/0",
		"xdp:pipe{abc}",
		"xdp:eth0^",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := zcring.ParseAddress(in)
			require.ErrorIs(t, err, zcring.ErrBindFail)
		})
	}
}

func TestAddressString(t *testing.T) {
	for _, s := range []string{"netmap:eth0", "netmap:eth0^", "netmap:pipe{x}", "xdp:eth1"} {
		a, err := zcring.ParseAddress(s)
		require.NoError(t, err)
		require.Equal(t, s, a.String())
	}
}
