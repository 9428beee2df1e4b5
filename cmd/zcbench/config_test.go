package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/zcring"
)

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := loadConfig(nil)
	require.NoError(t, err)
	require.Equal(t, ModeRaw, conf.Mode)
	require.Equal(t, 1500, conf.MTU)
	require.Equal(t, uint64(1_000_000), conf.Count)
	require.Empty(t, conf.Egress.Target)
	require.Equal(t, zcring.BackingAuto, conf.Port.Backing)
	require.NotZero(t, conf.Port.Slots)
	require.NotZero(t, conf.ARQ.Window)
	require.Equal(t, 2, conf.FEC.DataShards)
	require.Equal(t, 1, conf.FEC.ParityShards)
}

func TestLoadConfigFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zcbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
egress:
  target: "pipe{bench}"
  batch-size: 32
  rate-pps: 1000
ingress:
  target: "pipe{bench}"
port:
  backing: fallback
  slots: 256
mode: arq
arq:
  window: 4
  timeout: 20ms
fec:
  data-shards: 4
  parity-shards: 2
mtu: 512
count: 10
`), 0o600))

	conf, err := loadConfig([]string{"-config", path, "-n", "99", "-r", "0"})
	require.NoError(t, err)
	require.Equal(t, "pipe{bench}", conf.Egress.Target)
	require.Equal(t, 32, conf.Egress.BatchSize)
	require.Zero(t, conf.Egress.RatePPS)
	require.Equal(t, zcring.BackingFallback, conf.Port.Backing)
	require.Equal(t, 256, conf.Port.Slots)
	require.Equal(t, ModeARQ, conf.Mode)
	require.Equal(t, 4, conf.ARQ.Window)
	require.Equal(t, 20*time.Millisecond, conf.ARQ.Timeout)
	require.Equal(t, 4, conf.FEC.DataShards)
	require.Equal(t, 2, conf.FEC.ParityShards)
	require.Equal(t, 512, conf.MTU)
	require.Equal(t, uint64(99), conf.Count)
}

func TestLoadConfigInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"-te", "eth0"},
		{"-m", "rs"},
		{"-l", "20"},
		{"-l", "9000"},
		{"-backing", "kernel"},
		{"-config", filepath.Join(t.TempDir(), "missing.yaml")},
	} {
		_, err := loadConfig(args)
		require.Error(t, err, args)
	}
}

func TestOpenPortsPipe(t *testing.T) {
	conf, err := loadConfig([]string{"-backing", "fallback"})
	require.NoError(t, err)

	egress, ingress, err := openPorts(conf)
	require.NoError(t, err)
	defer ingress.Close()
	defer egress.Close()

	require.True(t, ingress.IsMaster())
	require.False(t, egress.IsMaster())
	require.Equal(t, egress.Address(), ingress.Address())
	require.Empty(t, sysfsNames(egress, ingress))

	var stats Stats
	conf.Count = 100
	runARQ(conf, egress, ingress, &stats)
	require.Equal(t, uint64(100), stats.RxPackets.Load())
}

func TestRunFEC(t *testing.T) {
	conf, err := loadConfig([]string{"-backing", "fallback", "-m", "fec", "-n", "200"})
	require.NoError(t, err)

	egress, ingress, err := openPorts(conf)
	require.NoError(t, err)
	defer ingress.Close()
	defer egress.Close()

	var stats Stats
	runFEC(conf, egress, ingress, &stats)
	require.Equal(t, uint64(200), stats.TxPackets.Load())
	require.Equal(t, uint64(200), stats.RxPackets.Load())
	require.Zero(t, stats.Lost.Load())
}

func TestOpenPortsSharedLoopback(t *testing.T) {
	conf, err := loadConfig([]string{"-backing", "fallback", "-te", "eth0", "-ti", "eth0"})
	require.NoError(t, err)

	egress, ingress, err := openPorts(conf)
	require.NoError(t, err)
	defer egress.Close()
	require.Same(t, egress, ingress)
}
