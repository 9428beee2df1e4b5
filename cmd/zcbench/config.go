package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/romshark/zcring"
	"github.com/romshark/zcring/arq"
	"github.com/romshark/zcring/fec"
	"github.com/romshark/zcring/internal/udpgen"
)

const (
	ModeRaw = "raw"
	ModeARQ = "arq"
	ModeFEC = "fec"
)

// Topology:
//
// egress TX ring 0  ->  ingress RX rings
//
// Egress and ingress default to the two ends of a freshly named pipe.
// Naming the same non-pipe target twice shares one port, which on
// fallback channels loops TX back into RX.

type Config struct {
	Egress struct {
		Target    string `yaml:"target"`
		DestMAC   string `yaml:"dest-mac"`
		SrcIP     string `yaml:"src-ip"`
		DstIP     string `yaml:"dst-ip"`
		SrcPort   uint16 `yaml:"src-port"`
		DstPort   uint16 `yaml:"dst-port"`
		BatchSize int    `yaml:"batch-size"`
		RatePPS   uint64 `yaml:"rate-pps"` // 0 = unlimited, max speed.
	} `yaml:"egress"`

	Ingress struct {
		Target string `yaml:"target"`
	} `yaml:"ingress"`

	// Port applies to both ends.
	Port zcring.Config `yaml:"port"`

	Mode string     `yaml:"mode"`
	ARQ  arq.Config `yaml:"arq"` // Used in arq mode only.
	FEC  fec.Config `yaml:"fec"` // Used in fec mode only.

	MTU     int    `yaml:"mtu"`
	Count   uint64 `yaml:"count"`
	Metrics string `yaml:"metrics"` // Listen address, empty = disabled.
	Verbose bool   `yaml:"verbose"`
}

func defaultConfig() Config {
	var c Config
	c.Egress.DestMAC = "ff:ff:ff:ff:ff:ff"
	c.Egress.SrcIP = "10.0.1.1"
	c.Egress.DstIP = "10.0.2.1"
	c.Egress.SrcPort = 9000
	c.Egress.DstPort = 12345
	c.Egress.BatchSize = 64
	c.Mode = ModeRaw
	c.MTU = 1500
	c.Count = 1_000_000
	return c
}

func loadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("zcbench", flag.ContinueOnError)
	fConfig := fs.String("config", "", "path to config YAML file")
	fEgress := fs.String("te", "", "egress target override")
	fIngress := fs.String("ti", "", "ingress target override")
	fBacking := fs.String("backing", "", "auto, native or fallback (override)")
	fMode := fs.String("m", "", "raw, arq or fec (override)")
	fRate := fs.Int64("r", -1, "sender rate limit in PPS (<0 falls back to config)")
	fCount := fs.Uint64("n", 0, "packet count override")
	fMTU := fs.Int("l", 0, "pkt size override (MTU)")
	fMetrics := fs.String("metrics", "", "serve Prometheus metrics on this address")
	fVerbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	conf := defaultConfig()
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fEgress != "" {
		conf.Egress.Target = *fEgress
	}
	if *fIngress != "" {
		conf.Ingress.Target = *fIngress
	}
	if *fBacking != "" {
		if err := conf.Port.Backing.UnmarshalText([]byte(*fBacking)); err != nil {
			return nil, err
		}
	}
	if *fMode != "" {
		conf.Mode = *fMode
	}
	if *fRate >= 0 {
		conf.Egress.RatePPS = uint64(*fRate)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fMTU != 0 {
		conf.MTU = *fMTU
	}
	if *fMetrics != "" {
		conf.Metrics = *fMetrics
	}
	if *fVerbose {
		conf.Verbose = true
	}

	// Validate

	if (conf.Egress.Target == "") != (conf.Ingress.Target == "") {
		return nil, errors.New("egress.target and ingress.target must be set together (or both left empty)")
	}
	if _, err := net.ParseMAC(conf.Egress.DestMAC); err != nil {
		return nil, fmt.Errorf("invalid egress.dest-mac %q: %w", conf.Egress.DestMAC, err)
	}
	if net.ParseIP(conf.Egress.SrcIP).To4() == nil {
		return nil, fmt.Errorf("invalid egress.src-ip %q", conf.Egress.SrcIP)
	}
	if net.ParseIP(conf.Egress.DstIP).To4() == nil {
		return nil, fmt.Errorf("invalid egress.dst-ip %q", conf.Egress.DstIP)
	}
	if conf.Egress.BatchSize <= 0 {
		return nil, errors.New("egress.batch-size must be > 0")
	}
	switch conf.Mode {
	case ModeRaw, ModeARQ, ModeFEC:
	default:
		return nil, fmt.Errorf("unsupported mode %q", conf.Mode)
	}
	if err := conf.ARQ.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if err := conf.FEC.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.MTU < udpgen.MinSize || conf.MTU > udpgen.MaxSize {
		return nil, errors.New("unsupported mtu")
	}
	if err := conf.Port.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	return &conf, nil
}
