// Package ifacestat snapshots packet and byte counters of interfaces
// and ports so that tools can report what moved during a run.
package ifacestat

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/romshark/zcring"
)

// sysfsRoot is where interface statistics are read from.
var sysfsRoot = "/sys/class/net"

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
)

// AllCounters lists every counter in display order.
var AllCounters = []Counter{TxPackets, TxBytes, RxPackets, RxBytes}

// String returns the counter's file name under statistics/.
func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	}
	return ""
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats, keyed by interface or target name.
type Stats map[string]IfaceStats

// Snapshot reads the given counters of all interfaces from sysfs.
// No counters means AllCounters.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	if len(counters) == 0 {
		counters = AllCounters
	}
	s := make(Stats, len(ifaces))
	for _, iface := range ifaces {
		vals, err := readIface(iface, counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

func readIface(name string, counters []Counter) (IfaceStats, error) {
	dir := filepath.Join(sysfsRoot, name, "statistics")
	found := make(IfaceStats, len(counters))
	for _, c := range counters {
		b, err := os.ReadFile(filepath.Join(dir, c.String()))
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", c, err)
		}
		found[c] = v
	}
	return found, nil
}

// FromPort sums the ring counters of p.
func FromPort(p *zcring.Port) IfaceStats {
	s := make(IfaceStats, len(AllCounters))
	for _, r := range p.TxRings() {
		st := r.Stats()
		s[TxPackets] += st.Packets
		s[TxBytes] += st.Bytes
	}
	for _, r := range p.RxRings() {
		st := r.Stats()
		s[RxPackets] += st.Packets
		s[RxBytes] += st.Bytes
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

// Print writes one TX and one RX line per entry, sorted by name.
// aliases adds a label next to the name.
func Print(w io.Writer, s Stats, aliases map[string]string) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		stats := s[name]
		if alias, ok := aliases[name]; ok {
			if _, err := fmt.Fprintf(w, "%s (%s):\n", name, alias); err != nil {
				return err
			}
		} else if _, err := fmt.Fprintf(w, "%s:\n", name); err != nil {
			return err
		}
		for _, l := range []struct {
			dir            string
			packets, bytes uint64
		}{
			{"TX", stats[TxPackets], stats[TxBytes]},
			{"RX", stats[RxPackets], stats[RxBytes]},
		} {
			_, err := fmt.Fprintf(w, "  %s   %-12d  ≈ %-8s (%s)\n",
				l.dir, l.packets, humanize.Bytes(l.bytes), humanize.Comma(int64(l.bytes)),
			)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
