package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/romshark/zcring"
	"github.com/romshark/zcring/internal/udpgen"
	"github.com/romshark/zcring/ratelimit"
	"github.com/romshark/zcring/ring"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// ifaceMAC returns the hardware address of the interface behind addr,
// or nil for pipes and unknown interfaces.
func ifaceMAC(addr zcring.Address) net.HardwareAddr {
	if addr.Kind == zcring.KindPipe {
		return nil
	}
	iface, err := net.InterfaceByName(addr.Name)
	if err != nil {
		return nil
	}
	return iface.HardwareAddr
}

func main() {
	fTarget := flag.String("t", "", "Target (e.g. netmap:eth0, xdp:eth0, netmap:pipe{x})")
	fBacking := flag.String("backing", "auto", "auto, native or fallback")
	fRing := flag.Int("ring", 0, "TX ring index")
	fDestMACStr := flag.String("d", "ff:ff:ff:ff:ff:ff", "Destination MAC")
	fSrcIPStr := flag.String("s", "10.0.0.1", "Source IP")
	fDestIPStr := flag.String("D", "10.0.0.2", "Destination IP")
	fSrcPort := flag.Uint("sp", 9000, "Source port")
	fPort := flag.Uint("p", 12345, "Destination port")
	fCount := flag.Uint64("n", 1_000_000, "Packets to send")
	fPktSize := flag.Int("l", 1360, "Packet size")
	fBatch := flag.Int("b", 64, "Batch size")
	fRate := flag.Uint64("r", 0, "Rate limit in PPS (0 = unlimited)")
	fZeroCopy := flag.Bool("z", false, "Prefer zerocopy "+
		"(automatically falls back to copy mode if not supported)")
	fVerbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if *fTarget == "" {
		fmt.Fprint(os.Stderr, "missing -t target\n")
		os.Exit(1)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *fVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var backing zcring.Backing
	fatalIf(backing.UnmarshalText([]byte(*fBacking)), "parsing -backing")

	port, err := zcring.Open(*fTarget, zcring.Config{
		Backing:        backing,
		PreferZerocopy: *fZeroCopy,
		Logger:         log,
	})
	fatalIf(err, "opening %s", *fTarget)
	defer port.Close()

	tx, err := port.TxRing(*fRing)
	fatalIf(err, "selecting TX ring")

	dstMAC, err := net.ParseMAC(*fDestMACStr)
	fatalIf(err, "parse dst mac")

	tmpl, err := udpgen.New(udpgen.Config{
		SrcMAC:  ifaceMAC(port.Address()),
		DstMAC:  dstMAC,
		SrcIP:   net.ParseIP(*fSrcIPStr),
		DstIP:   net.ParseIP(*fDestIPStr),
		SrcPort: uint16(*fSrcPort),
		DstPort: uint16(*fPort),
		Size:    *fPktSize,
	})
	fatalIf(err, "building packet template")
	if tmpl.Size() > tx.MaxPayloadSize() {
		fatalIf(fmt.Errorf("%w: %d > %d",
			ring.ErrPacketTooLarge, tmpl.Size(), tx.MaxPayloadSize()), "checking packet size")
	}
	batch := min(*fBatch, tx.NumSlots())
	if batch <= 0 {
		fatalIf(errors.New("must be > 0"), "batch size")
	}

	log.WithFields(logrus.Fields{
		"ring":    *fRing,
		"count":   *fCount,
		"size":    tmpl.Size(),
		"batch":   batch,
		"rate":    *fRate,
		"backing": port.Backing(),
	}).Info("sending")

	var (
		seq     uint32
		sent    uint64
		bytes   uint64
		waits   uint64
		limiter = ratelimit.New(*fRate)
	)

	start := time.Now()

	for sent < *fCount {
		n := int(min(uint64(batch), *fCount-sent))
		res, err := tx.ReserveBatch(n)
		if errors.Is(err, ring.ErrInsufficientSpace) {
			fatalIf(tx.Sync(), "TX sync")
			if tx.Free() < n {
				waits++
				fatalIf(tx.Wait(100*time.Millisecond), "TX wait")
				fatalIf(tx.Sync(), "TX sync")
			}
			continue
		}
		fatalIf(err, "reserving batch")

		for i := range n {
			buf, err := res.Packet(i, tmpl.Size())
			fatalIf(err, "preparing packet %d", seq)
			bytes += uint64(tmpl.Put(buf, seq))
			seq++
		}
		res.Commit()
		fatalIf(tx.Sync(), "TX sync")

		sent += uint64(n)
		limiter.ThrottleN(uint64(n))
	}

	elapsed := time.Since(start)
	pps := float64(sent) / elapsed.Seconds()
	st := tx.Stats()

	fmt.Fprintf(os.Stderr,
		"finished: sent=%s bytes=%s syncs=%s waits=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(sent)),
		humanize.Bytes(bytes),
		humanize.Comma(int64(st.Syncs)),
		humanize.Comma(int64(waits)),
		elapsed,
		humanize.Comma(int64(pps)),
	)
}
