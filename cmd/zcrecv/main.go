package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/romshark/zcring"
	"github.com/romshark/zcring/internal/udpgen"
	"github.com/romshark/zcring/ring"
	"github.com/romshark/zcring/runner"
)

var errDone = errors.New("packet count reached")

func main() {
	fTarget := flag.String("t", "", "Target (e.g. netmap:eth0, xdp:eth0, netmap:pipe{x})")
	fBacking := flag.String("backing", "auto", "auto, native or fallback")
	fZeroCopy := flag.Bool("z", false, "Use zerocopy")
	fCount := flag.Uint64("n", 0, "Stop after this many packets (0 = run until interrupted)")
	fVerbose := flag.Bool("v", false, "Decode and log every received packet")
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
	if err := backing.UnmarshalText([]byte(*fBacking)); err != nil {
		fmt.Fprintf(os.Stderr, "parsing -backing: %v\n", err)
		os.Exit(1)
	}

	port, err := zcring.Open(*fTarget, zcring.Config{
		Backing:        backing,
		PreferZerocopy: *fZeroCopy,
		Logger:         log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening %s: %v\n", *fTarget, err)
		os.Exit(1)
	}
	defer port.Close()

	fmt.Fprintf(os.Stderr, "RX: target=%s backing=%s rings=%d\n",
		port.Address(), port.Backing(), port.NumRxRings())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		totalPackets atomic.Uint64
		totalBytes   atomic.Uint64
		gaps         atomic.Uint64
	)

	// One parser and last sequence per ring, each ring runs on its own goroutine.
	parsers := make([]*udpgen.Parser, port.NumRxRings())
	lastSeq := make([]int64, port.NumRxRings())
	for i := range parsers {
		parsers[i] = udpgen.NewParser()
		lastSeq[i] = -1
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		var (
			lastPackets uint64
			lastBytes   uint64
			maxPPS      float64
			maxMbps     float64
		)
		lastTime := time.Now()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				elapsed := now.Sub(lastTime).Seconds()
				pkts := totalPackets.Load()
				bytes := totalBytes.Load()

				pps := float64(pkts-lastPackets) / elapsed
				mbps := float64((bytes-lastBytes)*8) / elapsed / 1e6
				maxPPS = max(maxPPS, pps)
				maxMbps = max(maxMbps, mbps)

				fmt.Printf(
					"total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
					pkts, pps, mbps, maxPPS, maxMbps,
				)

				lastPackets, lastBytes, lastTime = pkts, bytes, now
			}
		}
	}()

	err = runner.Run(ctx, port.RxRings(), func(i int, f ring.Frame) error {
		p := f.Payload()
		if seq, err := parsers[i].Sequence(p); err == nil {
			if last := lastSeq[i]; last >= 0 && int64(seq) != last+1 {
				gaps.Add(1)
			}
			lastSeq[i] = int64(seq)
		}
		if *fVerbose {
			log.WithField("ring", i).Debug(udpgen.Describe(p))
		}
		totalBytes.Add(uint64(len(p)))
		if n := totalPackets.Add(1); *fCount > 0 && n >= *fCount {
			return errDone
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errDone), errors.Is(err, context.Canceled):
	default:
		fmt.Fprintf(os.Stderr, "receiving: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "finished: received=%s bytes=%s sequence gaps=%s\n",
		humanize.Comma(int64(totalPackets.Load())),
		humanize.Bytes(totalBytes.Load()),
		humanize.Comma(int64(gaps.Load())),
	)
}
