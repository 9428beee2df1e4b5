package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/zcring"
	"github.com/romshark/zcring/ifacestat"
	"github.com/romshark/zcring/runner"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// Topology:
//
// a RX ring i  ->  b TX ring i
// b RX ring i  ->  a TX ring i
//
// Frames that do not fit the destination are dropped.

func main() {
	fA := flag.String("a", "", "first target (e.g. netmap:eth0)")
	fB := flag.String("b", "", "second target (e.g. netmap:eth0^ or netmap:eth1)")
	fBacking := flag.String("backing", "auto", "auto, native or fallback")
	fZeroCopy := flag.Bool("z", false, "Prefer zerocopy")
	fInterval := flag.Duration("i", 5*time.Second, "stats interval (0 = off)")
	fVerbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if *fA == "" || *fB == "" {
		fmt.Fprint(os.Stderr, "both -a and -b targets must be set\n")
		os.Exit(1)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *fVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	conf := zcring.Config{PreferZerocopy: *fZeroCopy, Logger: log}
	fatalIf(conf.Backing.UnmarshalText([]byte(*fBacking)), "parsing -backing")

	a, err := zcring.Open(*fA, conf)
	fatalIf(err, "opening %s", *fA)
	defer a.Close()
	b, err := zcring.Open(*fB, conf)
	fatalIf(err, "opening %s", *fB)
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *fInterval > 0 {
		go func() {
			t := time.NewTicker(*fInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
				}
				sa, sb := ifacestat.FromPort(a), ifacestat.FromPort(b)
				log.WithFields(logrus.Fields{
					"a_to_b": sb[ifacestat.TxPackets],
					"b_to_a": sa[ifacestat.TxPackets],
					"a_rx":   sa[ifacestat.RxPackets],
					"b_rx":   sb[ifacestat.RxPackets],
				}).Info("forwarded")
			}
		}()
	}

	log.WithFields(logrus.Fields{"a": a.Address(), "b": b.Address()}).Info("bridging")
	err = runner.Bridge(ctx, a, b)
	if !errors.Is(err, context.Canceled) {
		fatalIf(err, "bridging")
	}

	fmt.Fprintln(os.Stderr, "\nFINAL")
	fatalIf(ifacestat.Print(os.Stderr, ifacestat.Stats{
		"a": ifacestat.FromPort(a),
		"b": ifacestat.FromPort(b),
	}, map[string]string{
		"a": a.Address().String(),
		"b": b.Address().String(),
	}), "printing stats")
}
