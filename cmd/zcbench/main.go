package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/zcring"
	"github.com/romshark/zcring/arq"
	"github.com/romshark/zcring/fec"
	"github.com/romshark/zcring/ifacestat"
	"github.com/romshark/zcring/internal/udpgen"
	"github.com/romshark/zcring/metrics"
	"github.com/romshark/zcring/ratelimit"
	"github.com/romshark/zcring/ring"
	"github.com/romshark/zcring/runner"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type Stats struct {
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64

	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64

	Retransmits atomic.Uint64
	Recovered   atomic.Uint64
	Lost        atomic.Uint64

	Elapsed atomic.Int64
}

// openPorts opens ingress first so that a pipe's receiving end is the
// master and outlives the sender.
func openPorts(conf *Config) (egress, ingress *zcring.Port, err error) {
	te, ti := conf.Egress.Target, conf.Ingress.Target
	if te == "" {
		te = "pipe{zcbench-" + uuid.NewString() + "}"
		ti = te
	}
	ingress, err = zcring.Open(ti, conf.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("ingress: %w", err)
	}
	if te == ti && !ingress.IsPipe() {
		return ingress, ingress, nil
	}
	egress, err = zcring.Open(te, conf.Port)
	if err != nil {
		_ = ingress.Close()
		return nil, nil, fmt.Errorf("egress: %w", err)
	}
	return egress, ingress, nil
}

// sysfsNames lists the interfaces whose kernel counters are worth
// comparing before and after the run.
func sysfsNames(ports ...*zcring.Port) []string {
	var names []string
	for _, p := range ports {
		if p.IsPipe() || p.IsFallback() {
			continue
		}
		names = append(names, p.Address().Name)
	}
	return names
}

func serveMetrics(addr string, log logrus.FieldLogger, ports ...*zcring.Port) (stop func()) {
	reg := prometheus.NewRegistry()
	seen := map[*zcring.Port]bool{}
	for _, p := range ports {
		if seen[p] {
			continue
		}
		seen[p] = true
		reg.MustRegister(metrics.NewCollector("zcbench", p))
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server")
		}
	}()
	log.WithField("addr", addr).Info("serving metrics")
	return func() { _ = srv.Shutdown(context.Background()) }
}

func runReceiver(ctx context.Context, port *zcring.Port, stats *Stats) (done *sync.WaitGroup) {
	var wg sync.WaitGroup
	wg.Go(func() {
		err := runner.Run(ctx, port.RxRings(), func(_ int, f ring.Frame) error {
			stats.RxPackets.Add(1)
			stats.RxBytes.Add(uint64(f.Len()))
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			fatalIf(err, "RX")
		}
	})
	return &wg
}

func runSender(conf *Config, port *zcring.Port, stats *Stats) {
	tx, err := port.TxRing(0)
	fatalIf(err, "selecting TX ring")

	dstMAC, err := net.ParseMAC(conf.Egress.DestMAC)
	fatalIf(err, "parse dst mac")

	tmpl, err := udpgen.New(udpgen.Config{
		DstMAC:  dstMAC,
		SrcIP:   net.ParseIP(conf.Egress.SrcIP),
		DstIP:   net.ParseIP(conf.Egress.DstIP),
		SrcPort: conf.Egress.SrcPort,
		DstPort: conf.Egress.DstPort,
		Size:    conf.MTU,
	})
	fatalIf(err, "building packet template")

	batch := min(conf.Egress.BatchSize, tx.NumSlots())
	limiter := ratelimit.New(conf.Egress.RatePPS)
	var seq uint32

	start := time.Now()

	for stats.TxPackets.Load() < conf.Count {
		remaining := conf.Count - stats.TxPackets.Load()
		n := int(min(uint64(batch), remaining))

		err := tx.SendBatch(n, func(res *ring.Reservation) error {
			for i := range n {
				buf, err := res.Packet(i, tmpl.Size())
				if err != nil {
					return err
				}
				stats.TxBytes.Add(uint64(tmpl.Put(buf, seq)))
				seq++
			}
			return nil
		})
		if errors.Is(err, ring.ErrInsufficientSpace) {
			fatalIf(tx.Sync(), "TX sync")
			if tx.Free() < n {
				fatalIf(tx.Wait(runner.PollInterval), "TX wait")
				fatalIf(tx.Sync(), "TX sync")
			}
			continue
		}
		fatalIf(err, "sending batch")
		fatalIf(tx.Sync(), "TX sync")

		stats.TxPackets.Add(uint64(n))
		limiter.ThrottleN(uint64(n))
	}

	stats.Elapsed.Store(time.Since(start).Nanoseconds())
}

// runARQ moves conf.Count payloads reliably from egress ring 0 to
// ingress ring 0, acknowledgments flow back on the opposite rings.
func runARQ(conf *Config, egress, ingress *zcring.Port, stats *Stats) {
	dataTx, err := egress.TxRing(0)
	fatalIf(err, "egress TX ring")
	ackRx, err := egress.RxRing(0)
	fatalIf(err, "egress RX ring")
	dataRx, err := ingress.RxRing(0)
	fatalIf(err, "ingress RX ring")
	ackTx, err := ingress.TxRing(0)
	fatalIf(err, "ingress TX ring")

	s, err := arq.NewSender(dataTx, ackRx, conf.ARQ)
	fatalIf(err, "ARQ sender")
	r := arq.NewReceiver(dataRx, ackTx)

	size := min(conf.MTU, s.MaxPayloadSize())
	payload := make([]byte, size)

	start := time.Now()

	var wg sync.WaitGroup
	wg.Go(func() {
		for stats.RxPackets.Load() < conf.Count {
			got, err := r.Poll()
			fatalIf(err, "ARQ receive")
			for _, p := range got {
				stats.RxPackets.Add(1)
				stats.RxBytes.Add(uint64(len(p)))
			}
			if len(got) == 0 {
				fatalIf(dataRx.Wait(runner.PollInterval), "ARQ receive wait")
			}
		}
	})

	var offered uint64
	for s.Stats().Acked < conf.Count {
		for offered < conf.Count {
			err := s.Offer(payload)
			if errors.Is(err, arq.ErrWindowFull) {
				break
			}
			fatalIf(err, "ARQ offer")
			offered++
			stats.TxPackets.Add(1)
			stats.TxBytes.Add(uint64(len(payload)))
		}
		before := s.Stats().Acked
		fatalIf(s.Poll(time.Now()), "ARQ poll")
		if s.Stats().Acked == before {
			fatalIf(ackRx.Wait(time.Millisecond), "ARQ ack wait")
		}
	}
	stats.Elapsed.Store(time.Since(start).Nanoseconds())
	stats.Retransmits.Store(s.Stats().Retransmits)
	wg.Wait()
}

// runFEC sends conf.Count coded messages from egress ring 0 to ingress
// ring 0. Each message costs DataShards+ParityShards slots.
func runFEC(conf *Config, egress, ingress *zcring.Port, stats *Stats) {
	tx, err := egress.TxRing(0)
	fatalIf(err, "egress TX ring")
	rx, err := ingress.RxRing(0)
	fatalIf(err, "ingress RX ring")

	enc, err := fec.NewEncoder(tx, conf.FEC)
	fatalIf(err, "FEC encoder")
	dec, err := fec.NewDecoder(rx, conf.FEC)
	fatalIf(err, "FEC decoder")

	shards := conf.FEC.DataShards + conf.FEC.ParityShards
	payload := make([]byte, min(conf.MTU, enc.MaxMessageSize()))
	limiter := ratelimit.New(conf.Egress.RatePPS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		for ctx.Err() == nil && stats.RxPackets.Load() < conf.Count {
			got, err := dec.Poll()
			fatalIf(err, "FEC receive")
			for _, p := range got {
				stats.RxPackets.Add(1)
				stats.RxBytes.Add(uint64(len(p)))
			}
			if len(got) == 0 {
				fatalIf(rx.Wait(runner.PollInterval), "FEC receive wait")
			}
		}
	})

	start := time.Now()
	for sent := uint64(0); sent < conf.Count; {
		err := enc.Send(payload)
		if errors.Is(err, ring.ErrInsufficientSpace) {
			fatalIf(tx.Sync(), "TX sync")
			if tx.Free() < shards {
				fatalIf(tx.Wait(runner.PollInterval), "TX wait")
				fatalIf(tx.Sync(), "TX sync")
			}
			continue
		}
		fatalIf(err, "FEC send")
		sent++
		stats.TxPackets.Add(1)
		stats.TxBytes.Add(uint64(len(payload)))
		if sent%uint64(conf.Egress.BatchSize) == 0 {
			fatalIf(tx.Sync(), "TX sync")
		}
		limiter.ThrottleN(1)
	}
	fatalIf(tx.Sync(), "TX sync")
	stats.Elapsed.Store(time.Since(start).Nanoseconds())

	// Blocks lost beyond repair never arrive.
	deadline := time.Now().Add(300 * time.Millisecond)
	for stats.RxPackets.Load() < conf.Count && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	wg.Wait()
	stats.Recovered.Store(dec.Stats().Recovered)
	stats.Lost.Store(conf.Count - stats.RxPackets.Load())
}

func main() {
	conf, err := loadConfig(os.Args[1:])
	fatalIf(err, "reading config")

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if conf.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	conf.Port.Logger = log

	// Print final resolved config.
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	egress, ingress, err := openPorts(conf)
	fatalIf(err, "opening ports")
	defer func() {
		_ = egress.Close()
		_ = ingress.Close()
	}()

	if conf.Metrics != "" {
		stop := serveMetrics(conf.Metrics, log, egress, ingress)
		defer stop()
	}

	ifaces := sysfsNames(egress, ingress)
	before, err := ifacestat.Snapshot(ifaces)
	if err != nil {
		log.WithError(err).Warn("interface counters unavailable")
		ifaces = nil
	}

	var stats Stats
	switch conf.Mode {
	case ModeARQ:
		if egress == ingress {
			fatalIf(errors.New("data and acknowledgments would share one ring"),
				"arq mode needs distinct egress and ingress ports")
		}
		runARQ(conf, egress, ingress, &stats)
	case ModeFEC:
		runFEC(conf, egress, ingress, &stats)
	default:
		ctxRecv, cancelRecv := context.WithCancel(context.Background())
		defer cancelRecv()
		wgRecvDone := runReceiver(ctxRecv, ingress, &stats)

		runSender(conf, egress, &stats)

		{
			d := 300 * time.Millisecond
			fmt.Fprintf(os.Stderr, "waiting %s for transmission...\n", d)
			time.Sleep(d) // Wait for all packets to arrive at RX.
		}
		cancelRecv()
		wgRecvDone.Wait()
	}

	txPackets := stats.TxPackets.Load()
	rxPackets := stats.RxPackets.Load()
	txBytes := stats.TxBytes.Load()
	rxBytes := stats.RxBytes.Load()

	drops := int64(txPackets) - int64(rxPackets)
	elapsed := float64(stats.Elapsed.Load()) / 1e9
	txAvgPPS := uint64(float64(txPackets) / elapsed)
	rxAvgPPS := uint64(float64(rxPackets) / elapsed)
	txAvgMbps := float64(txBytes*8) / 1e6 / elapsed
	rxAvgMbps := float64(rxBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Mode:              %s\n", conf.Mode)
	p.Printf(" Backing:           %s -> %s\n", egress.Backing(), ingress.Backing())
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" TX Avg PPS:        %d\n", txAvgPPS)
	p.Printf(" RX Avg PPS:        %d\n", rxAvgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	switch conf.Mode {
	case ModeARQ:
		p.Printf(" Retransmits:       %d\n", stats.Retransmits.Load())
	case ModeFEC:
		p.Printf(" Recovered:         %d blocks\n", stats.Recovered.Load())
		p.Printf(" Lost:              %d blocks\n", stats.Lost.Load())
	default:
		p.Printf(" Dropped:           %d (%.4f%%)\n",
			drops, float64(drops)/float64(txPackets)*100)
	}

	p.Print("\nRINGS\n")
	rings := ifacestat.Stats{"egress": ifacestat.FromPort(egress)}
	aliases := map[string]string{"egress": egress.Address().String()}
	if ingress != egress {
		rings["ingress"] = ifacestat.FromPort(ingress)
		aliases["ingress"] = ingress.Address().String()
	}
	fatalIf(ifacestat.Print(os.Stdout, rings, aliases), "printing ring stats")

	if len(ifaces) > 0 {
		after, err := ifacestat.Snapshot(ifaces)
		fatalIf(err, "reading interface counters")
		p.Print("\nINTERFACES\n")
		fatalIf(ifacestat.Print(os.Stdout, after.Since(before), nil), "printing interface stats")
	}
}
