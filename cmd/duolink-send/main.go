// Command duolink-send sends data over a DCTP transport to a remote
// duolink-recv peer, either a fixed count of synthetic packets at a
// target rate or the contents of stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/relaygg/duolink"
	"github.com/relaygg/duolink/internal/config"
	"github.com/relaygg/duolink/internal/lossnet"
	"github.com/relaygg/duolink/internal/metrics"
)

var (
	version = "0.1.0"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "[duolink-send] error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("duolink-send", flag.ContinueOnError)

	dst := fs.String("dst", "", "destination HOST:PORT (required)")
	configFile := fs.String("c", "", "YAML config file path")
	fs.StringVar(configFile, "config", "", "YAML config file path (alias of -c)")

	numPackets := fs.Int("num-packets", 0, "number of synthetic packets to send; used together with -rate (without both, stdin is streamed)")
	rate := fs.Float64("rate", 0, "packets per second in synthetic mode")

	window := fs.Int("win", 0, "sender window in segments (overrides config)")
	probReliable := fs.Float64("prob-reliable", -1, "probability in [0,1] a segment goes on the reliable channel (overrides config)")
	sack := fs.Bool("sack", true, "enable SACK feedback")
	noSack := fs.Bool("no-sack", false, "disable SACK feedback")
	mss := fs.Int("mss", 0, "maximum segment size in bytes (overrides config)")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.BoolVar(verbose, "verbose", false, "verbose logging (alias of -v)")

	metricsListen := fs.String("metrics-listen", "", "address to serve Prometheus metrics on (empty disables)")
	statsListen := fs.String("stats-listen", "", "address to serve the WebSocket stats feed on (empty disables)")

	emulateLoss := fs.Float64("emulate-loss", 0, "probability in [0,1] of dropping an outgoing datagram")
	emulateReorder := fs.Float64("emulate-reorder", 0, "probability in [0,1] of reordering an outgoing datagram")
	emulateCorrupt := fs.Float64("emulate-corrupt", 0, "probability in [0,1] of corrupting an outgoing datagram")

	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("duolink-send %s\n", version)
		return nil
	}
	if *dst == "" {
		fs.Usage()
		return fmt.Errorf("-dst is required")
	}
	if *noSack {
		*sack = false
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		if *verbose {
			log.Printf("[duolink-send] loaded config from %s", *configFile)
		}
	}
	if *window > 0 {
		cfg.Window = *window
	}
	if *probReliable >= 0 {
		cfg.ProbReliable = *probReliable
	}
	sackSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "sack" || f.Name == "no-sack" {
			sackSet = true
		}
	})
	if sackSet {
		cfg.EnableSACK = *sack
	}
	if *mss > 0 {
		cfg.MSS = *mss
	}
	if *verbose {
		cfg.Verbose = true
	}
	if *emulateLoss > 0 {
		cfg.LossNet.LossProb = *emulateLoss
	}
	if *emulateReorder > 0 {
		cfg.LossNet.ReorderProb = *emulateReorder
	}
	if *emulateCorrupt > 0 {
		cfg.LossNet.CorruptProb = *emulateCorrupt
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	opts := []duolink.Option{
		duolink.WithMSS(cfg.MSS),
		duolink.WithSACK(cfg.EnableSACK),
	}

	var collector *metrics.Collector
	if *metricsListen != "" || cfg.Metrics.Enabled {
		collector = metrics.New()
		opts = append(opts, duolink.WithMetrics(collector))
	}

	emu := cfg.LossNet
	if lossy := emu.LossProb > 0 || emu.ReorderProb > 0 || emu.CorruptProb > 0; lossy {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("bind: %w", err)
		}
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		shim := lossnet.Wrap(conn, emu.LossProb, emu.ReorderProb, emu.CorruptProb, rng)
		opts = append(opts, duolink.WithConn(shim))
		log.Printf("[duolink-send] emulating loss=%.2f reorder=%.2f corrupt=%.2f on outbound datagrams",
			emu.LossProb, emu.ReorderProb, emu.CorruptProb)
	}

	t, err := duolink.New(uint32(cfg.Window), cfg.ProbReliable, cfg.Verbose, opts...)
	if err != nil {
		return fmt.Errorf("new transport: %w", err)
	}

	if err := t.Connect(*dst); err != nil {
		return fmt.Errorf("connect %s: %w", *dst, err)
	}
	defer t.Close()

	listen := *metricsListen
	if listen == "" && cfg.Metrics.Enabled {
		listen = cfg.Metrics.Listen
	}
	if listen != "" && collector != nil {
		srv := metrics.NewServer(listen, collector)
		srv.Start()
		defer srv.Stop(context.Background())
		log.Printf("[duolink-send] metrics listening on %s", listen)
	}

	statsAddr := *statsListen
	if statsAddr == "" && cfg.StatsFeed.Enabled {
		statsAddr = cfg.StatsFeed.Listen
	}
	if statsAddr != "" {
		interval := time.Duration(cfg.StatsFeed.IntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = 500 * time.Millisecond
		}
		feed := t.AttachStatsFeed(statsAddr, interval)
		defer feed.Stop(context.Background())
		log.Printf("[duolink-send] stats feed listening on %s", statsAddr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	started := time.Now()
	var totalBytes int

	if *numPackets > 0 && *rate > 0 {
		totalBytes, err = sendSynthetic(ctx, t, *numPackets, *rate, *verbose)
	} else {
		totalBytes, err = sendStream(ctx, t, os.Stdin, *verbose)
	}
	if err != nil {
		return err
	}

	if derr := t.Drain(time.Now().Add(5 * time.Second)); derr != nil {
		log.Printf("[duolink-send] drain: %v", derr)
	}

	elapsed := time.Since(started)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	mbps := float64(totalBytes*8) / elapsed.Seconds() / 1_000_000
	fmt.Printf("[duolink-send] sent %d bytes in %.3fs | %.2f Mb/s\n", totalBytes, elapsed.Seconds(), mbps)
	printStats(t)
	return nil
}

// sendSynthetic sends numPackets small labeled packets at rate
// packets/sec, for quick manual exercising of the loss/reorder/SACK
// path without needing a real payload source.
func sendSynthetic(ctx context.Context, t *duolink.Transport, numPackets int, rate float64, verbose bool) (int, error) {
	interval := time.Duration(float64(time.Second) / rate)
	total := 0

	log.Printf("[duolink-send] sending %d packets at %.2f packets/sec", numPackets, rate)

	for i := 0; i < numPackets; i++ {
		select {
		case <-ctx.Done():
			log.Print("[duolink-send] interrupted; draining what was queued")
			return total, nil
		default:
		}

		data := []byte("Packet " + strconv.Itoa(i+1))
		accepted, err := t.Send(data)
		if err != nil {
			return total, fmt.Errorf("send: %w", err)
		}
		total += accepted
		if accepted == 0 {
			if err := t.Poll(10 * time.Millisecond); err != nil {
				return total, fmt.Errorf("poll: %w", err)
			}
			i-- // window full: retry this packet after the poll
			continue
		}
		if err := t.Poll(0); err != nil {
			return total, fmt.Errorf("poll: %w", err)
		}
		if verbose {
			log.Printf("[duolink-send] sent packet %d/%d", i+1, numPackets)
		}
		time.Sleep(interval)
	}
	return total, nil
}

// sendStream copies r onto the transport in MSS-friendly chunks,
// polling after every accepted write so retransmits and feedback get
// processed as the stream goes, until r is exhausted or ctx is
// cancelled.
func sendStream(ctx context.Context, t *duolink.Transport, r io.Reader, verbose bool) (int, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 64*1024)
	total := 0

	for {
		select {
		case <-ctx.Done():
			log.Print("[duolink-send] interrupted; draining what was queued")
			return total, nil
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			pending := buf[:n]
			for len(pending) > 0 {
				accepted, serr := t.Send(pending)
				if serr != nil {
					return total, fmt.Errorf("send: %w", serr)
				}
				pending = pending[accepted:]
				total += accepted
				if perr := t.Poll(5 * time.Millisecond); perr != nil {
					return total, fmt.Errorf("poll: %w", perr)
				}
			}
			if verbose {
				log.Printf("[duolink-send] queued %d bytes", n)
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, fmt.Errorf("read stdin: %w", err)
		}
	}
}

func printStats(t *duolink.Transport) {
	st := t.Stats()
	fields := []string{
		fmt.Sprintf("srtt=%s", st.SRTT),
		fmt.Sprintf("rttvar=%s", st.RTTVar),
		fmt.Sprintf("rto=%s", st.RTO),
		fmt.Sprintf("segments_sent=%d", st.Sender.SegmentsSent),
		fmt.Sprintf("timeout_retx=%d", st.Sender.TimeoutRetx),
		fmt.Sprintf("fast_retx=%d", st.Sender.FastRetx),
		fmt.Sprintf("unreliable_sent=%d", st.Unreliable.Sent),
		fmt.Sprintf("malformed_dropped=%d", st.MalformedDropped),
		fmt.Sprintf("checksum_dropped=%d", st.ChecksumDropped),
	}
	fmt.Printf("[duolink-send] sender stats: %s\n", strings.Join(fields, ", "))
}
