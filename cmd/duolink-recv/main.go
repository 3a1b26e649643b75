// Command duolink-recv listens for a DCTP transport connection and
// writes the delivered reliable byte stream to a file (or stdout).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/relaygg/duolink"
	"github.com/relaygg/duolink/internal/config"
	"github.com/relaygg/duolink/internal/metrics"
)

var version = "0.1.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "[duolink-recv] error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("duolink-recv", flag.ContinueOnError)

	listen := fs.String("listen", "", "HOST:PORT to bind (required)")
	out := fs.String("out", "", "output file path (omit to write to stdout)")
	configFile := fs.String("c", "", "YAML config file path")
	fs.StringVar(configFile, "config", "", "YAML config file path (alias of -c)")

	bufCap := fs.Int("buf-cap", 0, "receive window in segments (overrides config)")
	sack := fs.Bool("sack", true, "enable SACK feedback")
	noSack := fs.Bool("no-sack", false, "disable SACK feedback")
	mss := fs.Int("mss", 0, "maximum segment size in bytes (overrides config)")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.BoolVar(verbose, "verbose", false, "verbose logging (alias of -v)")

	metricsListen := fs.String("metrics-listen", "", "address to serve Prometheus metrics on (empty disables)")
	statsListen := fs.String("stats-listen", "", "address to serve the WebSocket stats feed on (empty disables)")

	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("duolink-recv %s\n", version)
		return nil
	}
	if *listen == "" {
		fs.Usage()
		return fmt.Errorf("-listen is required")
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
			log.Printf("[duolink-recv] loaded config from %s", *configFile)
		}
	}
	if *bufCap > 0 {
		cfg.Window = *bufCap
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
	// The receiver's channel is always reliable: it binds and waits for
	// an inbound peer rather than dialing one, so there is nothing to
	// weigh against prob_reliable on this side.
	cfg.ProbReliable = 1.0
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var dst *os.File
	if *out == "" {
		dst = os.Stdout
	} else {
		outPath, err := filepath.Abs(*out)
		if err != nil {
			return fmt.Errorf("resolve output path: %w", err)
		}
		if dir := filepath.Dir(outPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
		}
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		dst = f
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

	t, err := duolink.New(uint32(cfg.Window), cfg.ProbReliable, cfg.Verbose, opts...)
	if err != nil {
		return fmt.Errorf("new transport: %w", err)
	}
	if err := t.Bind(*listen); err != nil {
		return fmt.Errorf("bind %s: %w", *listen, err)
	}
	defer t.Close()

	metricsAddr := *metricsListen
	if metricsAddr == "" && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Listen
	}
	if metricsAddr != "" && collector != nil {
		srv := metrics.NewServer(metricsAddr, collector)
		srv.Start()
		defer srv.Stop(context.Background())
		log.Printf("[duolink-recv] metrics listening on %s", metricsAddr)
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
		log.Printf("[duolink-recv] stats feed listening on %s", statsAddr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Printf("[duolink-recv] listening on %s, waiting for peer", *listen)

	total := 0
	started := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			log.Print("[duolink-recv] interrupted; closing")
			break loop
		default:
		}

		if err := t.Poll(25 * time.Millisecond); err != nil {
			return fmt.Errorf("poll: %w", err)
		}

		chunk, err := t.Recv(1 << 20)
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		if len(chunk) == 0 {
			continue
		}
		n, werr := dst.Write(chunk)
		total += n
		if werr != nil {
			return fmt.Errorf("write output: %w", werr)
		}
		if *verbose {
			log.Printf("[duolink-recv] wrote %d bytes (%d total)", n, total)
		}
	}

	elapsed := time.Since(started)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	mbps := float64(total*8) / elapsed.Seconds() / 1_000_000
	fmt.Fprintf(os.Stderr, "[duolink-recv] received %d bytes in %.3fs | %.2f Mb/s\n", total, elapsed.Seconds(), mbps)
	printStats(t)
	return nil
}

func printStats(t *duolink.Transport) {
	st := t.Stats()
	fields := []string{
		fmt.Sprintf("srtt=%s", st.SRTT),
		fmt.Sprintf("rttvar=%s", st.RTTVar),
		fmt.Sprintf("rto=%s", st.RTO),
		fmt.Sprintf("delivered=%d", st.Receiver.Delivered),
		fmt.Sprintf("reorder_occupied=%d", st.Receiver.ReorderOccupied),
		fmt.Sprintf("unreliable_received=%d", st.Unreliable.Received),
		fmt.Sprintf("malformed_dropped=%d", st.MalformedDropped),
		fmt.Sprintf("checksum_dropped=%d", st.ChecksumDropped),
	}
	fmt.Fprintf(os.Stderr, "[duolink-recv] receiver stats: %s\n", strings.Join(fields, ", "))
}
