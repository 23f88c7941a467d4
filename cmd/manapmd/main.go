package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/manapmd/internal/config"
	"github.com/piwi3910/manapmd/internal/device"
	"github.com/piwi3910/manapmd/internal/hal"
	"github.com/piwi3910/manapmd/internal/mp"
	"github.com/piwi3910/manapmd/internal/queue"
	"github.com/piwi3910/manapmd/internal/shutdown"
)

// rxBufferSize covers a standard MTU frame plus headroom.
const rxBufferSize = 2048

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	deviceName := flag.String("device", "", "Adapter device name")
	role := flag.String("role", "", "Process role: primary or secondary")
	socketPath := flag.String("socket", "", "Resource channel socket path")
	queueCount := flag.Int("queues", 0, "Number of queues per direction")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("manapmd %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*configPath, config.Options{
		Device:     *deviceName,
		Role:       *role,
		SocketPath: *socketPath,
		QueueCount: *queueCount,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	applyLogLevel(cfg.LogLevel, *debug)

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("role", cfg.Role).
		Str("device", cfg.Device).
		Msg("Starting manapmd")

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Driver error")
	}

	log.Info().Msg("manapmd shutdown complete")
}

// applyLogLevel applies the configured level unless -debug already forced
// debug logging.
func applyLogLevel(level string, debug bool) {
	if debug {
		return
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func run(cfg *config.Config) error {
	backend := hal.NewSimulatedBackend()
	if !cfg.Simulated {
		return fmt.Errorf("only the simulated hardware backend is available on this build")
	}

	devCfg := device.Config{
		DeviceName:   cfg.Device,
		Backend:      backend,
		Segment:      mp.Options{Dir: cfg.SegmentDir, Name: cfg.SegmentName},
		SocketPath:   cfg.SocketPath,
		CacheEntries: cfg.Queues.CacheEntries,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Role == "secondary" {
		return runSecondary(ctx, devCfg, sigChan)
	}

	return runPrimary(ctx, devCfg, cfg, sigChan)
}

func runPrimary(ctx context.Context, devCfg device.Config, cfg *config.Config,
	sigChan chan os.Signal) error {
	if err := devCfg.Backend.Init(); err != nil {
		return fmt.Errorf("initialize backend: %w", err)
	}

	dev, err := device.Probe(devCfg)
	if err != nil {
		return fmt.Errorf("probe device: %w", err)
	}

	removed := make(chan string, 1)
	dev.OnRemoval(func(name string) {
		removed <- name
	})

	if err := dev.Configure(cfg.Queues.Count, cfg.Queues.Count); err != nil {
		return fmt.Errorf("configure device: %w", err)
	}

	alloc := hal.NewHeapAllocator()
	socket := dev.Info().NumaNode

	for i := 0; i < cfg.Queues.Count; i++ {
		if _, err := dev.Queues().SetupTx(i, cfg.Queues.Descriptors, socket); err != nil {
			return fmt.Errorf("set up tx queue %d: %w", i, err)
		}

		pool := queue.NewPool(alloc, rxBufferSize, socket)
		if _, err := dev.Queues().SetupRx(i, cfg.Queues.Descriptors, socket, pool); err != nil {
			return fmt.Errorf("set up rx queue %d: %w", i, err)
		}
	}

	if err := dev.Start(ctx); err != nil {
		return fmt.Errorf("start device: %w", err)
	}

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case name := <-removed:
		log.Error().Str("device", name).Msg("Device removed, shutting down")
	}

	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
	coord.RegisterHook(shutdown.PhaseQuiesce, func(ctx context.Context) error {
		return dev.Stop(ctx)
	})
	coord.RegisterHook(shutdown.PhaseHardware, func(context.Context) error {
		return dev.Close()
	})

	return coord.Shutdown(ctx)
}

func runSecondary(ctx context.Context, devCfg device.Config, sigChan chan os.Signal) error {
	dev, err := device.AttachSecondary(devCfg)
	if err != nil {
		return fmt.Errorf("attach to primary: %w", err)
	}

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	return dev.Close()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Serving metrics")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Msg("Metrics server stopped")
	}
}
