package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainsync/internal/config"
	"chainsync/internal/metrics"
	"chainsync/internal/pipeline"
	"chainsync/internal/poller"
	"chainsync/internal/supervisor"
	"chainsync/pkg/chain"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		// .env file is optional
		log.Debug().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	setupLogging(cfg.Logging)
	log.Info().Str("network", cfg.Network.Name).Msg("Starting chain synchronization core")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	// Initialize components
	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Application error")
	}

	log.Info().Msg("chain synchronization core shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Initialize metrics
	m := metrics.New()
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
		log.Info().Int("port", cfg.Metrics.Port).Msg("Metrics server started")
	}

	// Compile the declared sources (filters + factories).
	sources, err := cfg.BuildSources()
	if err != nil {
		return err
	}

	// Initialize the RPC request queue.
	rpcQueue, err := chain.NewRPCQueue(cfg.Network.RPCURL, cfg.Network.ChainID, 10, 20)
	if err != nil {
		return err
	}
	defer rpcQueue.Close()
	log.Info().Str("rpc", cfg.Network.RPCURL).Msg("RPC queue connected")

	// Seed the pipeline at the current head so it only processes new blocks.
	genesis, err := rpcQueue.GetBlockByNumber(ctx, chain.BlockTagLatest)
	if err != nil {
		return err
	}
	finalizedBlock := chain.LightBlock{
		Number:     genesis.Header.Number,
		Hash:       genesis.Header.Hash,
		ParentHash: genesis.Header.ParentHash,
		Timestamp:  genesis.Header.Timestamp,
	}

	registry := pipeline.NewRegistry()

	onFatal := func(err error) {
		m.RecordFatalError()
		log.Error().Err(err).Str("network", cfg.Network.Name).Msg("fatal error, stopping pipeline")
		registry.KillAll()
	}

	p := pipeline.New(
		cfg.Network.ChainID,
		cfg.Network.FinalityBlockCount,
		rpcQueue,
		sources,
		finalizedBlock,
		func(evt pipeline.Event) { recordPipelineEvent(m, evt) },
		onFatal,
	)
	registry.Add(cfg.Network.Name, p)

	pollInterval := time.Duration(cfg.Network.PollingIntervalMs) * time.Millisecond
	poll := poller.New(cfg.Network.ChainID, pollInterval, rpcQueue, p.Enqueue, onFatal)

	// Start pipeline registry and poller concurrently.
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Msg("starting pipeline registry")
		return registry.Run(gCtx)
	})

	g.Go(func() error {
		log.Info().Msg("starting poller")
		return poll.Run(gCtx)
	})

	// When a websocket endpoint is configured, run a push-based head
	// subscriber alongside the poller: each new head just wakes the
	// Poller early so it fetches and validates through the same path,
	// rather than bypassing it (§3 supplemented push path). It is purely
	// a latency optimization over the ticker-based poller, so its own
	// exhaustion degrades back to plain polling instead of failing the
	// group.
	if cfg.Network.WSURL != "" {
		g.Go(func() error {
			log.Info().Str("ws", cfg.Network.WSURL).Msg("starting websocket head subscriber")
			runWSHeadSubscriber(gCtx, cfg.Network.WSURL, poll)
			return nil
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	return nil
}

// runWSHeadSubscriber wraps WSHeadSubscriber.Run in a reconnect loop: a
// dropped connection is a transient failure retried on the Supervisor's
// backoff schedule (wsheads.go's own doc comment: "a single dropped
// connection should not be treated as fatal"). The subscriber is a pure
// latency optimization over the ticker-based Poller, so exhausting the
// schedule just stops the loop instead of tearing down the pipeline.
func runWSHeadSubscriber(ctx context.Context, wsURL string, poll *poller.Poller) {
	sub := chain.NewWSHeadSubscriber(wsURL)
	sup := supervisor.New(func(error) {
		log.Warn().Msg("websocket head subscriber exhausted its retry budget, falling back to ticker-only polling")
	})

	for {
		err := sub.Run(ctx, func(blockNumber uint64) {
			poll.WakeUp()
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}

		log.Warn().Err(err).Msg("websocket head subscriber disconnected, reconnecting")
		wait, ok := sup.RecordError(err)
		if !ok {
			return
		}
		if werr := supervisor.Sleep(ctx, wait); werr != nil {
			return
		}
	}
}

// recordPipelineEvent feeds a pipeline.Event's outcome into Prometheus.
// This stands in for the "downstream event sink" the core treats as an
// external collaborator (§6) — a real deployment would plug in a
// decoding/storage handler here instead.
func recordPipelineEvent(m *metrics.Metrics, evt pipeline.Event) {
	switch evt.Kind {
	case pipeline.EventBlock:
		m.SetLastBlockSeen(evt.Block.Block.Number)
		m.RecordEventEmitted("block")
		for _, re := range evt.Block.MatchedEvents {
			m.RecordEventEmitted(re.Type.String())
			m.RecordEventLatency(time.Unix(int64(evt.Block.Block.Timestamp), 0))
		}
	case pipeline.EventReorg:
		m.RecordReorg(len(evt.Reorg.Reorged))
		m.RecordEventEmitted("reorg")
	case pipeline.EventFinalize:
		m.RecordFinalization()
		m.RecordEventEmitted("finalize")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}
