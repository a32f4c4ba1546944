package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"clicktrail/internal/buffer"
	"clicktrail/internal/config"
	"clicktrail/internal/delivery"
	"clicktrail/internal/ingest"
	"clicktrail/internal/logging"
	"clicktrail/internal/metrics"
	"clicktrail/internal/model"
	"clicktrail/internal/storage"
	"clicktrail/internal/tracker"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "config file (yaml or json)")
	input := flag.String("input", "", "interactions file to follow; stdin when empty and no other source is configured")
	entryURL := flag.String("entry-url", "", "entry url of the session")
	exitURL := flag.String("exit-url", "", "exit url stamped on shutdown; defaults to the last seen url")
	flag.Parse()

	envErr := godotenv.Load()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	var manager *config.Manager
	if path != "" {
		manager, err = config.NewManager(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		cfg = manager.Get()
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if envErr == nil {
		logger.Info("loaded environment from .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage", "err", err)
		os.Exit(1)
	}
	if err := store.Init(ctx); err != nil {
		logger.Error("storage init", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	transport, err := delivery.NewTransport(cfg.Delivery)
	if err != nil {
		logger.Error("delivery transport", "err", err)
		os.Exit(1)
	}
	metricsStore := metrics.NewStore(0)
	buf := buffer.New(store, logger)
	pipeline := delivery.NewPipeline(buf, transport, logger, delivery.Options{
		Interval:      cfg.Delivery.FlushInterval(),
		Threshold:     cfg.Delivery.BufferThreshold,
		BeaconTimeout: cfg.Delivery.BeaconTimeout(),
		SendImmediate: cfg.Delivery.SendImmediate,
		Metrics:       metricsStore,
	})
	tr := tracker.New(cfg, logger, buf, pipeline, store, metricsStore)
	if err := tr.Start(ctx, *entryURL); err != nil {
		logger.Error("tracker start", "err", err)
		os.Exit(1)
	}
	logger.Info("clicktrail started", "version", version, "transport", cfg.Delivery.Transport, "storage", cfg.Storage.Driver)

	if manager != nil {
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		go manager.Watch(2*time.Second, tr.UpdateConfig, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, stopWatch)
	}

	in := make(chan model.Interaction, cfg.Ingest.ChannelBuffer)
	parser := ingest.NewParser()
	ingestCfg := cfg.Ingest
	if *input != "" && *input != "-" {
		ingestCfg.File = *input
	}
	ingest.StartFileTail(ctx, ingestCfg, parser, in, logger)
	if ingestCfg.TCPAddr != "" {
		if _, err := ingest.StartTCPStream(ctx, ingestCfg.TCPAddr, parser, in, logger); err != nil {
			logger.Error("tcp stream listen", "err", err)
			os.Exit(1)
		}
	}
	ingest.StartKafka(ctx, ingestCfg.Kafka, parser, in, logger)

	// Without another source, stdin is read to EOF and its end closes the session.
	if ingestCfg.File == "" && ingestCfg.TCPAddr == "" && !ingestCfg.Kafka.Enabled() {
		go func() {
			if err := ingest.ReadStream(ctx, os.Stdin, "stdin", parser, in, logger); err != nil && ctx.Err() == nil {
				logger.Warn("stdin read error", "err", err)
			}
			close(in)
		}()
	}

	tr.Run(ctx, in)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Delivery.BeaconTimeout()+time.Second)
	defer cancel()
	handed := tr.Stop(shutdownCtx, *exitURL)
	if err := pipeline.Close(shutdownCtx); err != nil {
		logger.Warn("transport close", "err", err)
	}
	logger.Info("clicktrail stopped", "records_handed_off", handed, "counters", metricsStore.GetAll())
}
