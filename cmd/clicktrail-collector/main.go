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

	"clicktrail/internal/collector"
	"clicktrail/internal/config"
	"clicktrail/internal/delivery"
	"clicktrail/internal/history"
	"clicktrail/internal/logging"
	"clicktrail/internal/metrics"
	"clicktrail/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "config file (yaml or json)")
	addr := flag.String("addr", "", "listen address, overrides collector.addr")
	flag.Parse()

	envErr := godotenv.Load()

	cfg, err := config.LoadOrDefault(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Collector.Addr = *addr
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if envErr == nil {
		logger.Info("loaded environment from .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Collector.Storage)
	if err != nil {
		logger.Error("storage", "err", err)
		os.Exit(1)
	}
	if err := store.Init(ctx); err != nil {
		logger.Error("storage init", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	sink, ok := store.(storage.RecordSink)
	if !ok {
		logger.Error("storage driver cannot hold records", "driver", cfg.Collector.Storage.Driver)
		os.Exit(1)
	}

	var forward delivery.Transport
	if cfg.Collector.Forward.Enabled() {
		forward, err = delivery.NewKafkaTransport(cfg.Collector.Forward.Brokers, cfg.Collector.Forward.Topic)
		if err != nil {
			logger.Error("kafka forward", "err", err)
			os.Exit(1)
		}
		logger.Info("forwarding to kafka", "brokers", cfg.Collector.Forward.Brokers, "topic", cfg.Collector.Forward.Topic)
	}

	c := collector.New(sink, forward, metrics.NewStore(0), history.NewStore(cfg.Collector.HistorySize), logger)
	defer c.Close()
	collector.Start(ctx, collector.NewServer(cfg.Collector, c, logger, version))

	<-ctx.Done()
	// Start shuts the listener down on ctx; give in-flight requests a moment.
	time.Sleep(500 * time.Millisecond)
	logger.Info("collector stopped")
}
