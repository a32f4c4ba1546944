package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"clicktrail/internal/config"
	"clicktrail/internal/model"
)

// StartKafka consumes interactions published by a host application, one JSON object per
// message.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, parser *Parser, out chan<- model.Interaction, logger *slog.Logger) {
	if !cfg.Enabled() {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, 0) {
					return
				}
				continue
			}
			emitLine(ctx, string(m.Value), "kafka", parser, out, logger)
		}
	}()
}
