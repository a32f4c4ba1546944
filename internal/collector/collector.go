package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"clicktrail/internal/delivery"
	"clicktrail/internal/history"
	"clicktrail/internal/metrics"
	"clicktrail/internal/model"
	"clicktrail/internal/storage"
)

var ErrInvalidBatch = errors.New("invalid data format or empty payload")

// invalidBatchMessage is the 400 body senders already match on.
const invalidBatchMessage = "Invalid data format or empty payload"

// Collector accepts record batches, stores them and optionally forwards them to Kafka.
type Collector struct {
	sink    storage.RecordSink
	forward delivery.Transport
	metrics *metrics.Store
	history *history.Store
	logger  *slog.Logger
}

func New(sink storage.RecordSink, forward delivery.Transport, metricsStore *metrics.Store, historyStore *history.Store, logger *slog.Logger) *Collector {
	return &Collector{
		sink:    sink,
		forward: forward,
		metrics: metricsStore,
		history: historyStore,
		logger:  logger,
	}
}

// DecodeBatch accepts only a non-empty JSON array of records.
func DecodeBatch(body []byte) ([]model.Record, error) {
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 || trim[0] != '[' {
		return nil, ErrInvalidBatch
	}
	var records []model.Record
	if err := json.Unmarshal(trim, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if len(records) == 0 {
		return nil, ErrInvalidBatch
	}
	return records, nil
}

// Accept stores a decoded batch. A storage failure rejects the batch so the sender keeps it;
// a forward failure is only counted.
func (c *Collector) Accept(ctx context.Context, remote string, records []model.Record) (model.BatchReceipt, error) {
	receipt := model.BatchReceipt{
		ReceivedAt: time.Now().UTC(),
		Remote:     remote,
		Records:    len(records),
		UserIDs:    userIDs(records),
	}
	if c.sink != nil {
		if err := c.sink.SaveRecords(ctx, remote, records); err != nil {
			c.metrics.Inc(metrics.StorageWriteError)
			return receipt, fmt.Errorf("store batch: %w", err)
		}
	}
	c.metrics.Add(metrics.RecordsReceived, int64(len(records)))
	if c.forward != nil {
		if err := c.forward.Send(ctx, records); err != nil {
			c.metrics.Inc(metrics.ForwardFailures)
			if c.logger != nil {
				c.logger.Warn("forward failed", "records", len(records), "err", err)
			}
		} else {
			receipt.Forwarded = true
			c.metrics.Add(metrics.RecordsForwarded, int64(len(records)))
		}
	}
	if c.history != nil {
		c.history.Add(receipt)
	}
	if c.logger != nil {
		c.logger.Info("click data received", "records", len(records), "remote", remote, "users", len(receipt.UserIDs))
	}
	return receipt, nil
}

func (c *Collector) Close() error {
	if c.forward != nil {
		return c.forward.Close()
	}
	return nil
}

func userIDs(records []model.Record) []string {
	seen := map[string]struct{}{}
	for _, r := range records {
		if r.UserID != "" {
			seen[r.UserID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
