package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"clicktrail/internal/buffer"
	"clicktrail/internal/metrics"
	"clicktrail/internal/model"
	"clicktrail/internal/normalize"
)

type Options struct {
	Interval      time.Duration
	Threshold     int
	BeaconTimeout time.Duration
	SendImmediate bool
	Metrics       *metrics.Store
}

// Pipeline moves buffered records to a Transport. Flushes are serialized; a failed flush
// snapshots the batch into the failed slot and leaves the buffer as it was.
type Pipeline struct {
	buf       *buffer.Buffer
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Store
	opts      Options

	threshold     atomic.Int64
	sendImmediate atomic.Bool

	flushMu  sync.Mutex
	trigger  chan struct{}
	inflight sync.WaitGroup
}

func NewPipeline(buf *buffer.Buffer, transport Transport, logger *slog.Logger, opts Options) *Pipeline {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.BeaconTimeout <= 0 {
		opts.BeaconTimeout = 2 * time.Second
	}
	p := &Pipeline{
		buf:       buf,
		transport: transport,
		logger:    logger,
		metrics:   opts.Metrics,
		opts:      opts,
		trigger:   make(chan struct{}, 1),
	}
	p.Reconfigure(opts.Threshold, opts.SendImmediate)
	return p
}

// Reconfigure swaps the settings that may change while running. The flush interval and
// transport are fixed for the life of the pipeline.
func (p *Pipeline) Reconfigure(threshold int, sendImmediate bool) {
	p.threshold.Store(int64(threshold))
	p.sendImmediate.Store(sendImmediate)
}

// SendBatch posts records once and reports whether the endpoint acknowledged them.
func (p *Pipeline) SendBatch(ctx context.Context, records []model.Record) bool {
	if len(records) == 0 {
		return false
	}
	if err := p.transport.Send(ctx, records); err != nil {
		p.metrics.Inc(metrics.BatchesFailed)
		if p.logger != nil {
			p.logger.Warn("batch delivery failed", "records", len(records), "error", err)
		}
		return false
	}
	p.metrics.Inc(metrics.BatchesSent)
	p.metrics.Add(metrics.RecordsSent, int64(len(records)))
	if p.logger != nil {
		p.logger.Debug("batch delivered", "records", len(records))
	}
	return true
}

// FlushPeriodic sends everything currently buffered. On success the sent prefix is pruned,
// keeping records appended while the request was in flight, and a failed batch the send
// already covered is dropped.
func (p *Pipeline) FlushPeriodic(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	batch := p.buf.LoadAll(ctx)
	if len(batch) == 0 {
		return nil
	}
	if p.SendBatch(ctx, batch) {
		if _, err := p.buf.ClearFailedIfDelivered(ctx, batch); err != nil && p.logger != nil {
			p.logger.Error("failed to clear delivered failed batch", "error", err)
		}
		return p.buf.Prune(ctx, len(batch))
	}
	if err := p.buf.SaveFailed(ctx, batch); err != nil && p.logger != nil {
		p.logger.Error("failed to save failed batch", "error", err)
	}
	return fmt.Errorf("%w: %d records kept", ErrDeliveryFailed, len(batch))
}

// SendImmediate posts a single record in the background when enabled. The record stays in
// the buffer either way; the periodic flush still owns it.
func (p *Pipeline) SendImmediate(rec model.Record) {
	if !p.sendImmediate.Load() {
		return
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.BeaconTimeout)
		defer cancel()
		if err := p.transport.Send(ctx, []model.Record{rec}); err != nil {
			p.metrics.Inc(metrics.ImmediateFailed)
			if p.logger != nil {
				p.logger.Debug("immediate send failed", "element", rec.ElementName, "error", err)
			}
			return
		}
		p.metrics.Inc(metrics.ImmediateSent)
	}()
}

// Wait blocks until background sends finish or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// RetryFailed makes exactly one attempt at the failed slot left by a previous session.
// The slot is cleared whatever the outcome.
func (p *Pipeline) RetryFailed(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	batch := p.buf.LoadFailed(ctx)
	if len(batch) == 0 {
		return nil
	}
	p.metrics.Inc(metrics.FailedBatchRetry)
	ok := p.SendBatch(ctx, batch)
	if err := p.buf.ClearFailed(ctx); err != nil && p.logger != nil {
		p.logger.Error("failed to clear failed batch", "error", err)
	}
	if !ok {
		p.metrics.Inc(metrics.FailedBatchDrop)
		if p.logger != nil {
			p.logger.Warn("failed batch discarded after retry", "records", len(batch))
		}
		return fmt.Errorf("%w: failed batch retry", ErrDeliveryFailed)
	}
	removed, err := p.buf.PruneMatching(ctx, batch)
	if err != nil {
		return err
	}
	if p.logger != nil {
		p.logger.Info("failed batch redelivered", "records", len(batch), "pruned", removed)
	}
	return nil
}

// FlushOnExit stamps the exit URL and end time on the newest record and hands the whole
// buffer to a fire-and-forget send. The buffer is emptied without waiting for the
// outcome. It returns the number of records handed off.
func (p *Pipeline) FlushOnExit(ctx context.Context, exitURL string, endedAt time.Time) int {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	batch := p.buf.LoadAll(ctx)
	if len(batch) == 0 {
		return 0
	}
	last := &batch[len(batch)-1]
	last.ExitURL = model.StringPtr(exitURL)
	last.SessionEndTime = model.StringPtr(normalize.FormatClock(endedAt))

	p.inflight.Add(1)
	go p.beacon(batch)

	if err := p.buf.Prune(ctx, len(batch)); err != nil && p.logger != nil {
		p.logger.Error("failed to clear buffer on exit", "error", err)
	}
	return len(batch)
}

func (p *Pipeline) beacon(batch []model.Record) {
	defer p.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.BeaconTimeout)
	defer cancel()
	if err := p.transport.Send(ctx, batch); err != nil {
		p.metrics.Inc(metrics.BeaconsFailed)
		p.metrics.Add(metrics.RecordsDropped, int64(len(batch)))
		if p.logger != nil {
			p.logger.Warn("exit beacon failed", "records", len(batch), "error", err)
		}
		return
	}
	p.metrics.Inc(metrics.BeaconsSent)
	p.metrics.Add(metrics.RecordsSent, int64(len(batch)))
}

// CheckThreshold requests an early flush once the buffer length reaches the threshold.
func (p *Pipeline) CheckThreshold(n int) bool {
	threshold := p.threshold.Load()
	if threshold <= 0 || int64(n) < threshold {
		return false
	}
	p.Trigger()
	return true
}

// Trigger wakes Run for an out-of-band flush. Pending triggers coalesce.
func (p *Pipeline) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run flushes on every tick and on Trigger until ctx is done. A send already in flight
// when ctx ends is allowed to finish.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flush(ctx, "interval")
		case <-p.trigger:
			p.flush(ctx, "threshold")
		}
	}
}

func (p *Pipeline) flush(ctx context.Context, reason string) {
	err := p.FlushPeriodic(context.WithoutCancel(ctx))
	if err != nil && p.logger != nil {
		level := slog.LevelError
		if errors.Is(err, ErrDeliveryFailed) {
			level = slog.LevelWarn
		}
		p.logger.Log(ctx, level, "flush failed", "reason", reason, "error", err)
	}
}

// Close waits for outstanding background sends, bounded by ctx, then closes the transport.
func (p *Pipeline) Close(ctx context.Context) error {
	if !p.Wait(ctx) && p.logger != nil {
		p.logger.Warn("background send still in flight at shutdown")
	}
	return p.transport.Close()
}
