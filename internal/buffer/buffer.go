package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"clicktrail/internal/model"
	"clicktrail/internal/storage"
)

const (
	RecordsKey     = "clickData"
	FailedBatchKey = "failedBatch"
)

// Buffer is the durable ordered queue of undelivered records. Every mutation rewrites the
// whole sequence under a single lock, so appends from concurrent handlers keep their call
// order and never interleave with a prune.
type Buffer struct {
	mu     sync.Mutex
	store  storage.Store
	logger *slog.Logger
}

func New(store storage.Store, logger *slog.Logger) *Buffer {
	return &Buffer{store: store, logger: logger}
}

// Append persists rec at the tail and returns the new length.
func (b *Buffer) Append(ctx context.Context, rec model.Record) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.load(ctx, RecordsKey)
	records = append(records, rec)
	if err := b.save(ctx, RecordsKey, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (b *Buffer) LoadAll(ctx context.Context) []model.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(ctx, RecordsKey)
}

func (b *Buffer) Len(ctx context.Context) int {
	return len(b.LoadAll(ctx))
}

// Drain returns the buffered records and empties the buffer in one step.
func (b *Buffer) Drain(ctx context.Context) ([]model.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.load(ctx, RecordsKey)
	if err := b.store.Delete(ctx, RecordsKey); err != nil {
		return nil, fmt.Errorf("drain buffer: %w", err)
	}
	return records, nil
}

func (b *Buffer) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.Delete(ctx, RecordsKey); err != nil {
		return fmt.Errorf("clear buffer: %w", err)
	}
	return nil
}

// Prune drops the first n records, the acknowledged prefix of a delivered batch. Records
// appended after the batch was loaded stay in place.
func (b *Buffer) Prune(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.load(ctx, RecordsKey)
	if n >= len(records) {
		if err := b.store.Delete(ctx, RecordsKey); err != nil {
			return fmt.Errorf("prune buffer: %w", err)
		}
		return nil
	}
	rest := append([]model.Record(nil), records[n:]...)
	return b.save(ctx, RecordsKey, rest)
}

// PruneMatching drops the leading records of the buffer that equal batch, in order. It
// returns how many were removed.
func (b *Buffer) PruneMatching(ctx context.Context, batch []model.Record) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.load(ctx, RecordsKey)
	n := 0
	for n < len(records) && n < len(batch) && sameRecord(records[n], batch[n]) {
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if n == len(records) {
		return n, b.store.Delete(ctx, RecordsKey)
	}
	return n, b.save(ctx, RecordsKey, append([]model.Record(nil), records[n:]...))
}

// sameRecord ignores the exit patch, which is the only field allowed to differ between a
// buffered record and its copy in a failed batch.
func sameRecord(a, b model.Record) bool {
	a.ExitURL, b.ExitURL = nil, nil
	a.SessionEndTime, b.SessionEndTime = nil, nil
	return equalRecord(a, b)
}

func equalRecord(a, b model.Record) bool {
	return a.UserID == b.UserID &&
		a.ElementName == b.ElementName &&
		a.CurrentURL == b.CurrentURL &&
		model.Deref(a.PreviousURL) == model.Deref(b.PreviousURL) &&
		a.Timestamp == b.Timestamp &&
		model.Deref(a.TimeBetweenClicks) == model.Deref(b.TimeBetweenClicks) &&
		a.EntryURL == b.EntryURL &&
		model.Deref(a.ExitURL) == model.Deref(b.ExitURL) &&
		a.SessionStartTime == b.SessionStartTime &&
		model.Deref(a.SessionEndTime) == model.Deref(b.SessionEndTime) &&
		a.ScrollDepth == b.ScrollDepth
}

func (b *Buffer) LoadFailed(ctx context.Context) []model.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(ctx, FailedBatchKey)
}

// SaveFailed overwrites the single failed batch slot.
func (b *Buffer) SaveFailed(ctx context.Context, batch []model.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(batch) == 0 {
		return b.store.Delete(ctx, FailedBatchKey)
	}
	return b.save(ctx, FailedBatchKey, batch)
}

// ClearFailedIfDelivered empties the failed slot when its records lead delivered, the batch
// a later flush just sent. It reports whether the slot was cleared.
func (b *Buffer) ClearFailedIfDelivered(ctx context.Context, delivered []model.Record) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	failed := b.load(ctx, FailedBatchKey)
	if len(failed) == 0 || len(failed) > len(delivered) {
		return false, nil
	}
	for i := range failed {
		if !sameRecord(failed[i], delivered[i]) {
			return false, nil
		}
	}
	if err := b.store.Delete(ctx, FailedBatchKey); err != nil {
		return false, fmt.Errorf("clear failed batch: %w", err)
	}
	return true, nil
}

func (b *Buffer) ClearFailed(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.Delete(ctx, FailedBatchKey); err != nil {
		return fmt.Errorf("clear failed batch: %w", err)
	}
	return nil
}

// load treats a missing, unreadable or malformed value as an empty sequence.
func (b *Buffer) load(ctx context.Context, key string) []model.Record {
	raw, ok, err := b.store.Get(ctx, key)
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("buffer read failed", "key", key, "err", err)
		}
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var records []model.Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		if b.logger != nil {
			b.logger.Warn("discarding corrupt buffer contents", "key", key, "err", err)
		}
		return nil
	}
	return records
}

func (b *Buffer) save(ctx context.Context, key string, records []model.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := b.store.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}
