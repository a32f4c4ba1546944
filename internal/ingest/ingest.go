package ingest

import (
	"context"
	"log/slog"
	"time"

	"clicktrail/internal/model"
)

// SendNonBlocking hands ev to the tracker without stalling a live source. A full channel
// drops the interaction with a warning; replayed input uses ReadStream, which blocks instead.
func SendNonBlocking(ctx context.Context, out chan<- model.Interaction, ev model.Interaction, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("interaction channel full, dropping interaction", "kind", ev.Kind, "source", ev.Source)
		}
		return false
	}
}

// BackoffSleep waits d (200ms when unset) and reports false if ctx ended first.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
