package session

import (
	"context"
	"testing"
	"time"

	"clicktrail/internal/storage"
)

func TestResolveUserIDGeneratedOnce(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	first, err := ResolveUserID(ctx, store)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first == "" {
		t.Fatalf("expected generated id")
	}
	second, err := ResolveUserID(ctx, store)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first != second {
		t.Fatalf("user id must be stable: %q vs %q", first, second)
	}
	if v, ok, _ := store.Get(ctx, UserIDKey); !ok || v != first {
		t.Fatalf("user id not persisted: %q %v", v, ok)
	}
}

func TestAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	sc := New("u", "http://app/", start)
	if _, ok, prev := sc.Advance(start.Add(time.Second), "http://app/a"); ok || prev != "http://app/" {
		t.Fatalf("first advance: ok=%v prev=%q", ok, prev)
	}
	gap, ok, prev := sc.Advance(start.Add(4*time.Second), "http://app/a")
	if !ok || gap != 3*time.Second || prev != "http://app/a" {
		t.Fatalf("second advance: gap=%s ok=%v prev=%q", gap, ok, prev)
	}
	if gap, _, _ := sc.Advance(start, "http://app/a"); gap != 0 {
		t.Fatalf("clock going backwards must clamp to zero, got %s", gap)
	}
}

func TestScrollTracker(t *testing.T) {
	var s ScrollTracker
	if got := s.Observe(0, 0, 0); got != 0 {
		t.Fatalf("non-scrollable page: %v", got)
	}
	if got := s.Observe(-50, 1000, 500); got != 0 {
		t.Fatalf("negative offset: %v", got)
	}
	if got := s.Observe(400, 1000, 500); got != 80 {
		t.Fatalf("ratio: %v", got)
	}
	if got := s.Observe(100, 1000, 500); got != 80 {
		t.Fatalf("high-water mark dropped: %v", got)
	}
}

func TestEnd(t *testing.T) {
	sc := New("u", "http://app/", time.Now())
	if sc.Ended() {
		t.Fatalf("new session already ended")
	}
	sc.End(time.Now())
	if !sc.Ended() {
		t.Fatalf("session should be ended")
	}
}
