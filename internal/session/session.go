package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clicktrail/internal/storage"
)

const UserIDKey = "userID"

// Context carries per-session state for the normalizer. It replaces module-level
// trackers: one Context per tracking scope, started and ended explicitly.
type Context struct {
	mu          sync.Mutex
	userID      string
	entryURL    string
	previousURL string
	lastEvent   time.Time
	startedAt   time.Time
	endedAt     time.Time
	scroll      ScrollTracker
}

func New(userID, entryURL string, startedAt time.Time) *Context {
	return &Context{
		userID:      userID,
		entryURL:    entryURL,
		previousURL: entryURL,
		startedAt:   startedAt,
	}
}

func (c *Context) UserID() string {
	return c.userID
}

func (c *Context) EntryURL() string {
	return c.entryURL
}

func (c *Context) StartedAt() time.Time {
	return c.startedAt
}

// Advance records a tracked event at now against currentURL. It returns the gap since the
// previous tracked event (ok=false for the first) and the previous URL as it stood before
// this event.
func (c *Context) Advance(now time.Time, currentURL string) (gap time.Duration, ok bool, previousURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastEvent.IsZero() {
		gap = now.Sub(c.lastEvent)
		if gap < 0 {
			gap = 0
		}
		ok = true
	}
	c.lastEvent = now
	previousURL = c.previousURL
	if currentURL != "" && currentURL != c.previousURL {
		c.previousURL = currentURL
	}
	return gap, ok, previousURL
}

func (c *Context) ObserveScroll(scrollY, scrollHeight, viewportHeight float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scroll.Observe(scrollY, scrollHeight, viewportHeight)
}

func (c *Context) ScrollDepth() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scroll.Max()
}

func (c *Context) End(at time.Time) {
	c.mu.Lock()
	if c.endedAt.IsZero() {
		c.endedAt = at
	}
	c.mu.Unlock()
}

func (c *Context) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.endedAt.IsZero()
}

// ScrollTracker keeps the high-water mark of scroll ratios, in percent.
type ScrollTracker struct {
	max float64
}

func (s *ScrollTracker) Observe(scrollY, scrollHeight, viewportHeight float64) float64 {
	scrollable := scrollHeight - viewportHeight
	if scrollable <= 0 {
		return s.max
	}
	pct := scrollY / scrollable * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct > s.max {
		s.max = pct
	}
	return s.max
}

func (s *ScrollTracker) Max() float64 {
	return s.max
}

// ResolveUserID returns the persisted anonymous identifier, generating and storing one on
// first use.
func ResolveUserID(ctx context.Context, store storage.Store) (string, error) {
	if store == nil {
		return uuid.NewString(), nil
	}
	id, ok, err := store.Get(ctx, UserIDKey)
	if err != nil {
		return "", fmt.Errorf("load user id: %w", err)
	}
	if ok && strings.TrimSpace(id) != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := store.Put(ctx, UserIDKey, id); err != nil {
		return "", fmt.Errorf("save user id: %w", err)
	}
	return id, nil
}
