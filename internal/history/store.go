package history

import (
	"sync"
	"time"

	"clicktrail/internal/model"
)

// Store keeps the most recent batch receipts, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []model.BatchReceipt
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(r model.BatchReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, r)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = r
}

// List returns the newest limit receipts; limit <= 0 returns all.
func (s *Store) List(limit int) []model.BatchReceipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.BatchReceipt, limit)
	copy(out, s.buf[len(s.buf)-limit:])
	return out
}

func (s *Store) Since(ts time.Time) []model.BatchReceipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.BatchReceipt, 0)
	for _, r := range s.buf {
		if !r.ReceivedAt.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
