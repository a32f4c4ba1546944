package metrics

import (
	"sync"
	"time"
)

// Counter names shared by the delivery pipeline and the collector.
const (
	BatchesSent       = "batches_sent"
	BatchesFailed     = "batches_failed"
	RecordsSent       = "records_sent"
	RecordsDropped    = "records_dropped"
	FailedBatchRetry  = "failed_batch_retries"
	FailedBatchDrop   = "failed_batches_discarded"
	ImmediateSent     = "immediate_sent"
	ImmediateFailed   = "immediate_failed"
	BeaconsSent       = "beacons_sent"
	BeaconsFailed     = "beacons_failed"
	RecordsTracked    = "records_tracked"
	InteractionsMiss  = "interactions_untracked"
	RecordsReceived   = "records_received"
	BatchesRejected   = "batches_rejected"
	RecordsForwarded  = "records_forwarded"
	ForwardFailures   = "forward_failures"
	StorageWriteError = "storage_write_errors"
)

type Store struct {
	mu        sync.RWMutex
	counts    map[string]int64
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 256
	}
	return &Store{
		counts:    make(map[string]int64),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

// Add is safe on a nil store so callers can run without metrics.
func (s *Store) Add(name string, delta int64) {
	if s == nil || name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name] += delta
	s.updatedAt[name] = time.Now().UTC()
	if len(s.counts) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Inc(name string) {
	s.Add(name, 1)
}

func (s *Store) Get(name string) (int64, time.Time, bool) {
	if s == nil {
		return 0, time.Time{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.counts[name]
	return v, s.updatedAt[name], ok
}

func (s *Store) Value(name string) int64 {
	v, _, _ := s.Get(name)
	return v
}

func (s *Store) GetAll() map[string]int64 {
	if s == nil {
		return map[string]int64{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestName string
	var oldest time.Time
	for name, ts := range s.updatedAt {
		if oldestName == "" || ts.Before(oldest) {
			oldestName = name
			oldest = ts
		}
	}
	if oldestName != "" {
		delete(s.counts, oldestName)
		delete(s.updatedAt, oldestName)
	}
}

func (s *Store) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int64)
	s.updatedAt = make(map[string]time.Time)
}
