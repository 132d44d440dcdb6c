package webhook

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in a process-local map. Records older than the
// TTL are swept periodically. It is only correct for a single instance.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	ttl     time.Duration
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its sweep goroutine. A
// zero ttl defaults to seven days; a zero sweepInterval to one hour.
func NewMemoryStore(ttl, sweepInterval time.Duration) *MemoryStore {
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	if sweepInterval == 0 {
		sweepInterval = time.Hour
	}

	s := &MemoryStore{
		records: make(map[string]Record),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.sweepLoop(sweepInterval)
	return s
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, eventID string, kind EventKind, policy ClaimPolicy) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Record
	if rec, ok := s.records[eventID]; ok {
		existing = &rec
	}

	res := decideClaim(existing, eventID, kind, policy, s.now())
	if res.Outcome == ClaimAcquired {
		s.records[eventID] = res.Record
	}
	return res, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.EventID]
	if ok && current.Attempts != rec.Attempts {
		return ErrStaleClaim
	}
	s.records[rec.EventID] = rec
	return nil
}

func (s *MemoryStore) lookup(eventID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[eventID]
	return rec, ok
}

// Size returns the number of stored records, expired ones included until the
// next sweep.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops records whose last activity is older than the TTL.
func (s *MemoryStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, rec := range s.records {
		last := rec.ClaimedAt
		if rec.ProcessedAt.After(last) {
			last = rec.ProcessedAt
		}
		if now.Sub(last) > s.ttl {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}
