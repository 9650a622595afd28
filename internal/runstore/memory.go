package runstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory with TTL-based cleanup of
// finished runs. It is the default backend for single-instance
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	ttl     time.Duration
	onEvict func(runID string)
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a memory store. When ttl is positive a
// background sweep drops records whose last update is older than ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]Record),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		go s.sweepLoop()
	}
	return s
}

// OnEvict registers a callback invoked with the id of every record the
// TTL sweep drops, so per-run resources held elsewhere (event replay
// buffers in particular) are released together with the record. Must be
// set before the store is shared.
func (s *MemoryStore) OnEvict(fn func(runID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.RunID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[runID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	var evicted []string
	for id, rec := range s.records {
		if now.Sub(rec.UpdatedAt) > s.ttl {
			delete(s.records, id)
			evicted = append(evicted, id)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict == nil {
		return
	}
	// Notify outside the lock; the callback may take other locks.
	for _, id := range evicted {
		onEvict(id)
	}
}
