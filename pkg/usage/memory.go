package usage

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

type memEntry struct {
	count   int
	expires time.Time
}

// MemoryStore keeps counters in process. Expired windows are pruned on
// Record.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

// Counts implements Store.
func (s *MemoryStore) Counts(_ context.Context, principalID, action string, periods []contracts.Period, now time.Time) (map[contracts.Period]int, error) {
	out := make(map[contracts.Period]int, len(periods))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range periods {
		start, err := WindowStart(p, now)
		if err != nil {
			return nil, err
		}
		out[p] = s.entries[key("", principalID, action, p, start)].count
	}
	return out, nil
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, principalID, action string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
	for _, p := range contracts.AllPeriods {
		start, err := WindowStart(p, now)
		if err != nil {
			return err
		}
		k := key("", principalID, action, p, start)
		e := s.entries[k]
		e.count++
		e.expires = WindowEnd(p, start)
		s.entries[k] = e
	}
	return nil
}
