package baseline

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 32

type shard struct {
	mu sync.RWMutex
	m  map[string]*Baseline
}

// MemoryStore is a sharded in-process Store. Principals hash to a shard so
// unrelated principals never contend on the same lock.
type MemoryStore struct {
	shards [shardCount]shard
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*Baseline)
	}
	return s
}

func (s *MemoryStore) shard(principalID string) *shard {
	return &s.shards[shardIndex(principalID, shardCount)]
}

// Get returns a copy of the stored baseline.
func (s *MemoryStore) Get(_ context.Context, principalID string) (*Baseline, error) {
	sh := s.shard(principalID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	b, ok := sh.m[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

// Put stores a copy of b.
func (s *MemoryStore) Put(_ context.Context, b *Baseline) error {
	sh := s.shard(b.PrincipalID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.m[b.PrincipalID] = b.Clone()
	return nil
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
