package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[string]*contracts.ApprovalChain
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string]*contracts.ApprovalChain)}
}

func (s *MemoryStore) Create(_ context.Context, c *contracts.ApprovalChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[c.ID]; ok {
		return fmt.Errorf("approval: chain %s already exists", c.ID)
	}
	s.chains[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.ApprovalChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, c *contracts.ApprovalChain, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.chains[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	if cur.Version != expected {
		return ErrVersionConflict
	}
	s.chains[c.ID] = c.Clone()
	return nil
}

// ListOpen returns open chains ordered by creation time.
func (s *MemoryStore) ListOpen(_ context.Context) ([]*contracts.ApprovalChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.ApprovalChain
	for _, c := range s.chains {
		if c.Status == contracts.ChainOpen {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
