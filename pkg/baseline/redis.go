package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis string keys holding JSON.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store on an existing client. A zero ttl keeps
// baselines until they are overwritten.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "permengine:baseline:", ttl: ttl}
}

func (s *RedisStore) key(principalID string) string { return s.prefix + principalID }

// Get loads the baseline for principalID.
func (s *RedisStore) Get(ctx context.Context, principalID string) (*Baseline, error) {
	raw, err := s.client.Get(ctx, s.key(principalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("baseline: redis get: %w", err)
	}
	var b Baseline
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("baseline: decode %s: %w", principalID, err)
	}
	return &b, nil
}

// Put writes b, replacing any previous value.
func (s *RedisStore) Put(ctx context.Context, b *Baseline) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("baseline: encode: %w", err)
	}
	if err := s.client.Set(ctx, s.key(b.PrincipalID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("baseline: redis set: %w", err)
	}
	return nil
}
