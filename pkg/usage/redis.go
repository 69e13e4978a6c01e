package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// RedisStore implements Store with one INCR key per window. Keys expire
// shortly after their window ends.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	grace  time.Duration
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "permengine:usage:", grace: time.Minute}
}

// Counts implements Store.
func (s *RedisStore) Counts(ctx context.Context, principalID, action string, periods []contracts.Period, now time.Time) (map[contracts.Period]int, error) {
	if len(periods) == 0 {
		return map[contracts.Period]int{}, nil
	}
	keys := make([]string, len(periods))
	for i, p := range periods {
		start, err := WindowStart(p, now)
		if err != nil {
			return nil, err
		}
		keys[i] = key(s.prefix, principalID, action, p, start)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("usage: redis mget: %w", err)
	}
	out := make(map[contracts.Period]int, len(periods))
	for i, p := range periods {
		out[p] = 0
		str, ok := vals[i].(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(str)
		if err != nil {
			return nil, fmt.Errorf("usage: counter %s: %w", keys[i], err)
		}
		out[p] = n
	}
	return out, nil
}

// Record implements Store. All periods are incremented in one pipeline.
func (s *RedisStore) Record(ctx context.Context, principalID, action string, now time.Time) error {
	pipe := s.client.TxPipeline()
	for _, p := range contracts.AllPeriods {
		start, err := WindowStart(p, now)
		if err != nil {
			return err
		}
		k := key(s.prefix, principalID, action, p, start)
		pipe.Incr(ctx, k)
		pipe.ExpireAt(ctx, k, WindowEnd(p, start).Add(s.grace))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("usage: redis record: %w", err)
	}
	return nil
}
