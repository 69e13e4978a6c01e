package usage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

func TestWindowStart(t *testing.T) {
	// Wednesday.
	ts := time.Date(2024, 1, 10, 15, 42, 17, 0, time.UTC)
	cases := map[contracts.Period]time.Time{
		contracts.PeriodMinute: time.Date(2024, 1, 10, 15, 42, 0, 0, time.UTC),
		contracts.PeriodHour:   time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC),
		contracts.PeriodDay:    time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		contracts.PeriodWeek:   time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
		contracts.PeriodMonth:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for p, want := range cases {
		got, err := WindowStart(p, ts)
		require.NoError(t, err)
		assert.Equal(t, want, got, string(p))
	}

	sunday := time.Date(2024, 1, 14, 23, 0, 0, 0, time.UTC)
	got, _ := WindowStart(contracts.PeriodWeek, sunday)
	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), got)

	_, err := WindowStart("fortnight", ts)
	assert.Error(t, err)
}

func TestMemoryStore_CountsPerWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 1, 10, 15, 42, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, "u-1", "export", now.Add(-2*time.Minute)))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, "u-1", "export", now))
	}
	require.NoError(t, s.Record(ctx, "u-2", "export", now))

	counts, err := s.Counts(ctx, "u-1", "export", []contracts.Period{contracts.PeriodMinute, contracts.PeriodHour, contracts.PeriodDay}, now)
	require.NoError(t, err)
	assert.Equal(t, map[contracts.Period]int{
		contracts.PeriodMinute: 3,
		contracts.PeriodHour:   4,
		contracts.PeriodDay:    4,
	}, counts)

	next, err := s.Counts(ctx, "u-1", "export", []contracts.Period{contracts.PeriodHour}, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, next[contracts.PeriodHour])
}

// TestRedisStore_Integration requires a running Redis.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	s := NewRedisStore(client)
	principal := fmt.Sprintf("it-%d", time.Now().UnixNano())
	now := time.Now()
	require.NoError(t, s.Record(ctx, principal, "export", now))
	require.NoError(t, s.Record(ctx, principal, "export", now))

	counts, err := s.Counts(ctx, principal, "export", contracts.AllPeriods, now)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[contracts.PeriodMonth])

	other, err := s.Counts(ctx, principal, "approve", []contracts.Period{contracts.PeriodDay}, now)
	require.NoError(t, err)
	assert.Equal(t, 0, other[contracts.PeriodDay])
}
