// Package usage counts how often a principal performed an action in fixed
// calendar windows. Counts are read before evaluation so rate-limited action
// restrictions can be checked without I/O on the decision path.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// Store reads and increments usage counters.
type Store interface {
	// Counts returns the count of the window containing now for each
	// period. Periods without activity map to zero.
	Counts(ctx context.Context, principalID, action string, periods []contracts.Period, now time.Time) (map[contracts.Period]int, error)
	// Record increments the current window of every period.
	Record(ctx context.Context, principalID, action string, now time.Time) error
}

// WindowStart returns the UTC start of the fixed window of p containing t.
// Weeks start on Monday.
func WindowStart(p contracts.Period, t time.Time) (time.Time, error) {
	t = t.UTC()
	switch p {
	case contracts.PeriodMinute:
		return t.Truncate(time.Minute), nil
	case contracts.PeriodHour:
		return t.Truncate(time.Hour), nil
	case contracts.PeriodDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case contracts.PeriodWeek:
		offset := (int(t.Weekday()) + 6) % 7
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return d.AddDate(0, 0, -offset), nil
	case contracts.PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("usage: unknown period %q", p)
	}
}

// WindowEnd returns the exclusive end of the window starting at start.
func WindowEnd(p contracts.Period, start time.Time) time.Time {
	switch p {
	case contracts.PeriodMinute:
		return start.Add(time.Minute)
	case contracts.PeriodHour:
		return start.Add(time.Hour)
	case contracts.PeriodDay:
		return start.AddDate(0, 0, 1)
	case contracts.PeriodWeek:
		return start.AddDate(0, 0, 7)
	default:
		return start.AddDate(0, 1, 0)
	}
}

func key(prefix, principalID, action string, p contracts.Period, start time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s:%d", prefix, principalID, action, p, start.Unix())
}
