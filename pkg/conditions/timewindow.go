package conditions

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// Window is a compiled TimeWindow. Start and End are seconds after local
// midnight; both bounds are inclusive. Start > End crosses midnight.
type Window struct {
	Ref   string
	Hard  bool
	Start int
	End   int
	Days  [7]bool
	Loc   *time.Location
}

// CompileWindow validates and compiles a TimeWindow.
func CompileWindow(ref string, tw contracts.TimeWindow) (Window, error) {
	w := Window{Ref: ref, Hard: tw.Enforcement.IsHard()}
	if tw.ID != "" {
		w.Ref = tw.ID
	}

	var err error
	if w.Start, err = parseClock(tw.Start); err != nil {
		return Window{}, fmt.Errorf("time window %s: start: %w", w.Ref, err)
	}
	if w.End, err = parseClock(tw.End); err != nil {
		return Window{}, fmt.Errorf("time window %s: end: %w", w.Ref, err)
	}
	if len(tw.Days) == 0 {
		return Window{}, fmt.Errorf("time window %s: no days allowed", w.Ref)
	}
	for _, d := range tw.Days {
		if d < time.Sunday || d > time.Saturday {
			return Window{}, fmt.Errorf("time window %s: invalid weekday %d", w.Ref, d)
		}
		w.Days[d] = true
	}
	if tw.Timezone == "" {
		return Window{}, fmt.Errorf("time window %s: timezone is required", w.Ref)
	}
	if w.Loc, err = time.LoadLocation(tw.Timezone); err != nil {
		return Window{}, fmt.Errorf("time window %s: %w", w.Ref, err)
	}
	return w, nil
}

// Contains reports whether t falls inside the window, evaluated in the
// window's timezone at one-second resolution.
//
// A midnight-crossing window is the union of [Start, midnight) on an
// allowed day and [midnight, End] on the day after an allowed day.
func (w Window) Contains(t time.Time) bool {
	if w.Loc == nil || t.IsZero() {
		return false
	}
	local := t.In(w.Loc)
	sec := local.Hour()*3600 + local.Minute()*60 + local.Second()
	day := local.Weekday()

	if w.Start <= w.End {
		return w.Days[day] && sec >= w.Start && sec <= w.End
	}
	if w.Days[day] && sec >= w.Start {
		return true
	}
	prev := (day + 6) % 7
	return w.Days[prev] && sec <= w.End
}

// parseClock accepts "HH:MM" or "HH:MM:SS".
func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	limits := []int{23, 59, 59}
	mult := []int{3600, 60, 1}
	total := 0
	for i, p := range parts {
		if len(p) != 2 {
			return 0, fmt.Errorf("invalid clock %q", s)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid clock %q", s)
		}
		total += n * mult[i]
	}
	return total, nil
}
