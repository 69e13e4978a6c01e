// Package baseline maintains per-principal behavioral baselines: when a
// principal usually works, which actions they perform, and where from.
//
// Baselines are the only per-principal mutable state of the engine. They are
// read before evaluation and updated asynchronously afterwards by an Updater,
// which routes every principal to a single worker so updates stay ordered.
package baseline

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when no baseline exists for a principal.
var ErrNotFound = errors.New("baseline: not found")

const (
	// DefaultDecay is applied to every histogram bucket before a new
	// observation is added, so old behavior fades.
	DefaultDecay = 0.98
	// MaxCountries bounds the recent-country history.
	MaxCountries = 5
)

// Baseline is the rolling behavioral profile of one principal.
type Baseline struct {
	PrincipalID string             `json:"principal_id"`
	Hours       [24]float64        `json:"hours"`
	Actions     map[string]float64 `json:"actions"`
	Countries   []string           `json:"countries"`
	Samples     int                `json:"samples"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Observation is one finalized request folded into a baseline.
type Observation struct {
	PrincipalID string
	At          time.Time
	Action      string
	Country     string
}

// New returns an empty baseline for principalID.
func New(principalID string) *Baseline {
	return &Baseline{PrincipalID: principalID, Actions: map[string]float64{}}
}

// Apply folds obs into b using decay in (0,1]. A decay outside that range
// falls back to DefaultDecay.
func (b *Baseline) Apply(obs Observation, decay float64) {
	if decay <= 0 || decay > 1 {
		decay = DefaultDecay
	}
	for h := range b.Hours {
		b.Hours[h] *= decay
	}
	if b.Actions == nil {
		b.Actions = map[string]float64{}
	}
	for a := range b.Actions {
		b.Actions[a] *= decay
	}

	if !obs.At.IsZero() {
		b.Hours[obs.At.UTC().Hour()]++
	}
	if obs.Action != "" {
		b.Actions[obs.Action]++
	}
	if c := strings.ToUpper(obs.Country); c != "" {
		b.Countries = slices.DeleteFunc(b.Countries, func(x string) bool { return x == c })
		b.Countries = slices.Insert(b.Countries, 0, c)
		if len(b.Countries) > MaxCountries {
			b.Countries = b.Countries[:MaxCountries]
		}
	}
	b.Samples++
	if obs.At.After(b.UpdatedAt) {
		b.UpdatedAt = obs.At
	}
}

// Clone returns a deep copy.
func (b *Baseline) Clone() *Baseline {
	if b == nil {
		return nil
	}
	out := *b
	out.Actions = make(map[string]float64, len(b.Actions))
	for k, v := range b.Actions {
		out.Actions[k] = v
	}
	out.Countries = append([]string(nil), b.Countries...)
	return &out
}

// Store persists baselines.
type Store interface {
	// Get returns ErrNotFound when the principal has no baseline.
	Get(ctx context.Context, principalID string) (*Baseline, error)
	Put(ctx context.Context, b *Baseline) error
}
