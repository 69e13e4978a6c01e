package conditions

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// Set is a compiled restriction set. All members form a conjunction.
type Set struct {
	Windows   []Window
	Locations []LocationRule
	Devices   []DeviceRule
	Actions   []ActionRule
}

// Compile validates and compiles restrictions. Unnamed restrictions get a
// positional ref of the form "<scope>/<family>#<index>". Every invalid
// entry is reported.
func Compile(scope string, r contracts.Restrictions) (Set, error) {
	var (
		s    Set
		errs []error
	)
	for i, tw := range r.TimeWindows {
		w, err := CompileWindow(fmt.Sprintf("%s/time#%d", scope, i), tw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.Windows = append(s.Windows, w)
	}
	for i, lr := range r.Locations {
		l, err := CompileLocation(fmt.Sprintf("%s/location#%d", scope, i), lr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.Locations = append(s.Locations, l)
	}
	for i, dr := range r.Devices {
		d, err := CompileDevice(fmt.Sprintf("%s/device#%d", scope, i), dr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.Devices = append(s.Devices, d)
	}
	for i, ar := range r.Actions {
		a, err := CompileAction(fmt.Sprintf("%s/action#%d", scope, i), ar)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.Actions = append(s.Actions, a)
	}
	if len(errs) > 0 {
		return Set{}, contracts.NewError(contracts.KindConfiguration, "conditions.Compile", errors.Join(errs...))
	}
	return s, nil
}

// Merge returns the conjunction of s and other.
func (s Set) Merge(other Set) Set {
	return Set{
		Windows:   append(append([]Window(nil), s.Windows...), other.Windows...),
		Locations: append(append([]LocationRule(nil), s.Locations...), other.Locations...),
		Devices:   append(append([]DeviceRule(nil), s.Devices...), other.Devices...),
		Actions:   append(append([]ActionRule(nil), s.Actions...), other.Actions...),
	}
}

// Empty reports whether the set has no rules.
func (s Set) Empty() bool {
	return len(s.Windows) == 0 && len(s.Locations) == 0 && len(s.Devices) == 0 && len(s.Actions) == 0
}

// UsagePeriods returns the distinct rate-limit periods that apply to action,
// in period order. Callers resolve usage counts for exactly these.
func (s Set) UsagePeriods(action string) []contracts.Period {
	need := map[contracts.Period]bool{}
	for _, a := range s.Actions {
		if a.Limit > 0 && a.applies(action) {
			need[a.Period] = true
		}
	}
	var out []contracts.Period
	for _, p := range contracts.AllPeriods {
		if need[p] {
			out = append(out, p)
		}
	}
	return out
}
