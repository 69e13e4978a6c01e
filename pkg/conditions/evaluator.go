// Package conditions evaluates time-window, location, device, and action
// restrictions against a request context.
//
// Evaluation performs no I/O. Everything it needs, including the trusted
// device set and the principal's recent countries, is resolved by the
// caller and passed in through Inputs. An input that is absent makes the
// condition that needs it violated.
package conditions

import (
	"slices"
	"strings"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// Inputs are the pre-resolved data a Set is evaluated against.
type Inputs struct {
	// TrustedDevices is the principal's trusted fingerprint set. Nil means
	// the set could not be resolved.
	TrustedDevices map[string]bool
	// RecentCountries is the principal's country history, most recent
	// first. Empty disables the geo anomaly check.
	RecentCountries []string
}

// GeoAnomalyRef is the ref of the baseline-derived geo anomaly condition.
const GeoAnomalyRef = "baseline"

// Evaluate checks every rule in s against req. Conditions are reported in
// rule order: time windows, locations, geo anomaly, devices, actions.
func Evaluate(req contracts.AccessRequest, s Set, in Inputs) contracts.ConditionResult {
	var out contracts.ConditionResult
	ctx := req.Context

	record := func(c contracts.Condition, ok bool, detail string) {
		if ok {
			out.Satisfied = append(out.Satisfied, c)
			return
		}
		c.Detail = detail
		out.Violated = append(out.Violated, c)
		if strings.HasPrefix(detail, "missing") || strings.HasSuffix(detail, "unresolved") {
			out.Signals.MissingInputs++
		}
	}

	for _, w := range s.Windows {
		c := contracts.Condition{Kind: contracts.ConditionTimeWindow, Ref: w.Ref, Hard: w.Hard}
		switch {
		case ctx.Timestamp.IsZero():
			record(c, false, "missing timestamp")
		case w.Contains(ctx.Timestamp):
			record(c, true, "")
		default:
			out.Signals.OutsideWindow = true
			record(c, false, "outside time window")
		}
	}

	anomalyHard := false
	for _, l := range s.Locations {
		c := contracts.Condition{Kind: contracts.ConditionLocation, Ref: l.Ref, Hard: l.Hard}
		ok, detail := l.evaluate(ctx.SourceIP, ctx.Geo)
		record(c, ok, detail)
		anomalyHard = anomalyHard || l.AnomalyHard
	}

	if len(in.RecentCountries) > 0 {
		c := contracts.Condition{Kind: contracts.ConditionGeoAnomaly, Ref: GeoAnomalyRef, Hard: anomalyHard}
		country := strings.ToUpper(ctx.Geo.Country)
		switch {
		case country == "":
			record(c, false, "missing country")
		case slices.ContainsFunc(in.RecentCountries, func(h string) bool { return strings.EqualFold(h, country) }):
			record(c, true, "")
		default:
			out.Signals.GeoAnomaly = true
			out.Signals.PreviousCountry = in.RecentCountries[0]
			record(c, false, "country "+country+" not in recent history")
		}
	}

	for _, d := range s.Devices {
		c := contracts.Condition{Kind: contracts.ConditionDevice, Ref: d.Ref, Hard: d.Hard}
		ok, detail := d.evaluate(ctx.Device, in.TrustedDevices)
		if !ok {
			out.Signals.UntrustedDevice = true
		}
		record(c, ok, detail)
	}
	if len(in.TrustedDevices) > 0 && !in.TrustedDevices[ctx.Device.Fingerprint] {
		out.Signals.UntrustedDevice = true
	}

	for _, a := range s.Actions {
		if a.applies(req.Action.Name) {
			a.evaluate(req, &out)
		}
	}
	return out
}
