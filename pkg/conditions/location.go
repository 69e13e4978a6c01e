package conditions

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

const earthRadiusKm = 6371.0088

// LocationRule is a compiled LocationRestriction.
type LocationRule struct {
	Ref         string
	Hard        bool
	AnomalyHard bool
	Deny        bool
	Countries   map[string]bool
	Regions     map[string]bool
	Cities      map[string]bool
	Networks    []netip.Prefix
	Center      *contracts.Coordinates
	RadiusKm    float64
}

// CompileLocation validates and compiles a LocationRestriction.
func CompileLocation(ref string, lr contracts.LocationRestriction) (LocationRule, error) {
	r := LocationRule{
		Ref:         ref,
		Hard:        lr.Enforcement.IsHard(),
		AnomalyHard: lr.AnomalyEnforcement == contracts.EnforcementHard,
		Deny:        lr.Type == contracts.ListDeny,
		Countries:   upperSet(lr.Countries),
		Regions:     upperSet(lr.Regions),
		Cities:      upperSet(lr.Cities),
		Center:      lr.Center,
		RadiusKm:    lr.RadiusKm,
	}
	if lr.ID != "" {
		r.Ref = lr.ID
	}
	if lr.Type != contracts.ListAllow && lr.Type != contracts.ListDeny {
		return LocationRule{}, fmt.Errorf("location %s: type must be allow or deny", r.Ref)
	}
	for _, n := range lr.Networks {
		p, err := parseNetwork(n)
		if err != nil {
			return LocationRule{}, fmt.Errorf("location %s: %w", r.Ref, err)
		}
		r.Networks = append(r.Networks, p)
	}
	if (lr.Center == nil) != (lr.RadiusKm <= 0) {
		return LocationRule{}, fmt.Errorf("location %s: center and a positive radius_km go together", r.Ref)
	}
	if lr.Center != nil && (math.Abs(lr.Center.Lat) > 90 || math.Abs(lr.Center.Lng) > 180) {
		return LocationRule{}, fmt.Errorf("location %s: center out of range", r.Ref)
	}
	if len(r.Countries)+len(r.Regions)+len(r.Cities)+len(r.Networks) == 0 && r.Center == nil {
		return LocationRule{}, fmt.Errorf("location %s: no criteria", r.Ref)
	}
	return r, nil
}

// match reports whether any configured criterion matches. missing is set
// when a criterion could not be checked because its input was absent.
func (r LocationRule) match(sourceIP string, geo contracts.GeoHint) (matched, missing bool) {
	check := func(set map[string]bool, v string) {
		if len(set) == 0 || matched {
			return
		}
		if v == "" {
			missing = true
			return
		}
		matched = set[strings.ToUpper(v)]
	}
	check(r.Countries, geo.Country)
	check(r.Regions, geo.Region)
	check(r.Cities, geo.City)

	if len(r.Networks) > 0 && !matched {
		addr, err := netip.ParseAddr(sourceIP)
		if err != nil {
			missing = true
		} else {
			addr = addr.Unmap()
			for _, p := range r.Networks {
				if p.Contains(addr) {
					matched = true
					break
				}
			}
		}
	}

	if r.Center != nil && !matched {
		if !geo.HasCoordinates() {
			missing = true
		} else {
			d := haversineKm(r.Center.Lat, r.Center.Lng, *geo.Latitude, *geo.Longitude)
			matched = d <= r.RadiusKm
		}
	}
	return matched, missing
}

// evaluate applies allow or deny semantics. A deny rule that cannot be
// checked is violated, since the request cannot be shown to be outside it.
func (r LocationRule) evaluate(sourceIP string, geo contracts.GeoHint) (ok bool, detail string) {
	matched, missing := r.match(sourceIP, geo)
	switch {
	case r.Deny && matched:
		return false, "source location is denied"
	case r.Deny && missing:
		return false, "missing location input"
	case r.Deny:
		return true, ""
	case matched:
		return true, ""
	case missing:
		return false, "missing location input"
	default:
		return false, "source location not allowed"
	}
}

func parseNetwork(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid network %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid network %q: %w", s, err)
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

func upperSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[strings.ToUpper(strings.TrimSpace(v))] = true
	}
	return out
}

// haversineKm is the great-circle distance between two points.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
