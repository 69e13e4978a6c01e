package conditions

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// DeviceRule is a compiled DeviceRestriction.
type DeviceRule struct {
	Ref            string
	Hard           bool
	Deny           bool
	Types          map[string]bool
	OS             map[string]bool
	Browsers       map[string]bool
	RequireTrusted bool
	MinTier        contracts.DeviceTier
}

// CompileDevice validates and compiles a DeviceRestriction.
func CompileDevice(ref string, dr contracts.DeviceRestriction) (DeviceRule, error) {
	r := DeviceRule{
		Ref:            ref,
		Hard:           dr.Enforcement.IsHard(),
		Deny:           dr.Type == contracts.ListDeny,
		Types:          upperSet(dr.DeviceTypes),
		OS:             upperSet(dr.OS),
		Browsers:       upperSet(dr.Browsers),
		RequireTrusted: dr.RequireTrusted,
		MinTier:        dr.MinTier,
	}
	if dr.ID != "" {
		r.Ref = dr.ID
	}
	if dr.MinTier != "" && dr.MinTier.Rank() < 0 {
		return DeviceRule{}, fmt.Errorf("device %s: unknown tier %q", r.Ref, dr.MinTier)
	}
	if r.Deny && (r.RequireTrusted || r.MinTier != "") {
		return DeviceRule{}, fmt.Errorf("device %s: deny rules match on type, os, or browser only", r.Ref)
	}
	if len(r.Types)+len(r.OS)+len(r.Browsers) == 0 && !r.RequireTrusted && r.MinTier == "" {
		return DeviceRule{}, fmt.Errorf("device %s: no criteria", r.Ref)
	}
	return r, nil
}

// evaluate checks the device against the rule. trusted is nil when the
// trusted-device set could not be resolved for the principal.
func (r DeviceRule) evaluate(dev contracts.DeviceInfo, trusted map[string]bool) (ok bool, detail string) {
	attrs := []struct {
		set   map[string]bool
		value string
		name  string
	}{
		{r.Types, dev.Type, "type"},
		{r.OS, dev.OS, "os"},
		{r.Browsers, dev.Browser, "browser"},
	}

	if r.Deny {
		for _, a := range attrs {
			if len(a.set) == 0 {
				continue
			}
			if a.value == "" {
				return false, "missing device " + a.name
			}
			if a.set[strings.ToUpper(a.value)] {
				return false, "device " + a.name + " is denied"
			}
		}
		return true, ""
	}

	for _, a := range attrs {
		if len(a.set) == 0 {
			continue
		}
		if a.value == "" {
			return false, "missing device " + a.name
		}
		if !a.set[strings.ToUpper(a.value)] {
			return false, "device " + a.name + " not allowed"
		}
	}

	if !r.RequireTrusted && r.MinTier == "" {
		return true, ""
	}
	// Trusted fingerprint or a sufficient tier, whichever is configured.
	if r.RequireTrusted && dev.Fingerprint != "" && trusted[dev.Fingerprint] {
		return true, ""
	}
	if r.MinTier != "" && dev.Tier != "" && dev.Tier.Rank() >= r.MinTier.Rank() {
		return true, ""
	}
	switch {
	case r.RequireTrusted && trusted == nil:
		return false, "trusted device set unresolved"
	case r.RequireTrusted && dev.Fingerprint == "":
		return false, "missing device fingerprint"
	case r.MinTier != "" && dev.Tier == "":
		return false, "missing device tier"
	default:
		return false, "device not trusted"
	}
}
