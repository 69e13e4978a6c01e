package policystore

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// SupportedSchema is the bundle schema_version range this build understands.
const SupportedSchema = "^1.0.0"

const schemaURL = "https://permengine.dev/schemas/bundle.schema.json"

//go:embed bundle.schema.json
var bundleSchema string

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(bundleSchema)); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
})

// Bundle is the authored policy document: the panel catalogue, restriction
// sets per role, and per-user panel access.
type Bundle struct {
	SchemaVersion    string                                    `json:"schema_version" yaml:"schema_version"`
	Version          string                                    `json:"version" yaml:"version"`
	DefaultThreshold *float64                                  `json:"default_risk_threshold,omitempty" yaml:"default_risk_threshold,omitempty"`
	RoleHierarchy    map[contracts.Role][]contracts.Role       `json:"role_hierarchy,omitempty" yaml:"role_hierarchy,omitempty"`
	RoleRestrictions map[contracts.Role]contracts.Restrictions `json:"role_restrictions,omitempty" yaml:"role_restrictions,omitempty"`
	Panels           []contracts.Panel                         `json:"panels" yaml:"panels"`
	Users            []contracts.UserPolicy                    `json:"users,omitempty" yaml:"users,omitempty"`
}

// DefaultRoleHierarchy is used when a bundle names no hierarchy. Each role
// inherits the panel permissions of the roles it supervises.
func DefaultRoleHierarchy() map[contracts.Role][]contracts.Role {
	return map[contracts.Role][]contracts.Role{
		contracts.RoleAdmin:             {contracts.RoleCEO, contracts.RoleCFO, contracts.RoleSecurityMonitor, contracts.RoleUserAdmin},
		contracts.RoleCEO:               {contracts.RoleCFO, contracts.RoleFinancialDirector},
		contracts.RoleCFO:               {contracts.RoleFinancialManager, contracts.RoleAccountant},
		contracts.RoleFinancialDirector: {contracts.RoleFinancialManager},
		contracts.RoleFinancialManager:  {contracts.RoleAccountant, contracts.RoleBankProfitManager},
		contracts.RoleUserAdmin:         {contracts.RoleHRManager},
		contracts.RoleSecurityMonitor:   {contracts.RoleAnalyst},
	}
}

// ParseBundle decodes a YAML (or JSON) bundle, validates it against the
// embedded schema, and checks the schema version.
func ParseBundle(data []byte) (*Bundle, error) {
	const op = "policystore.ParseBundle"

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, contracts.NewError(contracts.KindConfiguration, op, err)
	}
	// The validator expects JSON-shaped values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, contracts.NewError(contracts.KindConfiguration, op, err)
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, contracts.NewError(contracts.KindConfiguration, op, err)
	}
	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("policystore: compile bundle schema: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, contracts.NewError(contracts.KindConfiguration, op, err)
	}

	var b Bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return nil, contracts.NewError(contracts.KindConfiguration, op, err)
	}
	if err := checkSchemaVersion(b.SchemaVersion); err != nil {
		return nil, contracts.NewError(contracts.KindConfiguration, op, err)
	}
	return &b, nil
}

// LoadBundleFile reads and parses a bundle from disk.
func LoadBundleFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policystore: read bundle %s: %w", path, err)
	}
	return ParseBundle(data)
}

func checkSchemaVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("schema_version %q: %w", v, err)
	}
	c, err := semver.NewConstraint(SupportedSchema)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("schema_version %s not supported (want %s)", v, SupportedSchema)
	}
	return nil
}

// Clone returns a deep copy through the JSON encoding.
func (b *Bundle) Clone() (*Bundle, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var out Bundle
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks the cross-references a schema cannot express. All problems
// are reported together.
func (b *Bundle) Validate() error {
	var errs []error
	panels := make(map[string]bool, len(b.Panels))
	for i, p := range b.Panels {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("panels[%d]: missing id", i))
			continue
		}
		if panels[p.ID] {
			errs = append(errs, fmt.Errorf("panels[%d]: duplicate id %q", i, p.ID))
		}
		panels[p.ID] = true
		for lvl, rule := range p.Roles {
			if lvl.Rank() < 0 {
				errs = append(errs, fmt.Errorf("panel %s: unknown access level %q", p.ID, lvl))
			}
			for _, d := range rule.Denied {
				if d == "*" {
					continue
				}
				if _, err := contracts.ParseRole(d); err != nil {
					errs = append(errs, fmt.Errorf("panel %s/%s denied: %w", p.ID, lvl, err))
				}
			}
		}
	}

	users := make(map[string]bool, len(b.Users))
	for i, u := range b.Users {
		if u.UserID == "" {
			errs = append(errs, fmt.Errorf("users[%d]: missing user_id", i))
			continue
		}
		if users[u.UserID] {
			errs = append(errs, fmt.Errorf("users[%d]: duplicate user_id %q", i, u.UserID))
		}
		users[u.UserID] = true
		if err := checkUnit(u.RiskThreshold); err != nil {
			errs = append(errs, fmt.Errorf("user %s risk_threshold: %w", u.UserID, err))
		}
		for panelID, cfg := range u.Panels {
			if !panels[panelID] {
				errs = append(errs, fmt.Errorf("user %s: unknown panel %q", u.UserID, panelID))
			}
			if err := checkPanelAccess(cfg); err != nil {
				errs = append(errs, fmt.Errorf("user %s panel %s: %w", u.UserID, panelID, err))
			}
		}
	}
	if err := checkUnit(b.DefaultThreshold); err != nil {
		errs = append(errs, fmt.Errorf("default_risk_threshold: %w", err))
	}
	return errors.Join(errs...)
}

func checkPanelAccess(cfg contracts.PanelAccessConfig) error {
	if cfg.AccessLevel.Rank() < 0 {
		return fmt.Errorf("unknown access level %q", cfg.AccessLevel)
	}
	if err := checkUnit(cfg.RiskOverride); err != nil {
		return fmt.Errorf("risk_override: %w", err)
	}
	return checkDisjoint(cfg.FieldPermissions)
}

// checkDisjoint enforces that no field is listed in two of allowed, denied
// and masked. Names are compared in NFC, as the redactor matches them.
func checkDisjoint(fp contracts.FieldPermissions) error {
	seen := map[string]string{}
	lists := []struct {
		name   string
		fields []string
	}{{"allowed", fp.Allowed}, {"denied", fp.Denied}, {"masked", fp.Masked}}
	for _, l := range lists {
		for _, f := range l.fields {
			key := norm.NFC.String(f)
			if prev, ok := seen[key]; ok && prev != l.name {
				return fmt.Errorf("field %q is both %s and %s", f, prev, l.name)
			}
			seen[key] = l.name
		}
	}
	return nil
}

func checkUnit(v *float64) error {
	if v == nil {
		return nil
	}
	if *v < 0 || *v > 1 || *v != *v {
		return fmt.Errorf("%v out of range [0,1]", *v)
	}
	return nil
}
