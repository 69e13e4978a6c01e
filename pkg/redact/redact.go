// Package redact applies field permissions to a response payload.
//
// Redaction is default-deny: a field survives only when it, or its nearest
// listed ancestor, is allowed. Masked fields keep their key and type but lose
// their value. Field names are compared in Unicode NFC.
package redact

import (
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// Placeholder replaces masked string values.
const Placeholder = "[REDACTED]"

type rule int

const (
	ruleNone rule = iota
	ruleAllow
	ruleMask
	ruleDeny
)

// Result is a redacted payload with a report of what changed.
type Result struct {
	Payload map[string]any
	Removed []string
	Masked  []string
	Unknown []string
}

// Report converts r into the decision's redaction report.
func (r Result) Report() *contracts.RedactionReport {
	return &contracts.RedactionReport{Removed: r.Removed, Masked: r.Masked, Unknown: r.Unknown}
}

// Redactor is stateless apart from its logger.
type Redactor struct {
	logger *slog.Logger
}

// New creates a Redactor. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Redactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redactor{logger: logger.With("component", "redactor")}
}

// Redact returns a copy of payload filtered by fp for a principal holding
// level. Unlisted fields are dropped; when any were found the result is
// still returned together with a RedactionSchemaMismatch error.
func (r *Redactor) Redact(payload map[string]any, fp contracts.FieldPermissions, level contracts.AccessLevel) (Result, error) {
	rules := compileRules(fp, level)
	w := &walker{rules: rules}
	out := w.object(payload, "", ruleNone)

	res := Result{Payload: out, Removed: sorted(w.removed), Masked: sorted(w.masked), Unknown: sorted(w.unknown)}
	if len(res.Unknown) > 0 {
		r.logger.Warn("payload fields not covered by field permissions", "fields", res.Unknown)
		return res, contracts.Errorf(contracts.KindRedactionSchemaMismatch, "redact.Redact",
			"unlisted fields dropped: %s", strings.Join(res.Unknown, ", "))
	}
	return res, nil
}

// Decide returns how a single dotted field path would be treated. The
// decision engine uses it for requests that target one field.
func Decide(path string, fp contracts.FieldPermissions, level contracts.AccessLevel) (allowed, masked bool) {
	rules := compileRules(fp, level)
	switch rules.lookup(normalize(path)) {
	case ruleAllow:
		return true, false
	case ruleMask:
		return false, true
	default:
		return false, false
	}
}

type ruleSet map[string]rule

func compileRules(fp contracts.FieldPermissions, level contracts.AccessLevel) ruleSet {
	rules := ruleSet{}
	for _, f := range fp.Allowed {
		rules[normalize(f)] = ruleAllow
	}
	for _, f := range fp.Masked {
		rules[normalize(f)] = ruleMask
	}
	for lvl, fields := range fp.Unlocks {
		if !level.Covers(lvl) {
			continue
		}
		for _, f := range fields {
			rules[normalize(f)] = ruleAllow
		}
	}
	// Denied is applied last so nothing overrides it.
	for _, f := range fp.Denied {
		rules[normalize(f)] = ruleDeny
	}
	return rules
}

// lookup resolves path by its own rule or its nearest listed ancestor.
func (rs ruleSet) lookup(path string) rule {
	for p := path; p != ""; {
		if r, ok := rs[p]; ok {
			return r
		}
		i := strings.LastIndexByte(p, '.')
		if i < 0 {
			break
		}
		p = p[:i]
	}
	return ruleNone
}

// hasDescendant reports whether any rule is listed below path.
func (rs ruleSet) hasDescendant(path string) bool {
	prefix := path + "."
	for p := range rs {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

type walker struct {
	rules                    ruleSet
	removed, masked, unknown []string
}

func (w *walker) object(in map[string]any, prefix string, inherited rule) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		path := normalize(k)
		if prefix != "" {
			path = prefix + "." + path
		}
		r, listed := w.rules[path]
		if !listed {
			r = inherited
		}
		switch r {
		case ruleDeny:
			w.removed = append(w.removed, path)
		case ruleMask:
			out[k] = maskValue(v)
			w.masked = append(w.masked, path)
		case ruleAllow:
			if !w.rules.hasDescendant(path) {
				out[k] = v
				continue
			}
			if kept, ok := w.nested(v, path, ruleAllow); ok {
				out[k] = kept
			}
		default:
			if !w.rules.hasDescendant(path) {
				w.unknown = append(w.unknown, path)
				continue
			}
			if kept, ok := w.nested(v, path, ruleNone); ok {
				out[k] = kept
			}
		}
	}
	return out
}

// nested filters a value that has rules listed below path. List elements
// share the path of their list. Scalars take the inherited rule.
func (w *walker) nested(v any, path string, inherited rule) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		kept := w.object(t, path, inherited)
		return kept, inherited == ruleAllow || len(kept) > 0
	case []any:
		kept := make([]any, 0, len(t))
		for _, e := range t {
			if ev, ok := w.nested(e, path, inherited); ok {
				kept = append(kept, ev)
			}
		}
		return kept, inherited == ruleAllow || len(kept) > 0
	default:
		if inherited == ruleAllow {
			return v, true
		}
		w.unknown = append(w.unknown, path)
		return nil, false
	}
}

// maskValue returns a placeholder of the same type as v.
func maskValue(v any) any {
	switch v.(type) {
	case nil:
		return nil
	case string:
		return Placeholder
	case bool:
		return false
	case map[string]any:
		return map[string]any{}
	case []any:
		return []any{}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return reflect.ValueOf(Placeholder).Convert(rv.Type()).Interface()
	case reflect.Slice:
		return reflect.MakeSlice(rv.Type(), 0, 0).Interface()
	case reflect.Map:
		return reflect.MakeMap(rv.Type()).Interface()
	default:
		return reflect.Zero(rv.Type()).Interface()
	}
}

func normalize(s string) string { return norm.NFC.String(s) }

// sorted sorts s and drops duplicates, which list elements produce.
func sorted(s []string) []string {
	sort.Strings(s)
	return slices.Compact(s)
}
