package upstream

import (
	"encoding/json"
	"strings"
)

// CriticalFields is the declared set compared for conflict detection (§4.5).
var CriticalFields = []string{"state", "priority", "short_description", "assignment_group"}

// FieldString normalises a single field to a trimmed string, unwrapping a
// ServiceNow reference container of the form {"value": ..., "display_value":
// ...}. A bare scalar is coerced to its string form. Absent or null fields
// return ok=false.
func FieldString(r Record, field string) (string, bool) {
	raw, present := r[field]
	if !present || raw == nil {
		return "", false
	}

	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), true
	case map[string]interface{}:
		if dv, ok := v["display_value"]; ok {
			if s, ok := dv.(string); ok && s != "" {
				return strings.TrimSpace(s), true
			}
		}
		if val, ok := v["value"]; ok {
			return strings.TrimSpace(scalarToString(val)), true
		}
		return "", false
	default:
		return strings.TrimSpace(scalarToString(raw)), true
	}
}

func scalarToString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}

// Normalize flattens every {value, display_value} container in a record
// into its display_value (falling back to value), producing the flat typed
// view the store and conflict resolver operate on. The raw upstream view
// is left untouched by the caller if it needs to retain the container form.
func Normalize(r Record) Record {
	out := make(Record, len(r))
	for k := range r {
		if s, ok := FieldString(r, k); ok {
			out[k] = s
		}
	}
	return out
}

// DivergentFields returns the subset of CriticalFields whose normalised
// values differ between stored and upstream.
func DivergentFields(stored, upstream Record) []string {
	var diverged []string
	for _, f := range CriticalFields {
		sv, _ := FieldString(stored, f)
		uv, _ := FieldString(upstream, f)
		if sv != uv {
			diverged = append(diverged, f)
		}
	}
	return diverged
}
