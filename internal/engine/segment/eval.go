package segment

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/atlascdp/identity-backend/internal/types"
)

// Evaluate walks the rule tree against one profile. AND over an empty
// child list is vacuously true, OR vacuously false. Evaluation never
// errors: a condition referencing an absent field resolves to the
// operator's failure case, except is_null which is specifically true for
// absence. Bad trees are rejected at write time, never here.
func Evaluate(node *Node, profile *types.Profile) bool {
	if node == nil || profile == nil {
		return false
	}
	return evalNode(node, newProfileView(profile))
}

func evalNode(node *Node, view *profileView) bool {
	if node.IsGroup() {
		switch node.Logic {
		case LogicAnd:
			for _, child := range node.Children {
				if !evalNode(child, view) {
					return false
				}
			}
			return true
		case LogicOr:
			for _, child := range node.Children {
				if evalNode(child, view) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return evalCondition(node, view)
}

// profileView resolves dotted field paths against one profile, decoding
// the JSONB maps once per evaluation pass.
type profileView struct {
	profile *types.Profile
	data    map[string]interface{}
	traits  map[string]interface{}
}

func newProfileView(p *types.Profile) *profileView {
	view := &profileView{profile: p}
	if len(p.ProfileData) > 0 {
		_ = json.Unmarshal(p.ProfileData, &view.data)
	}
	if len(p.ComputedTraits) > 0 {
		_ = json.Unmarshal(p.ComputedTraits, &view.traits)
	}
	return view
}

// resolve returns (value, present). A nil value with present=true means
// the field exists but is explicitly null, which is_null also matches.
func (v *profileView) resolve(field string) (interface{}, bool) {
	switch field {
	case "lifecycle_stage":
		return v.profile.LifecycleStage, true
	case "total_events":
		return float64(v.profile.TotalEvents), true
	case "total_sessions":
		return float64(v.profile.TotalSessions), true
	case "total_purchases":
		return float64(v.profile.TotalPurchases), true
	case "total_revenue":
		return v.profile.TotalRevenue, true
	case "first_seen_at":
		return v.profile.FirstSeenAt, true
	case "last_seen_at":
		return v.profile.LastSeenAt, true
	case "last_purchase_at":
		if v.profile.LastPurchaseAt == nil {
			return nil, false
		}
		return *v.profile.LastPurchaseAt, true
	}

	if rest, ok := strings.CutPrefix(field, "profile_data."); ok {
		return lookupPath(v.data, rest)
	}
	if rest, ok := strings.CutPrefix(field, "computed_traits."); ok {
		return lookupPath(v.traits, rest)
	}
	return nil, false
}

func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current interface{} = m
	for _, part := range parts {
		asMap, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

func evalCondition(node *Node, view *profileView) bool {
	value, present := view.resolve(node.Field)

	switch node.Operator {
	case "is_null":
		return !present || value == nil
	case "is_not_null":
		return present && value != nil
	}
	if !present || value == nil {
		return false
	}

	switch node.Operator {
	case "equals":
		if b, ok := value.(bool); ok {
			want, ok := node.Value.(bool)
			return ok && b == want
		}
		if t, ok := asTime(value); ok {
			if want, ok2 := asTime(node.Value); ok2 {
				return sameDay(t, want)
			}
			return false
		}
		if f, ok := asNumber(value); ok {
			if want, ok2 := asNumber(node.Value); ok2 {
				return f == want
			}
		}
		return asString(value) == asString(node.Value)
	case "not_equals":
		if f, ok := asNumber(value); ok {
			if want, ok2 := asNumber(node.Value); ok2 {
				return f != want
			}
		}
		return asString(value) != asString(node.Value)
	case "contains":
		return strings.Contains(asString(value), asString(node.Value))
	case "not_contains":
		return !strings.Contains(asString(value), asString(node.Value))
	case "starts_with":
		return strings.HasPrefix(asString(value), asString(node.Value))
	case "ends_with":
		return strings.HasSuffix(asString(value), asString(node.Value))
	case "greater_than":
		return compareNumbers(value, node.Value, func(a, b float64) bool { return a > b })
	case "less_than":
		return compareNumbers(value, node.Value, func(a, b float64) bool { return a < b })
	case "gte":
		return compareNumbers(value, node.Value, func(a, b float64) bool { return a >= b })
	case "lte":
		return compareNumbers(value, node.Value, func(a, b float64) bool { return a <= b })
	case "between":
		f, ok := asNumber(value)
		if !ok {
			return false
		}
		lo, okLo := asNumber(node.Value)
		hi, okHi := asNumber(node.Value2)
		return okLo && okHi && f >= lo && f <= hi
	case "within_last":
		return withinLast(value, node.Value, true)
	case "not_within_last":
		return withinLast(value, node.Value, false)
	case "after":
		t, ok := asTime(value)
		want, ok2 := asTime(node.Value)
		return ok && ok2 && t.After(want)
	case "before":
		t, ok := asTime(value)
		want, ok2 := asTime(node.Value)
		return ok && ok2 && t.Before(want)
	case "in":
		return inList(value, node.Value)
	case "not_in":
		list, ok := node.Value.([]interface{})
		if !ok {
			return false
		}
		return !inList(value, list)
	}
	return false
}

func compareNumbers(value, operand interface{}, cmp func(a, b float64) bool) bool {
	a, okA := asNumber(value)
	b, okB := asNumber(operand)
	return okA && okB && cmp(a, b)
}

func withinLast(value, operand interface{}, want bool) bool {
	t, ok := asTime(value)
	if !ok {
		return false
	}
	days, ok := asNumber(operand)
	if !ok {
		return false
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -int(days))
	return t.After(cutoff) == want
}

func inList(value interface{}, operand interface{}) bool {
	list, ok := operand.([]interface{})
	if !ok {
		return false
	}
	// A list-typed profile value matches when any element is in the
	// operand list.
	if values, ok := value.([]interface{}); ok {
		for _, v := range values {
			for _, item := range list {
				if asString(v) == asString(item) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range list {
		if asString(value) == asString(item) {
			return true
		}
	}
	return false
}

func asNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return ""
	}
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
