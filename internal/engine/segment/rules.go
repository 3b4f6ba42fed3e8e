package segment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atlascdp/identity-backend/internal/apierr"
)

const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// MaxDepth bounds group nesting. Three levels keeps both evaluation and
// the rule-builder UI tractable.
const MaxDepth = 3

// Node is the tagged variant of a rule tree: a group node carries Logic
// and Children, a condition node carries Field/Operator/Value. A tree by
// construction, so evaluation is a single recursive walk.
type Node struct {
	Logic    string  `json:"logic,omitempty"`
	Children []*Node `json:"children,omitempty"`

	Field    string      `json:"field,omitempty"`
	Operator string      `json:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	// Value2 is the upper bound for range operators (between).
	Value2 interface{} `json:"value2,omitempty"`
}

func (n *Node) IsGroup() bool { return n != nil && n.Logic != "" }

// Parse decodes a rule tree from its stored JSON form.
func Parse(raw []byte) (*Node, error) {
	if len(raw) == 0 {
		return nil, apierr.New(apierr.KindInvalidRule, "empty rule tree")
	}
	var node Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRule, "malformed rule tree", err)
	}
	return &node, nil
}

// FieldType declares how a field's operands are typed.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldDate    FieldType = "date"
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
)

// Schema maps addressable field paths to their declared types. Dotted
// paths reach into profile_data.* and computed_traits.*. The schema is
// passed in explicitly so deployments can extend the addressable surface
// without touching the evaluator.
type Schema map[string]FieldType

// DefaultSchema covers the profile columns plus the trait and attribute
// fields the dashboards expose in their rule builders.
func DefaultSchema() Schema {
	return Schema{
		"lifecycle_stage": FieldEnum,
		"total_events":    FieldNumber,
		"total_sessions":  FieldNumber,
		"total_purchases": FieldNumber,
		"total_revenue":   FieldNumber,
		"first_seen_at":   FieldDate,
		"last_seen_at":    FieldDate,
		"last_purchase_at": FieldDate,

		"profile_data.country":    FieldString,
		"profile_data.city":       FieldString,
		"profile_data.language":   FieldString,
		"profile_data.plan":       FieldEnum,
		"profile_data.opted_in":   FieldBoolean,
		"profile_data.source":     FieldString,
		"profile_data.tags":       FieldEnum,
		"profile_data.birth_year": FieldNumber,

		"computed_traits.rfm_segment":        FieldEnum,
		"computed_traits.rfm_combined_score": FieldNumber,
		"computed_traits.rfm_calculated_at":  FieldDate,
	}
}

var operatorsByType = map[FieldType]map[string]bool{
	FieldString: {
		"equals": true, "not_equals": true,
		"contains": true, "not_contains": true,
		"starts_with": true, "ends_with": true,
		"is_null": true, "is_not_null": true,
	},
	FieldNumber: {
		"equals": true, "not_equals": true,
		"greater_than": true, "less_than": true,
		"gte": true, "lte": true, "between": true,
		"is_null": true, "is_not_null": true,
	},
	FieldDate: {
		"within_last": true, "not_within_last": true,
		"equals": true, "after": true, "before": true,
		"is_null": true, "is_not_null": true,
	},
	FieldBoolean: {
		"equals": true,
		"is_null": true, "is_not_null": true,
	},
	FieldEnum: {
		"equals": true, "not_equals": true,
		"in": true, "not_in": true,
		"is_null": true, "is_not_null": true,
	},
}

// Validate rejects malformed trees at segment create/update time, so
// materialization never fails mid-run on a bad rule. Checks: group logic,
// nesting depth, field existence in the schema, operator/type agreement,
// and operand presence for the operators that need one.
func Validate(node *Node, schema Schema) error {
	if node == nil {
		return apierr.New(apierr.KindInvalidRule, "empty rule tree")
	}
	if !node.IsGroup() {
		return apierr.New(apierr.KindInvalidRule, "rule tree root must be a group")
	}
	return validateNode(node, schema, 1)
}

func validateNode(node *Node, schema Schema, depth int) error {
	if node.IsGroup() {
		if node.Logic != LogicAnd && node.Logic != LogicOr {
			return apierr.Newf(apierr.KindInvalidRule, "unknown group logic %q", node.Logic)
		}
		if depth > MaxDepth {
			return apierr.Newf(apierr.KindInvalidRule, "rule tree exceeds max nesting depth %d", MaxDepth)
		}
		if node.Field != "" || node.Operator != "" {
			return apierr.New(apierr.KindInvalidRule, "group node cannot carry a condition")
		}
		for _, child := range node.Children {
			if child == nil {
				return apierr.New(apierr.KindInvalidRule, "null child in rule tree")
			}
			if err := validateNode(child, schema, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return validateCondition(node, schema)
}

func validateCondition(node *Node, schema Schema) error {
	field := strings.TrimSpace(node.Field)
	if field == "" {
		return apierr.New(apierr.KindInvalidRule, "condition missing field")
	}
	fieldType, ok := schema[field]
	if !ok {
		return apierr.Newf(apierr.KindInvalidRule, "unknown field %q", field)
	}
	ops, ok := operatorsByType[fieldType]
	if !ok || !ops[node.Operator] {
		return apierr.Newf(apierr.KindInvalidRule, "operator %q not valid for %s field %q", node.Operator, fieldType, field)
	}

	switch node.Operator {
	case "is_null", "is_not_null":
		return nil
	case "between":
		if !isNumeric(node.Value) || !isNumeric(node.Value2) {
			return apierr.Newf(apierr.KindInvalidRule, "between on %q requires two numeric operands", field)
		}
		return nil
	case "within_last", "not_within_last":
		if !isNumeric(node.Value) {
			return apierr.Newf(apierr.KindInvalidRule, "%s on %q requires a day count operand", node.Operator, field)
		}
		return nil
	case "in", "not_in":
		if _, ok := node.Value.([]interface{}); !ok {
			return apierr.Newf(apierr.KindInvalidRule, "%s on %q requires a list operand", node.Operator, field)
		}
		return nil
	}

	if node.Value == nil {
		return apierr.Newf(apierr.KindInvalidRule, "operator %q on %q requires an operand", node.Operator, field)
	}
	if fieldType == FieldNumber && !isNumeric(node.Value) {
		return apierr.Newf(apierr.KindInvalidRule, "field %q requires a numeric operand, got %v", field, node.Value)
	}
	if fieldType == FieldBoolean {
		if _, ok := node.Value.(bool); !ok {
			return apierr.Newf(apierr.KindInvalidRule, "field %q requires a boolean operand, got %v", field, node.Value)
		}
	}
	return nil
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	case string:
		var f float64
		_, err := fmt.Sscanf(v.(string), "%f", &f)
		return err == nil
	default:
		return false
	}
}
