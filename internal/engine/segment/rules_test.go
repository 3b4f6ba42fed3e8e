package segment

import (
	"testing"

	"github.com/atlascdp/identity-backend/internal/apierr"
)

func cond(field, operator string, value interface{}) *Node {
	return &Node{Field: field, Operator: operator, Value: value}
}

func group(logic string, children ...*Node) *Node {
	return &Node{Logic: logic, Children: children}
}

func TestParse(t *testing.T) {
	raw := []byte(`{
		"logic": "AND",
		"children": [
			{"field": "total_events", "operator": "greater_than", "value": 100},
			{"logic": "OR", "children": [
				{"field": "lifecycle_stage", "operator": "equals", "value": "customer"},
				{"field": "lifecycle_stage", "operator": "equals", "value": "known"}
			]}
		]
	}`)
	node, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if node.Logic != LogicAnd || len(node.Children) != 2 {
		t.Fatalf("Parse() root = %+v, want AND group with 2 children", node)
	}
	inner := node.Children[1]
	if inner.Logic != LogicOr || len(inner.Children) != 2 {
		t.Fatalf("Parse() nested group = %+v, want OR group with 2 children", inner)
	}
	if err := Validate(node, DefaultSchema()); err != nil {
		t.Fatalf("Validate() of parsed tree error: %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, []byte(`{`), []byte(`"and"`)} {
		if _, err := Parse(raw); !apierr.IsInvalidRule(err) {
			t.Fatalf("Parse(%q) kind = %v, want invalid_rule", raw, apierr.KindOf(err))
		}
	}
}

func TestValidate(t *testing.T) {
	schema := DefaultSchema()

	cases := []struct {
		name    string
		node    *Node
		wantErr bool
	}{
		{
			name: "simple numeric condition",
			node: group(LogicAnd, cond("total_events", "greater_than", float64(10))),
		},
		{
			name: "three levels of nesting",
			node: group(LogicAnd,
				group(LogicOr,
					group(LogicAnd, cond("total_revenue", "gte", float64(100))),
				),
			),
		},
		{
			name:    "nil tree",
			node:    nil,
			wantErr: true,
		},
		{
			name:    "bare condition root",
			node:    cond("total_events", "gte", float64(1)),
			wantErr: true,
		},
		{
			name:    "unknown logic",
			node:    &Node{Logic: "XOR", Children: []*Node{cond("total_events", "gte", float64(1))}},
			wantErr: true,
		},
		{
			name: "four levels of nesting",
			node: group(LogicAnd,
				group(LogicOr,
					group(LogicAnd,
						group(LogicOr, cond("total_events", "gte", float64(1))),
					),
				),
			),
			wantErr: true,
		},
		{
			name:    "unknown field",
			node:    group(LogicAnd, cond("loyalty_tier", "equals", "gold")),
			wantErr: true,
		},
		{
			name:    "operator not valid for type",
			node:    group(LogicAnd, cond("total_events", "contains", "1")),
			wantErr: true,
		},
		{
			name:    "numeric operator with string operand",
			node:    group(LogicAnd, cond("total_events", "greater_than", "lots")),
			wantErr: true,
		},
		{
			name:    "boolean operator with string operand",
			node:    group(LogicAnd, cond("profile_data.opted_in", "equals", "yes")),
			wantErr: true,
		},
		{
			name:    "missing operand",
			node:    group(LogicAnd, cond("lifecycle_stage", "equals", nil)),
			wantErr: true,
		},
		{
			name: "is_null needs no operand",
			node: group(LogicAnd, cond("last_purchase_at", "is_null", nil)),
		},
		{
			name:    "between with one bound",
			node:    group(LogicAnd, &Node{Field: "total_revenue", Operator: "between", Value: float64(10)}),
			wantErr: true,
		},
		{
			name: "between with both bounds",
			node: group(LogicAnd, &Node{Field: "total_revenue", Operator: "between", Value: float64(10), Value2: float64(20)}),
		},
		{
			name:    "within_last without day count",
			node:    group(LogicAnd, cond("last_seen_at", "within_last", "recently")),
			wantErr: true,
		},
		{
			name: "within_last with day count",
			node: group(LogicAnd, cond("last_seen_at", "within_last", float64(30))),
		},
		{
			name:    "in with scalar operand",
			node:    group(LogicAnd, cond("lifecycle_stage", "in", "customer")),
			wantErr: true,
		},
		{
			name: "in with list operand",
			node: group(LogicAnd, cond("lifecycle_stage", "in", []interface{}{"customer", "known"})),
		},
		{
			name: "group carrying a condition",
			node: &Node{Logic: LogicAnd, Field: "total_events", Children: []*Node{
				cond("total_events", "gte", float64(1)),
			}},
			wantErr: true,
		},
		{
			name:    "null child",
			node:    &Node{Logic: LogicAnd, Children: []*Node{nil}},
			wantErr: true,
		},
		{
			name:    "condition missing field",
			node:    group(LogicAnd, cond("", "equals", "x")),
			wantErr: true,
		},
		{
			name: "empty group is valid",
			node: group(LogicAnd),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.node, schema)
			if tc.wantErr {
				if !apierr.IsInvalidRule(err) {
					t.Fatalf("Validate() kind = %v, want invalid_rule", apierr.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
		})
	}
}
