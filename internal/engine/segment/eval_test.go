package segment

import (
	"testing"
	"time"

	"github.com/atlascdp/identity-backend/internal/types"
)

func testProfile() *types.Profile {
	lastPurchase := time.Now().UTC().AddDate(0, 0, -10)
	return &types.Profile{
		LifecycleStage: types.LifecycleCustomer,
		FirstSeenAt:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		LastSeenAt:     time.Now().UTC().AddDate(0, 0, -2),
		TotalEvents:    150,
		TotalSessions:  12,
		TotalPurchases: 3,
		TotalRevenue:   420.50,
		LastPurchaseAt: &lastPurchase,
		ProfileData:    []byte(`{"country": "DE", "plan": "pro", "opted_in": true, "tags": ["beta", "newsletter"], "nested": {"score": 7}}`),
		ComputedTraits: []byte(`{"rfm_segment": "Champions", "rfm_combined_score": 14}`),
	}
}

func TestEvaluateConditions(t *testing.T) {
	profile := testProfile()

	cases := []struct {
		name string
		node *Node
		want bool
	}{
		{"number greater_than", cond("total_events", "greater_than", float64(100)), true},
		{"number greater_than false", cond("total_events", "greater_than", float64(200)), false},
		{"number equals", cond("total_purchases", "equals", float64(3)), true},
		{"number between", &Node{Field: "total_revenue", Operator: "between", Value: float64(400), Value2: float64(500)}, true},
		{"number between outside", &Node{Field: "total_revenue", Operator: "between", Value: float64(500), Value2: float64(600)}, false},
		{"enum equals", cond("lifecycle_stage", "equals", "customer"), true},
		{"enum not_equals", cond("lifecycle_stage", "not_equals", "known"), true},
		{"enum in", cond("lifecycle_stage", "in", []interface{}{"known", "customer"}), true},
		{"enum not_in", cond("lifecycle_stage", "not_in", []interface{}{"anonymous", "churned"}), true},
		{"string equals from json", cond("profile_data.country", "equals", "DE"), true},
		{"string contains", cond("profile_data.country", "contains", "D"), true},
		{"string starts_with miss", cond("profile_data.country", "starts_with", "F"), false},
		{"boolean equals", cond("profile_data.opted_in", "equals", true), true},
		{"boolean equals false operand", cond("profile_data.opted_in", "equals", false), false},
		{"list field in operand list", cond("profile_data.tags", "in", []interface{}{"newsletter"}), true},
		{"list field miss", cond("profile_data.tags", "in", []interface{}{"vip"}), false},
		{"nested path", cond("profile_data.nested.score", "gte", float64(5)), true},
		{"trait number", cond("computed_traits.rfm_combined_score", "gte", float64(10)), true},
		{"trait enum", cond("computed_traits.rfm_segment", "equals", "Champions"), true},
		{"date within_last", cond("last_seen_at", "within_last", float64(7)), true},
		{"date within_last miss", cond("last_purchase_at", "within_last", float64(7)), false},
		{"date not_within_last", cond("last_purchase_at", "not_within_last", float64(7)), true},
		{"date after", cond("first_seen_at", "after", "2025-01-01"), true},
		{"date before", cond("first_seen_at", "before", "2025-01-01"), false},
		{"absent field fails closed", cond("profile_data.city", "equals", "Berlin"), false},
		{"absent field is_null", cond("profile_data.city", "is_null", nil), true},
		{"present field is_not_null", cond("profile_data.country", "is_not_null", nil), true},
		{"absent field is_not_null", cond("profile_data.city", "is_not_null", nil), false},
		{"unknown field fails closed", cond("no_such_field", "equals", "x"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(group(LogicAnd, tc.node), profile)
			if got != tc.want {
				t.Fatalf("Evaluate(%s %s %v) = %v, want %v",
					tc.node.Field, tc.node.Operator, tc.node.Value, got, tc.want)
			}
		})
	}
}

func TestEvaluateGroups(t *testing.T) {
	profile := testProfile()

	matched := group(LogicAnd,
		cond("total_events", "greater_than", float64(100)),
		group(LogicOr,
			cond("lifecycle_stage", "equals", "customer"),
			cond("lifecycle_stage", "equals", "known"),
		),
	)
	if !Evaluate(matched, profile) {
		t.Fatalf("Evaluate(engaged-customer tree) = false, want true")
	}

	// One failing AND branch sinks the whole tree.
	unmatched := group(LogicAnd,
		cond("total_events", "greater_than", float64(100)),
		cond("lifecycle_stage", "equals", "churned"),
	)
	if Evaluate(unmatched, profile) {
		t.Fatalf("Evaluate(tree with failing AND branch) = true, want false")
	}

	if !Evaluate(group(LogicAnd), profile) {
		t.Fatalf("Evaluate(empty AND) = false, want vacuous true")
	}
	if Evaluate(group(LogicOr), profile) {
		t.Fatalf("Evaluate(empty OR) = true, want vacuous false")
	}
}

func TestEvaluateNilInputs(t *testing.T) {
	if Evaluate(nil, testProfile()) {
		t.Fatalf("Evaluate(nil tree) = true, want false")
	}
	if Evaluate(group(LogicAnd), nil) {
		t.Fatalf("Evaluate(nil profile) = true, want false")
	}
}

func TestEvaluateIgnoresMalformedJSON(t *testing.T) {
	profile := testProfile()
	profile.ProfileData = []byte(`{not json`)

	if Evaluate(group(LogicAnd, cond("profile_data.country", "equals", "DE")), profile) {
		t.Fatalf("Evaluate() over unreadable profile_data = true, want false")
	}
	// Profile columns still resolve.
	if !Evaluate(group(LogicAnd, cond("total_events", "gte", float64(150))), profile) {
		t.Fatalf("Evaluate(column condition) = false, want true")
	}
}
