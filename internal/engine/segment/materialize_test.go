package segment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlascdp/identity-backend/internal/apierr"
	"github.com/atlascdp/identity-backend/internal/engine/store/storetest"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func seedProfiles(st *storetest.MemStore, matching, nonMatching, tombstoned int) {
	survivor := uuid.New()
	st.Profiles[survivor] = &types.Profile{ID: survivor, LifecycleStage: types.LifecycleKnown, TotalEvents: 1}

	for i := 0; i < matching; i++ {
		id := uuid.New()
		st.Profiles[id] = &types.Profile{
			ID:             id,
			LifecycleStage: types.LifecycleCustomer,
			TotalEvents:    200,
		}
	}
	for i := 0; i < nonMatching; i++ {
		id := uuid.New()
		st.Profiles[id] = &types.Profile{
			ID:             id,
			LifecycleStage: types.LifecycleAnonymous,
			TotalEvents:    5,
		}
	}
	for i := 0; i < tombstoned; i++ {
		id := uuid.New()
		target := survivor
		st.Profiles[id] = &types.Profile{
			ID:             id,
			LifecycleStage: types.LifecycleCustomer,
			TotalEvents:    200,
			MergedInto:     &target,
		}
	}
}

func engagedCustomerRules() []byte {
	return []byte(`{
		"logic": "AND",
		"children": [
			{"field": "total_events", "operator": "greater_than", "value": 100},
			{"field": "lifecycle_stage", "operator": "equals", "value": "customer"}
		]
	}`)
}

func TestMaterialize(t *testing.T) {
	st := storetest.New()
	seedProfiles(st, 9, 12, 3)

	seg := &types.Segment{
		ID:     uuid.New(),
		Name:   "engaged customers",
		Type:   types.SegmentDynamic,
		Rules:  engagedCustomerRules(),
		Status: types.SegmentStatusStale,
	}
	st.Segments[seg.ID] = seg

	// Small batches force several keyset pages through the worker pool.
	m := NewMaterializer(st, testLogger(), 4, 2)
	count, err := m.Materialize(context.Background(), seg)
	if err != nil {
		t.Fatalf("Materialize() error: %v", err)
	}
	if count != 9 {
		t.Fatalf("Materialize() count = %d, want 9", count)
	}

	members := st.Members[seg.ID]
	if len(members) != 9 {
		t.Fatalf("stored members = %d, want 9", len(members))
	}
	dedup := map[uuid.UUID]bool{}
	for _, id := range members {
		if dedup[id] {
			t.Fatalf("member %s stored twice", id)
		}
		dedup[id] = true
		p := st.Profiles[id]
		if p == nil || p.MergedInto != nil {
			t.Fatalf("member %s is missing or tombstoned", id)
		}
		if p.TotalEvents <= 100 || p.LifecycleStage != types.LifecycleCustomer {
			t.Fatalf("member %s does not match the rules: %+v", id, p)
		}
	}

	stored := st.Segments[seg.ID]
	if stored.Status != types.SegmentStatusActive {
		t.Fatalf("segment status = %q, want %q", stored.Status, types.SegmentStatusActive)
	}
	if stored.ProfileCount != 9 {
		t.Fatalf("segment profile count = %d, want 9", stored.ProfileCount)
	}
	if stored.LastComputedAt == nil || time.Since(*stored.LastComputedAt) > time.Minute {
		t.Fatalf("segment last computed at = %v, want fresh timestamp", stored.LastComputedAt)
	}
}

func TestMaterializeEmptyMatch(t *testing.T) {
	st := storetest.New()
	seedProfiles(st, 0, 8, 0)

	seg := &types.Segment{
		ID:    uuid.New(),
		Name:  "engaged customers",
		Type:  types.SegmentDynamic,
		Rules: engagedCustomerRules(),
	}
	st.Segments[seg.ID] = seg

	m := NewMaterializer(st, testLogger(), 500, 4)
	count, err := m.Materialize(context.Background(), seg)
	if err != nil {
		t.Fatalf("Materialize() error: %v", err)
	}
	if count != 0 {
		t.Fatalf("Materialize() count = %d, want 0", count)
	}
	if st.Segments[seg.ID].Status != types.SegmentStatusActive {
		t.Fatalf("empty segment status = %q, want active", st.Segments[seg.ID].Status)
	}
}

func TestMaterializeRejectsStatic(t *testing.T) {
	st := storetest.New()
	seg := &types.Segment{ID: uuid.New(), Name: "vip list", Type: types.SegmentStatic}
	m := NewMaterializer(st, testLogger(), 500, 4)

	if _, err := m.Materialize(context.Background(), seg); !apierr.IsKind(err, apierr.KindInvalidArgument) {
		t.Fatalf("Materialize(static) kind = %v, want invalid_argument", apierr.KindOf(err))
	}
}

func TestMaterializeRejectsBadRules(t *testing.T) {
	st := storetest.New()
	seg := &types.Segment{
		ID:    uuid.New(),
		Name:  "broken",
		Type:  types.SegmentDynamic,
		Rules: []byte(`{nope`),
	}
	m := NewMaterializer(st, testLogger(), 500, 4)

	if _, err := m.Materialize(context.Background(), seg); !apierr.IsInvalidRule(err) {
		t.Fatalf("Materialize(bad rules) kind = %v, want invalid_rule", apierr.KindOf(err))
	}
}

func TestPreview(t *testing.T) {
	st := storetest.New()
	seedProfiles(st, 6, 6, 0)

	m := NewMaterializer(st, testLogger(), 4, 2)
	rules, err := Parse(engagedCustomerRules())
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	matched, scanned, err := m.Preview(context.Background(), rules, 100)
	if err != nil {
		t.Fatalf("Preview() error: %v", err)
	}
	if matched != 6 {
		t.Fatalf("Preview() matched = %d, want 6", matched)
	}
	if scanned != 13 {
		t.Fatalf("Preview() scanned = %d, want all 13 live profiles", scanned)
	}
	if len(st.Members) != 0 {
		t.Fatalf("Preview() wrote membership: %v", st.Members)
	}
}

func TestPreviewSampleLimit(t *testing.T) {
	st := storetest.New()
	seedProfiles(st, 20, 0, 0)

	m := NewMaterializer(st, testLogger(), 4, 2)
	rules, err := Parse(engagedCustomerRules())
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	_, scanned, err := m.Preview(context.Background(), rules, 8)
	if err != nil {
		t.Fatalf("Preview() error: %v", err)
	}
	if scanned != 8 {
		t.Fatalf("Preview() scanned = %d, want sample limit 8", scanned)
	}
}
