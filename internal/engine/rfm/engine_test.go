package rfm

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlascdp/identity-backend/internal/apierr"
	"github.com/atlascdp/identity-backend/internal/engine/store"
	"github.com/atlascdp/identity-backend/internal/engine/store/storetest"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		r, f, m int
		want    string
	}{
		{"top quintile everywhere", 5, 5, 5, types.RFMChampions},
		{"champion floor", 4, 4, 4, types.RFMChampions},
		{"frequent but modest spend", 3, 5, 1, types.RFMLoyalCustomers},
		{"recent repeat buyer", 4, 2, 1, types.RFMPotentialLoyalist},
		{"brand new single purchase", 5, 1, 1, types.RFMNewCustomers},
		{"recent single purchase", 4, 1, 1, types.RFMPromising},
		{"lapsed high value", 1, 5, 5, types.RFMCannotLoseThem},
		{"lapsed regular", 2, 3, 2, types.RFMAtRisk},
		{"mid recency repeat", 3, 2, 3, types.RFMNeedAttention},
		{"mid recency single", 3, 1, 1, types.RFMAboutToSleep},
		{"cold across the board", 1, 1, 1, types.RFMLost},
		{"lapsed low engagement", 2, 1, 1, types.RFMHibernating},
		{"lapsed mid spend", 2, 2, 4, types.RFMHibernating},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.r, tc.f, tc.m); got != tc.want {
				t.Fatalf("classify(%d,%d,%d) = %q, want %q", tc.r, tc.f, tc.m, got, tc.want)
			}
		})
	}
}

func TestQuintileScoresEqualShares(t *testing.T) {
	population := make([]store.PurchaseStats, 10)
	for i := range population {
		population[i] = store.PurchaseStats{
			ProfileID:     uuid.New(),
			PurchaseCount: int64(i + 1),
		}
	}

	scores := quintileScores(population, func(s store.PurchaseStats) float64 {
		return float64(s.PurchaseCount)
	})

	counts := map[int]int{}
	for _, s := range scores {
		counts[s]++
	}
	for q := 1; q <= 5; q++ {
		if counts[q] != 2 {
			t.Fatalf("quintile %d holds %d profiles, want 2 (distribution %v)", q, counts[q], counts)
		}
	}

	// Highest value lands in the top bucket, lowest in the bottom.
	if scores[population[9].ProfileID] != 5 {
		t.Fatalf("top value scored %d, want 5", scores[population[9].ProfileID])
	}
	if scores[population[0].ProfileID] != 1 {
		t.Fatalf("bottom value scored %d, want 1", scores[population[0].ProfileID])
	}
}

func TestQuintileScoresSmallPopulation(t *testing.T) {
	population := []store.PurchaseStats{
		{ProfileID: uuid.New(), PurchaseCount: 5},
		{ProfileID: uuid.New(), PurchaseCount: 50},
	}
	scores := quintileScores(population, func(s store.PurchaseStats) float64 {
		return float64(s.PurchaseCount)
	})
	if scores[population[0].ProfileID] != 1 {
		t.Fatalf("lower of two scored %d, want 1", scores[population[0].ProfileID])
	}
	if scores[population[1].ProfileID] != 3 {
		t.Fatalf("higher of two scored %d, want 3", scores[population[1].ProfileID])
	}
}

func TestQuintileScoresDeterministicTies(t *testing.T) {
	population := make([]store.PurchaseStats, 6)
	for i := range population {
		population[i] = store.PurchaseStats{ProfileID: uuid.New(), PurchaseCount: 3}
	}
	first := quintileScores(population, func(s store.PurchaseStats) float64 {
		return float64(s.PurchaseCount)
	})
	for i := 0; i < 5; i++ {
		population = append(population[1:], population[0])
		again := quintileScores(population, func(s store.PurchaseStats) float64 {
			return float64(s.PurchaseCount)
		})
		for id, want := range first {
			if again[id] != want {
				t.Fatalf("tied profile %s scored %d then %d across orderings", id, want, again[id])
			}
		}
	}
}

func TestComputeBatch(t *testing.T) {
	st := storetest.New()
	e := NewEngine(st, testLogger())
	now := time.Now().UTC()

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		if err := st.CreateProfile(context.Background(), &types.Profile{ID: ids[i], LifecycleStage: types.LifecycleCustomer}); err != nil {
			t.Fatalf("CreateProfile() error: %v", err)
		}
		st.Stats = append(st.Stats, store.PurchaseStats{
			ProfileID:      ids[i],
			PurchaseCount:  int64((i + 1) * 2),
			TotalRevenue:   float64((i + 1) * 100),
			LastPurchaseAt: now.AddDate(0, 0, -(5 - i)),
		})
	}
	// Rows a correct aggregation query would never emit; the run must skip
	// them rather than abort.
	st.Stats = append(st.Stats,
		store.PurchaseStats{ProfileID: uuid.New(), PurchaseCount: 0, TotalRevenue: 10, LastPurchaseAt: now},
		store.PurchaseStats{ProfileID: uuid.New(), PurchaseCount: 3, TotalRevenue: -1, LastPurchaseAt: now},
		store.PurchaseStats{ProfileID: uuid.New(), PurchaseCount: 3, TotalRevenue: 10},
	)

	result, err := e.ComputeBatch(context.Background(), 30)
	if err != nil {
		t.Fatalf("ComputeBatch() error: %v", err)
	}
	if result.Scored != 5 {
		t.Fatalf("scored = %d, want 5", result.Scored)
	}
	if result.Skipped != 3 {
		t.Fatalf("skipped = %d, want 3", result.Skipped)
	}
	// Skipped rows leave no score behind.
	if len(st.Scores) != 5 {
		t.Fatalf("score rows = %d, want 5", len(st.Scores))
	}

	for i, id := range ids {
		score, ok := st.Scores[id]
		if !ok {
			t.Fatalf("profile %d has no score", i)
		}
		if score.WindowDays != 30 {
			t.Fatalf("window days = %d, want 30", score.WindowDays)
		}
		if score.Frequency != int64((i+1)*2) {
			t.Fatalf("profile %d frequency = %d, want %d", i, score.Frequency, (i+1)*2)
		}
		if score.CombinedScore != score.RecencyScore+score.FrequencyScore+score.MonetaryScore {
			t.Fatalf("profile %d combined = %d, want component sum", i, score.CombinedScore)
		}
		traits := st.Traits[id]
		if traits == nil || traits["rfm_segment"] != score.Segment {
			t.Fatalf("profile %d traits = %v, want rfm_segment %q", i, traits, score.Segment)
		}
	}

	// The most recent, most frequent, highest-spend profile dominates on
	// every axis.
	top := st.Scores[ids[4]]
	if top.RecencyScore != 5 || top.FrequencyScore != 5 || top.MonetaryScore != 5 {
		t.Fatalf("dominant profile scores = (%d,%d,%d), want (5,5,5)",
			top.RecencyScore, top.FrequencyScore, top.MonetaryScore)
	}
	if top.Segment != types.RFMChampions {
		t.Fatalf("dominant profile segment = %q, want %q", top.Segment, types.RFMChampions)
	}
}

// Trait patching is column-scoped and skips tombstoned rows, so a profile
// merged away between aggregation and scoring keeps its tombstone and its
// counters exactly as the merge left them.
func TestComputeBatchLeavesTombstonesAlone(t *testing.T) {
	st := storetest.New()
	e := NewEngine(st, testLogger())
	now := time.Now().UTC()

	survivor := &types.Profile{ID: uuid.New(), LifecycleStage: types.LifecycleCustomer, TotalEvents: 12}
	merged := &types.Profile{ID: uuid.New(), LifecycleStage: types.LifecycleCustomer, MergedInto: &survivor.ID}
	for _, p := range []*types.Profile{survivor, merged} {
		if err := st.CreateProfile(context.Background(), p); err != nil {
			t.Fatalf("CreateProfile() error: %v", err)
		}
	}
	st.Stats = append(st.Stats,
		store.PurchaseStats{ProfileID: survivor.ID, PurchaseCount: 4, TotalRevenue: 200, LastPurchaseAt: now.AddDate(0, 0, -1)},
		store.PurchaseStats{ProfileID: merged.ID, PurchaseCount: 2, TotalRevenue: 50, LastPurchaseAt: now.AddDate(0, 0, -3)},
	)

	if _, err := e.ComputeBatch(context.Background(), 30); err != nil {
		t.Fatalf("ComputeBatch() error: %v", err)
	}

	if traits := st.Traits[survivor.ID]; traits == nil || traits["rfm_segment"] == nil {
		t.Fatalf("survivor traits = %v, want rfm_segment set", traits)
	}
	if traits := st.Traits[merged.ID]; traits != nil {
		t.Fatalf("tombstoned profile received trait patch %v", traits)
	}
	got, _ := st.GetProfile(context.Background(), merged.ID)
	if got.MergedInto == nil || *got.MergedInto != survivor.ID {
		t.Fatalf("tombstone pointer = %v, want %s", got.MergedInto, survivor.ID)
	}
}

func TestComputeBatchWindowValidation(t *testing.T) {
	e := NewEngine(storetest.New(), testLogger())
	if _, err := e.ComputeBatch(context.Background(), 0); !apierr.IsKind(err, apierr.KindInvalidArgument) {
		t.Fatalf("ComputeBatch(0) kind = %v, want invalid_argument", apierr.KindOf(err))
	}
	if _, err := e.ComputeBatch(context.Background(), -7); !apierr.IsKind(err, apierr.KindInvalidArgument) {
		t.Fatalf("ComputeBatch(-7) kind = %v, want invalid_argument", apierr.KindOf(err))
	}
}

func TestComputeBatchEmptyPopulation(t *testing.T) {
	e := NewEngine(storetest.New(), testLogger())
	result, err := e.ComputeBatch(context.Background(), 30)
	if err != nil {
		t.Fatalf("ComputeBatch() on empty store error: %v", err)
	}
	if result.Scored != 0 || result.Skipped != 0 {
		t.Fatalf("result = %+v, want zero run", result)
	}
}
