package rfm

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/atlascdp/identity-backend/internal/apierr"
	"github.com/atlascdp/identity-backend/internal/engine/store"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

// Result is the outcome of one scoring run. Failures are per-profile
// isolated: one malformed row never aborts the batch.
type Result struct {
	Scored  int `json:"scored"`
	Skipped int `json:"skipped"`
}

// Engine computes population-relative RFM scores. Quintile boundaries are
// derived fresh from the eligible population each run; nothing here is an
// absolute threshold, which is also why recomputation always overwrites
// wholesale instead of patching.
type Engine struct {
	store     store.RFMStore
	log       *logger.Logger
	batchSize int
}

func NewEngine(st store.RFMStore, baseLog *logger.Logger) *Engine {
	return &Engine{
		store:     st,
		log:       baseLog.With("component", "RFMEngine"),
		batchSize: 200,
	}
}

// ComputeBatch scores every profile with at least one purchase inside the
// window. Zero-purchase profiles are excluded from bucketing entirely, not
// scored as zero. The run is cancellable between profile batches.
func (e *Engine) ComputeBatch(ctx context.Context, windowDays int) (Result, error) {
	if windowDays <= 0 {
		return Result{}, apierr.Newf(apierr.KindInvalidArgument, "analysis window must be positive, got %d", windowDays)
	}

	now := time.Now().UTC()
	since := now.AddDate(0, 0, -windowDays)

	stats, err := e.store.PurchaseStats(ctx, since)
	if err != nil {
		return Result{}, err
	}
	if len(stats) == 0 {
		e.log.Info("RFM run found no eligible profiles", "window_days", windowDays)
		return Result{}, nil
	}

	eligible := make([]store.PurchaseStats, 0, len(stats))
	skipped := 0
	for _, s := range stats {
		if s.ProfileID == uuid.Nil || s.PurchaseCount <= 0 || s.TotalRevenue < 0 || s.LastPurchaseAt.IsZero() || s.LastPurchaseAt.After(now.Add(time.Hour)) {
			skipped++
			continue
		}
		eligible = append(eligible, s)
	}
	if len(eligible) == 0 {
		return Result{Skipped: skipped}, nil
	}

	recencyDays := make(map[uuid.UUID]int, len(eligible))
	for _, s := range eligible {
		days := int(now.Sub(s.LastPurchaseAt).Hours() / 24)
		if days < 0 {
			days = 0
		}
		recencyDays[s.ProfileID] = days
	}

	recencyScores := quintileScores(eligible, func(s store.PurchaseStats) float64 {
		// Lower recency is better, so invert before ranking.
		return -float64(recencyDays[s.ProfileID])
	})
	frequencyScores := quintileScores(eligible, func(s store.PurchaseStats) float64 {
		return float64(s.PurchaseCount)
	})
	monetaryScores := quintileScores(eligible, func(s store.PurchaseStats) float64 {
		return s.TotalRevenue
	})

	result := Result{Skipped: skipped}
	for i, s := range eligible {
		if i%e.batchSize == 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			default:
			}
		}

		r, f, m := recencyScores[s.ProfileID], frequencyScores[s.ProfileID], monetaryScores[s.ProfileID]
		score := &types.RFMScore{
			ID:             uuid.New(),
			ProfileID:      s.ProfileID,
			RecencyDays:    recencyDays[s.ProfileID],
			Frequency:      s.PurchaseCount,
			Monetary:       s.TotalRevenue,
			RecencyScore:   r,
			FrequencyScore: f,
			MonetaryScore:  m,
			CombinedScore:  r + f + m,
			Segment:        classify(r, f, m),
			WindowDays:     windowDays,
			CalculatedAt:   now,
		}
		if err := e.store.UpsertScore(ctx, score); err != nil {
			e.log.Warn("RFM score write failed, skipping profile", "profile_id", s.ProfileID, "error", err)
			result.Skipped++
			continue
		}
		if err := e.store.MergeProfileTraits(ctx, s.ProfileID, map[string]interface{}{
			"rfm_segment":        score.Segment,
			"rfm_combined_score": score.CombinedScore,
			"rfm_calculated_at":  now.Format(time.RFC3339),
		}); err != nil {
			e.log.Warn("RFM trait write failed", "profile_id", s.ProfileID, "error", err)
		}
		result.Scored++
	}

	e.log.Info("RFM run complete",
		"window_days", windowDays,
		"scored", result.Scored,
		"skipped", result.Skipped,
	)
	return result, nil
}

// quintileScores assigns each profile a 1..5 score by rank within the
// population, so every bucket holds an equal share up to rounding. Ties
// break on profile id to keep runs deterministic.
func quintileScores(population []store.PurchaseStats, value func(store.PurchaseStats) float64) map[uuid.UUID]int {
	type ranked struct {
		id uuid.UUID
		v  float64
	}
	rows := make([]ranked, 0, len(population))
	for _, s := range population {
		rows = append(rows, ranked{id: s.ProfileID, v: value(s)})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].v != rows[j].v {
			return rows[i].v < rows[j].v
		}
		return rows[i].id.String() < rows[j].id.String()
	})

	n := len(rows)
	scores := make(map[uuid.UUID]int, n)
	for rank, row := range rows {
		score := 1 + (rank*5)/n
		if score > 5 {
			score = 5
		}
		scores[row.id] = score
	}
	return scores
}

type segmentRule struct {
	label string
	match func(r, f, m int) bool
}

// The conventional 11-cell RFM mapping. Rules are ordered; the first match
// wins. Champions demand the top quintile across the board, Lost the
// bottom, and the in-between cells follow the usual recency/frequency
// split with monetary refining the at-risk half.
var segmentRules = []segmentRule{
	{types.RFMChampions, func(r, f, m int) bool { return r >= 4 && f >= 4 && m >= 4 }},
	{types.RFMLoyalCustomers, func(r, f, m int) bool { return r >= 3 && f >= 4 }},
	{types.RFMPotentialLoyalist, func(r, f, m int) bool { return r >= 4 && f >= 2 }},
	{types.RFMNewCustomers, func(r, f, m int) bool { return r >= 5 && f <= 1 }},
	{types.RFMPromising, func(r, f, m int) bool { return r >= 4 && f <= 1 }},
	{types.RFMCannotLoseThem, func(r, f, m int) bool { return r <= 2 && f >= 4 && m >= 4 }},
	{types.RFMAtRisk, func(r, f, m int) bool { return r <= 2 && f >= 3 }},
	{types.RFMNeedAttention, func(r, f, m int) bool { return r == 3 && f >= 2 }},
	{types.RFMAboutToSleep, func(r, f, m int) bool { return r == 3 }},
	{types.RFMLost, func(r, f, m int) bool { return r <= 1 && f <= 2 && m <= 2 }},
	{types.RFMHibernating, func(r, f, m int) bool { return r <= 2 }},
}

func classify(r, f, m int) string {
	for _, rule := range segmentRules {
		if rule.match(r, f, m) {
			return rule.label
		}
	}
	return types.RFMNeedAttention
}
