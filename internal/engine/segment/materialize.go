package segment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atlascdp/identity-backend/internal/apierr"
	"github.com/atlascdp/identity-backend/internal/engine/store"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

// Materializer recomputes dynamic segment membership. It scans profiles in
// keyset batches, never holding profile locks, so a long materialization
// can run alongside ingestion and merges. The scan is cancellable between
// batches.
type Materializer struct {
	store       store.SegmentStore
	log         *logger.Logger
	batchSize   int
	parallelism int
}

func NewMaterializer(st store.SegmentStore, baseLog *logger.Logger, batchSize, parallelism int) *Materializer {
	if batchSize <= 0 {
		batchSize = 500
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Materializer{
		store:       st,
		log:         baseLog.With("component", "SegmentMaterializer"),
		batchSize:   batchSize,
		parallelism: parallelism,
	}
}

// Materialize replaces a dynamic segment's cached membership and returns
// the new profile count. Static segments never hit the evaluator.
func (m *Materializer) Materialize(ctx context.Context, seg *types.Segment) (int64, error) {
	if seg.Type != types.SegmentDynamic {
		return 0, apierr.Newf(apierr.KindInvalidArgument, "segment %s is not dynamic", seg.ID)
	}
	rules, err := Parse(seg.Rules)
	if err != nil {
		return 0, err
	}

	if err := m.store.SetSegmentStatus(ctx, seg.ID, types.SegmentStatusComputing); err != nil {
		return 0, err
	}

	matched, _, err := m.scan(ctx, rules, 0)
	if err != nil {
		// Leave the segment stale rather than active with a half-written
		// count.
		_ = m.store.SetSegmentStatus(ctx, seg.ID, types.SegmentStatusStale)
		return 0, err
	}

	if err := m.store.ReplaceMembers(ctx, seg.ID, matched); err != nil {
		_ = m.store.SetSegmentStatus(ctx, seg.ID, types.SegmentStatusStale)
		return 0, err
	}

	now := time.Now().UTC()
	seg.Status = types.SegmentStatusActive
	seg.ProfileCount = int64(len(matched))
	seg.LastComputedAt = &now
	if err := m.store.SaveSegment(ctx, seg); err != nil {
		return 0, err
	}

	m.log.Info("Segment materialized",
		"segment_id", seg.ID,
		"profile_count", seg.ProfileCount,
	)
	return seg.ProfileCount, nil
}

// Preview runs the same evaluation over a bounded sample without touching
// stored membership, for interactive rule building.
func (m *Materializer) Preview(ctx context.Context, rules *Node, sampleLimit int) (matched int64, scanned int64, err error) {
	if sampleLimit <= 0 {
		sampleLimit = 1000
	}
	ids, total, err := m.scan(ctx, rules, sampleLimit)
	if err != nil {
		return 0, 0, err
	}
	return int64(len(ids)), total, nil
}

// scan walks the live profile population in id order, evaluating batches
// concurrently. limit == 0 means the full population.
func (m *Materializer) scan(ctx context.Context, rules *Node, limit int) ([]uuid.UUID, int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)

	var (
		results = make(chan []uuid.UUID, m.parallelism)
		scanned int64
		afterID uuid.UUID
	)

	collectDone := make(chan struct{})
	var matched []uuid.UUID
	go func() {
		defer close(collectDone)
		for ids := range results {
			matched = append(matched, ids...)
		}
	}()

	for {
		if gctx.Err() != nil {
			break
		}

		batchLimit := m.batchSize
		if limit > 0 && int(scanned)+batchLimit > limit {
			batchLimit = limit - int(scanned)
		}
		if batchLimit <= 0 {
			break
		}

		batch, err := m.store.ListProfilesBatch(gctx, afterID, batchLimit)
		if err != nil {
			_ = g.Wait()
			close(results)
			<-collectDone
			return nil, 0, err
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID
		scanned += int64(len(batch))

		profiles := batch
		g.Go(func() error {
			var ids []uuid.UUID
			for _, p := range profiles {
				if evalNode(rules, newProfileView(p)) {
					ids = append(ids, p.ID)
				}
			}
			if len(ids) > 0 {
				select {
				case results <- ids:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})

		if len(batch) < batchLimit {
			break
		}
	}

	err := g.Wait()
	close(results)
	<-collectDone
	if err != nil {
		return nil, 0, err
	}
	return matched, scanned, nil
}
