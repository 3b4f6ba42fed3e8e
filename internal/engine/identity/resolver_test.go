package identity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlascdp/identity-backend/internal/apierr"
	"github.com/atlascdp/identity-backend/internal/engine/locks"
	"github.com/atlascdp/identity-backend/internal/engine/store/storetest"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func newTestResolver(st *storetest.MemStore) *Resolver {
	return NewResolver(st, locks.NewManager(), DefaultConfig(), testLogger())
}

func TestResolveCreatesProfile(t *testing.T) {
	st := storetest.New()
	r := newTestResolver(st)
	ctx := context.Background()

	profile, created, err := r.Resolve(ctx, types.IdentifierEmail, "hash-1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !created {
		t.Fatalf("Resolve() created = false, want true")
	}
	if profile.LifecycleStage != types.LifecycleKnown {
		t.Fatalf("lifecycle stage = %q, want %q", profile.LifecycleStage, types.LifecycleKnown)
	}
	if profile.CanonicalID == nil {
		t.Fatalf("new profile has nil canonical identifier")
	}
	node, err := st.IdentifierByHash(ctx, types.IdentifierEmail, "hash-1")
	if err != nil || node == nil {
		t.Fatalf("identifier not persisted: node=%v err=%v", node, err)
	}
	if node.ProfileID != profile.ID {
		t.Fatalf("identifier owned by %s, want %s", node.ProfileID, profile.ID)
	}
}

func TestResolveAnonymousStage(t *testing.T) {
	st := storetest.New()
	r := newTestResolver(st)

	profile, _, err := r.Resolve(context.Background(), types.IdentifierDevice, "dev-1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if profile.LifecycleStage != types.LifecycleAnonymous {
		t.Fatalf("lifecycle stage = %q, want %q", profile.LifecycleStage, types.LifecycleAnonymous)
	}
}

func TestResolveReusesExisting(t *testing.T) {
	st := storetest.New()
	r := newTestResolver(st)
	ctx := context.Background()

	first, _, err := r.Resolve(ctx, types.IdentifierEmail, "hash-1")
	if err != nil {
		t.Fatalf("first Resolve() error: %v", err)
	}
	second, created, err := r.Resolve(ctx, types.IdentifierEmail, "hash-1")
	if err != nil {
		t.Fatalf("second Resolve() error: %v", err)
	}
	if created {
		t.Fatalf("second Resolve() created = true, want false")
	}
	if second.ID != first.ID {
		t.Fatalf("second Resolve() profile = %s, want %s", second.ID, first.ID)
	}
}

func TestResolveFollowsRedirect(t *testing.T) {
	st := storetest.New()
	r := newTestResolver(st)
	ctx := context.Background()

	source, _, err := r.Resolve(ctx, types.IdentifierDevice, "dev-1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	survivor, _, err := r.Resolve(ctx, types.IdentifierEmail, "mail-1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if err := st.SetMergedInto(ctx, []uuid.UUID{source.ID}, &survivor.ID); err != nil {
		t.Fatalf("SetMergedInto() error: %v", err)
	}

	resolved, created, err := r.Resolve(ctx, types.IdentifierDevice, "dev-1")
	if err != nil {
		t.Fatalf("Resolve() after tombstone error: %v", err)
	}
	if created {
		t.Fatalf("Resolve() created a profile despite known hash")
	}
	if resolved.ID != survivor.ID {
		t.Fatalf("Resolve() = %s, want surviving profile %s", resolved.ID, survivor.ID)
	}
}

func TestResolveRejectsBadInput(t *testing.T) {
	st := storetest.New()
	r := newTestResolver(st)
	ctx := context.Background()

	if _, _, err := r.Resolve(ctx, "fingerprint", "h"); !apierr.IsKind(err, apierr.KindInvalidArgument) {
		t.Fatalf("Resolve(unknown type) kind = %v, want invalid_argument", apierr.KindOf(err))
	}
	if _, _, err := r.Resolve(ctx, types.IdentifierEmail, ""); !apierr.IsKind(err, apierr.KindInvalidArgument) {
		t.Fatalf("Resolve(empty hash) kind = %v, want invalid_argument", apierr.KindOf(err))
	}
}

func TestAttachUpgradesStageAndCanonical(t *testing.T) {
	st := storetest.New()
	r := newTestResolver(st)
	ctx := context.Background()

	profile, _, err := r.Resolve(ctx, types.IdentifierDevice, "dev-1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	node, err := r.Attach(ctx, profile.ID, types.IdentifierEmail, "mail-1", true)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	stored, err := st.GetProfile(ctx, profile.ID)
	if err != nil {
		t.Fatalf("GetProfile() error: %v", err)
	}
	if stored.LifecycleStage != types.LifecycleKnown {
		t.Fatalf("stage after attach = %q, want %q", stored.LifecycleStage, types.LifecycleKnown)
	}
	if stored.CanonicalID == nil || *stored.CanonicalID != node.ID {
		t.Fatalf("canonical after attach = %v, want %s", stored.CanonicalID, node.ID)
	}
}

// A profile merged away while the caller waited on its lock must not receive
// new identifiers; Attach chases the tombstone to the survivor first.
func TestAttachFollowsRedirect(t *testing.T) {
	st := storetest.New()
	r := newTestResolver(st)
	ctx := context.Background()

	source, _, err := r.Resolve(ctx, types.IdentifierDevice, "dev-1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	survivor, _, err := r.Resolve(ctx, types.IdentifierDevice, "dev-2")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if err := st.SetMergedInto(ctx, []uuid.UUID{source.ID}, &survivor.ID); err != nil {
		t.Fatalf("SetMergedInto() error: %v", err)
	}

	node, err := r.Attach(ctx, source.ID, types.IdentifierEmail, "mail-1", true)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	if node.ProfileID != survivor.ID {
		t.Fatalf("attached identifier owned by %s, want surviving profile %s", node.ProfileID, survivor.ID)
	}

	stored, err := st.GetProfile(ctx, survivor.ID)
	if err != nil {
		t.Fatalf("GetProfile() error: %v", err)
	}
	if stored.LifecycleStage != types.LifecycleKnown {
		t.Fatalf("survivor stage after attach = %q, want %q", stored.LifecycleStage, types.LifecycleKnown)
	}
	if stored.CanonicalID == nil || *stored.CanonicalID != node.ID {
		t.Fatalf("survivor canonical after attach = %v, want %s", stored.CanonicalID, node.ID)
	}
	tombstone, _ := st.GetProfile(ctx, source.ID)
	owned, _ := st.IdentifiersByProfile(ctx, tombstone.ID)
	for _, i := range owned {
		if i.ID == node.ID {
			t.Fatalf("tombstoned profile %s owns the new identifier", tombstone.ID)
		}
	}
}

func TestAttachUnknownProfile(t *testing.T) {
	st := storetest.New()
	r := newTestResolver(st)

	_, err := r.Attach(context.Background(), uuid.New(), types.IdentifierEmail, "mail-1", false)
	if !apierr.IsNotFound(err) {
		t.Fatalf("Attach(unknown profile) kind = %v, want not_found", apierr.KindOf(err))
	}
}

func TestLinkConfidenceClimb(t *testing.T) {
	st := storetest.New()
	r := newTestResolver(st)
	ctx := context.Background()

	pa, _, err := r.Resolve(ctx, types.IdentifierDevice, "dev-1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	// Keep profile creation order unambiguous for survivor selection.
	time.Sleep(2 * time.Millisecond)
	pb, _, err := r.Resolve(ctx, types.IdentifierEmail, "mail-1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	identA, _ := st.IdentifierByHash(ctx, types.IdentifierDevice, "dev-1")
	identB, _ := st.IdentifierByHash(ctx, types.IdentifierEmail, "mail-1")

	result, err := r.Link(ctx, identA.ID, identB.ID, types.LinkInferred)
	if err != nil {
		t.Fatalf("Link() error: %v", err)
	}
	if result.Link.Confidence != 0.1 {
		t.Fatalf("fresh link confidence = %v, want 0.1", result.Link.Confidence)
	}
	if result.Link.Observations != 1 {
		t.Fatalf("fresh link observations = %d, want 1", result.Link.Observations)
	}
	if result.Candidate != nil {
		t.Fatalf("fresh link produced a merge candidate at confidence %v", result.Link.Confidence)
	}

	for i := 0; i < 5; i++ {
		if result, err = r.Link(ctx, identA.ID, identB.ID, types.LinkInferred); err != nil {
			t.Fatalf("Link() repeat %d error: %v", i, err)
		}
		if result.Candidate != nil {
			t.Fatalf("candidate appeared at confidence %v, below threshold", result.Link.Confidence)
		}
	}

	for i := 0; i < 3; i++ {
		if result, err = r.Link(ctx, identB.ID, identA.ID, types.LinkObserved); err != nil {
			t.Fatalf("Link() observation error: %v", err)
		}
	}
	if result.Link.Observations != 9 {
		t.Fatalf("observations = %d, want 9", result.Link.Observations)
	}
	if result.Link.Confidence < DefaultConfig().MergeThreshold {
		t.Fatalf("confidence after 9 observations = %v, want >= %v", result.Link.Confidence, DefaultConfig().MergeThreshold)
	}
	if result.Link.LinkType != types.LinkObserved {
		t.Fatalf("link type = %q, want observed after upgrade", result.Link.LinkType)
	}
	if result.Candidate == nil {
		t.Fatalf("no merge candidate at confidence %v, threshold %v", result.Link.Confidence, DefaultConfig().MergeThreshold)
	}
	if result.Candidate.TargetProfileID != pa.ID {
		t.Fatalf("candidate target = %s, want older profile %s", result.Candidate.TargetProfileID, pa.ID)
	}
	if result.Candidate.SourceProfileID != pb.ID {
		t.Fatalf("candidate source = %s, want younger profile %s", result.Candidate.SourceProfileID, pb.ID)
	}
}

func TestLinkSameProfileNeverCandidate(t *testing.T) {
	st := storetest.New()
	r := newTestResolver(st)
	ctx := context.Background()

	profile, _, err := r.Resolve(ctx, types.IdentifierDevice, "dev-1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	other, err := r.Attach(ctx, profile.ID, types.IdentifierEmail, "mail-1", false)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	first, _ := st.IdentifierByHash(ctx, types.IdentifierDevice, "dev-1")

	var result *LinkResult
	for i := 0; i < 12; i++ {
		if result, err = r.Link(ctx, first.ID, other.ID, types.LinkObserved); err != nil {
			t.Fatalf("Link() error: %v", err)
		}
	}
	if result.Link.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want capped at 1.0", result.Link.Confidence)
	}
	if result.Candidate != nil {
		t.Fatalf("same-profile link produced a merge candidate")
	}
}

func TestLinkRejectsSelfAndUnknown(t *testing.T) {
	st := storetest.New()
	r := newTestResolver(st)
	ctx := context.Background()

	id := uuid.New()
	if _, err := r.Link(ctx, id, id, types.LinkObserved); !apierr.IsKind(err, apierr.KindInvalidArgument) {
		t.Fatalf("Link(self) kind = %v, want invalid_argument", apierr.KindOf(err))
	}
	if _, err := r.Link(ctx, uuid.New(), uuid.New(), types.LinkObserved); !apierr.IsNotFound(err) {
		t.Fatalf("Link(unknown) kind = %v, want not_found", apierr.KindOf(err))
	}
}
