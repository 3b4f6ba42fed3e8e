package identity

import (
	"bytes"
	"context"
	"sort"

	"github.com/atlascdp/identity-backend/internal/engine/store"
	"github.com/atlascdp/identity-backend/internal/types"
)

// Canonical picks the identifier that represents a profile externally.
// Pure and deterministic over the input set: verified first, then the fixed
// type priority ranking, then most recently observed, with the identifier
// id as a total-order tiebreaker so repeated calls on unchanged input
// always return the same node.
func Canonical(identifiers []*types.Identifier) *types.Identifier {
	if len(identifiers) == 0 {
		return nil
	}
	sorted := make([]*types.Identifier, len(identifiers))
	copy(sorted, identifiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Verified != b.Verified {
			return a.Verified
		}
		ar, br := types.PriorityRank(a.Type), types.PriorityRank(b.Type)
		if ar != br {
			return ar < br
		}
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.After(b.LastSeenAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
	return sorted[0]
}

// RecomputeCanonical refreshes a profile's canonical identifier from its
// current identifier set and persists the result. Invoked after every merge
// and every new-identifier attachment.
func RecomputeCanonical(ctx context.Context, st store.Store, profile *types.Profile) error {
	identifiers, err := st.IdentifiersByProfile(ctx, profile.ID)
	if err != nil {
		return err
	}
	canonical := Canonical(identifiers)
	if canonical == nil {
		profile.CanonicalID = nil
	} else {
		id := canonical.ID
		profile.CanonicalID = &id
	}
	return st.SaveProfile(ctx, profile)
}
