// Package storetest provides an in-memory Store for engine tests.
package storetest

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlascdp/identity-backend/internal/engine/store"
	"github.com/atlascdp/identity-backend/internal/types"
)

// MemStore implements store.Store, store.RFMStore and store.SegmentStore
// over maps. Reads and writes copy rows, so callers mutating a returned
// struct do not change stored state until they Save, matching how the
// gorm-backed store behaves.
type MemStore struct {
	mu sync.Mutex

	Profiles    map[uuid.UUID]*types.Profile
	Identifiers map[uuid.UUID]*types.Identifier
	Links       map[uuid.UUID]*types.IdentityLink
	Merges      map[uuid.UUID]*types.ProfileMerge

	Scores map[uuid.UUID]*types.RFMScore
	Traits map[uuid.UUID]map[string]interface{}
	Stats  []store.PurchaseStats

	Segments map[uuid.UUID]*types.Segment
	Members  map[uuid.UUID][]uuid.UUID
}

func New() *MemStore {
	return &MemStore{
		Profiles:    map[uuid.UUID]*types.Profile{},
		Identifiers: map[uuid.UUID]*types.Identifier{},
		Links:       map[uuid.UUID]*types.IdentityLink{},
		Merges:      map[uuid.UUID]*types.ProfileMerge{},
		Scores:      map[uuid.UUID]*types.RFMScore{},
		Traits:      map[uuid.UUID]map[string]interface{}{},
		Segments:    map[uuid.UUID]*types.Segment{},
		Members:     map[uuid.UUID][]uuid.UUID{},
	}
}

var _ store.Store = (*MemStore)(nil)
var _ store.RFMStore = (*MemStore)(nil)
var _ store.SegmentStore = (*MemStore)(nil)

func copyProfile(p *types.Profile) *types.Profile {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func copyIdentifier(i *types.Identifier) *types.Identifier {
	if i == nil {
		return nil
	}
	cp := *i
	return &cp
}

func copyLink(l *types.IdentityLink) *types.IdentityLink {
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}

func copyMerge(m *types.ProfileMerge) *types.ProfileMerge {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

func (m *MemStore) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(m)
}

func (m *MemStore) GetProfile(ctx context.Context, id uuid.UUID) (*types.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyProfile(m.Profiles[id]), nil
}

func (m *MemStore) CreateProfile(ctx context.Context, profile *types.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	m.Profiles[profile.ID] = copyProfile(profile)
	return nil
}

func (m *MemStore) SaveProfile(ctx context.Context, profile *types.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Profiles[profile.ID] = copyProfile(profile)
	return nil
}

func (m *MemStore) IdentifierByID(ctx context.Context, id uuid.UUID) (*types.Identifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyIdentifier(m.Identifiers[id]), nil
}

func (m *MemStore) IdentifierByHash(ctx context.Context, identifierType, hash string) (*types.Identifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.Identifiers {
		if i.Type == identifierType && i.Hash == hash {
			return copyIdentifier(i), nil
		}
	}
	return nil, nil
}

func (m *MemStore) IdentifiersByProfile(ctx context.Context, profileID uuid.UUID) ([]*types.Identifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Identifier
	for _, i := range m.Identifiers {
		if i.ProfileID == profileID {
			out = append(out, copyIdentifier(i))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return bytes.Compare(out[a].ID[:], out[b].ID[:]) < 0
	})
	return out, nil
}

func (m *MemStore) CreateIdentifier(ctx context.Context, identifier *types.Identifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Identifiers[identifier.ID] = copyIdentifier(identifier)
	return nil
}

func (m *MemStore) SaveIdentifier(ctx context.Context, identifier *types.Identifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Identifiers[identifier.ID] = copyIdentifier(identifier)
	return nil
}

func (m *MemStore) TouchIdentifier(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.Identifiers[id]; ok {
		i.LastSeenAt = at
	}
	return nil
}

func (m *MemStore) ReassignIdentifiers(ctx context.Context, identifierIDs []uuid.UUID, toProfileID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range identifierIDs {
		if i, ok := m.Identifiers[id]; ok {
			i.ProfileID = toProfileID
		}
	}
	return nil
}

func (m *MemStore) LinkByPair(ctx context.Context, a, b uuid.UUID) (*types.IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, tgt := a, b
	if bytes.Compare(src[:], tgt[:]) > 0 {
		src, tgt = tgt, src
	}
	for _, l := range m.Links {
		if l.SourceID == src && l.TargetID == tgt {
			return copyLink(l), nil
		}
	}
	return nil, nil
}

func (m *MemStore) CreateLink(ctx context.Context, link *types.IdentityLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Links[link.ID] = copyLink(link)
	return nil
}

func (m *MemStore) SaveLink(ctx context.Context, link *types.IdentityLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Links[link.ID] = copyLink(link)
	return nil
}

func (m *MemStore) LinksForIdentifiers(ctx context.Context, identifierIDs []uuid.UUID) ([]*types.IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[uuid.UUID]bool{}
	for _, id := range identifierIDs {
		want[id] = true
	}
	var out []*types.IdentityLink
	for _, l := range m.Links {
		if want[l.SourceID] || want[l.TargetID] {
			out = append(out, copyLink(l))
		}
	}
	return out, nil
}

func (m *MemStore) AppendMerge(ctx context.Context, merge *types.ProfileMerge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if merge.CreatedAt.IsZero() {
		merge.CreatedAt = time.Now().UTC()
	}
	m.Merges[merge.ID] = copyMerge(merge)
	return nil
}

func (m *MemStore) MergeByID(ctx context.Context, id uuid.UUID) (*types.ProfileMerge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMerge(m.Merges[id]), nil
}

func (m *MemStore) MergesTouchingSince(ctx context.Context, profileIDs []uuid.UUID, since time.Time) ([]*types.ProfileMerge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[uuid.UUID]bool{}
	for _, id := range profileIDs {
		want[id] = true
	}
	var out []*types.ProfileMerge
	for _, mg := range m.Merges {
		if mg.IsReversal || !mg.CreatedAt.After(since) {
			continue
		}
		if want[mg.MergedProfileID] || want[mg.SurvivingProfileID] {
			out = append(out, copyMerge(mg))
		}
	}
	return out, nil
}

func (m *MemStore) MarkMergeRolledBack(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mg, ok := m.Merges[id]; ok {
		mg.IsRolledBack = true
		mg.RolledBackAt = &at
	}
	return nil
}

func (m *MemStore) ProfileIDsMergedInto(ctx context.Context, profileID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, p := range m.Profiles {
		if p.MergedInto != nil && *p.MergedInto == profileID {
			out = append(out, p.ID)
		}
	}
	return out, nil
}

func (m *MemStore) SetMergedInto(ctx context.Context, profileIDs []uuid.UUID, to *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range profileIDs {
		if p, ok := m.Profiles[id]; ok {
			if to == nil {
				p.MergedInto = nil
			} else {
				target := *to
				p.MergedInto = &target
			}
		}
	}
	return nil
}

func (m *MemStore) PurchaseStats(ctx context.Context, since time.Time) ([]store.PurchaseStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.PurchaseStats, len(m.Stats))
	copy(out, m.Stats)
	return out, nil
}

func (m *MemStore) UpsertScore(ctx context.Context, score *types.RFMScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *score
	m.Scores[score.ProfileID] = &cp
	return nil
}

func (m *MemStore) MergeProfileTraits(ctx context.Context, profileID uuid.UUID, patch map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Profiles[profileID]
	if !ok || p.MergedInto != nil {
		// Matches the live-rows-only guard on the real store: a profile
		// merged away mid-run keeps its tombstone and gets no patch.
		return nil
	}
	traits := m.Traits[profileID]
	if traits == nil {
		traits = map[string]interface{}{}
		m.Traits[profileID] = traits
	}
	for k, v := range patch {
		traits[k] = v
	}
	return nil
}

func (m *MemStore) ListProfilesBatch(ctx context.Context, afterID uuid.UUID, limit int) ([]*types.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []*types.Profile
	for _, p := range m.Profiles {
		if p.MergedInto == nil {
			live = append(live, p)
		}
	}
	sort.Slice(live, func(a, b int) bool {
		return bytes.Compare(live[a].ID[:], live[b].ID[:]) < 0
	})
	var out []*types.Profile
	for _, p := range live {
		if afterID != uuid.Nil && bytes.Compare(p.ID[:], afterID[:]) <= 0 {
			continue
		}
		out = append(out, copyProfile(p))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) ReplaceMembers(ctx context.Context, segmentID uuid.UUID, profileIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]uuid.UUID, len(profileIDs))
	copy(cp, profileIDs)
	m.Members[segmentID] = cp
	return nil
}

func (m *MemStore) SaveSegment(ctx context.Context, segment *types.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *segment
	m.Segments[segment.ID] = &cp
	return nil
}

func (m *MemStore) SetSegmentStatus(ctx context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Segments[id]; ok {
		s.Status = status
	}
	return nil
}
