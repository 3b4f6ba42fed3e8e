package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/apierr"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/repos"
	"github.com/atlascdp/identity-backend/internal/types"
)

// ProfileDetail is a profile plus its identifier nodes, the shape the API
// returns for GET /profiles/{id}.
type ProfileDetail struct {
	Profile     *types.Profile      `json:"profile"`
	Identifiers []*types.Identifier `json:"identifiers"`
	// Redirected is true when the requested id belonged to a tombstoned
	// profile and the detail shows the survivor instead.
	Redirected bool `json:"redirected,omitempty"`
}

// CanonicalIdentity is the selected primary identifier for a profile.
type CanonicalIdentity struct {
	ProfileID    uuid.UUID `json:"profile_id"`
	IdentifierID uuid.UUID `json:"identifier_id"`
	Type         string    `json:"type"`
	Hash         string    `json:"hash"`
	PriorityRank int       `json:"priority_rank"`
	Verified     bool      `json:"verified"`
}

// IdentityGraph is the node/edge projection behind the graph endpoint.
type IdentityGraph struct {
	ProfileID uuid.UUID             `json:"profile_id"`
	Nodes     []*types.Identifier   `json:"nodes"`
	Edges     []*types.IdentityLink `json:"edges"`
}

type ProfileSearchResult struct {
	Profiles []*types.Profile `json:"profiles"`
	Total    int64            `json:"total"`
}

type ProfileService interface {
	Get(ctx context.Context, id uuid.UUID) (*ProfileDetail, error)
	Canonical(ctx context.Context, id uuid.UUID) (*CanonicalIdentity, error)
	IdentityGraph(ctx context.Context, id uuid.UUID) (*IdentityGraph, error)
	Search(ctx context.Context, filter repos.ProfileSearchFilter) (*ProfileSearchResult, error)
	ExportCSV(ctx context.Context, filter repos.ProfileSearchFilter) ([]byte, error)
}

type profileService struct {
	db              *gorm.DB
	log             *logger.Logger
	profileRepo     repos.ProfileRepo
	identifierRepo  repos.IdentifierRepo
	linkRepo        repos.IdentityLinkRepo
	maxRedirectHops int
}

func NewProfileService(
	db *gorm.DB,
	baseLog *logger.Logger,
	profileRepo repos.ProfileRepo,
	identifierRepo repos.IdentifierRepo,
	linkRepo repos.IdentityLinkRepo,
	maxRedirectHops int,
) ProfileService {
	return &profileService{
		db:              db,
		log:             baseLog.With("service", "ProfileService"),
		profileRepo:     profileRepo,
		identifierRepo:  identifierRepo,
		linkRepo:        linkRepo,
		maxRedirectHops: maxRedirectHops,
	}
}

func (s *profileService) Get(ctx context.Context, id uuid.UUID) (*ProfileDetail, error) {
	profile, redirected, err := s.resolveLive(ctx, id)
	if err != nil {
		return nil, err
	}

	identifiers, err := s.identifierRepo.GetByProfileID(ctx, nil, profile.ID)
	if err != nil {
		s.log.Warn("Get: load identifiers failed", "error", err, "profile_id", profile.ID)
		return nil, err
	}
	return &ProfileDetail{Profile: profile, Identifiers: identifiers, Redirected: redirected}, nil
}

func (s *profileService) Canonical(ctx context.Context, id uuid.UUID) (*CanonicalIdentity, error) {
	profile, _, err := s.resolveLive(ctx, id)
	if err != nil {
		return nil, err
	}
	if profile.CanonicalID == nil {
		return nil, apierr.Newf(apierr.KindNotFound, "profile %s has no canonical identity", profile.ID)
	}

	node, err := s.identifierRepo.GetByID(ctx, nil, *profile.CanonicalID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.Newf(apierr.KindNotFound, "canonical identifier %s not found", *profile.CanonicalID)
		}
		return nil, err
	}
	return &CanonicalIdentity{
		ProfileID:    profile.ID,
		IdentifierID: node.ID,
		Type:         node.Type,
		Hash:         node.Hash,
		PriorityRank: node.PriorityRank,
		Verified:     node.Verified,
	}, nil
}

func (s *profileService) IdentityGraph(ctx context.Context, id uuid.UUID) (*IdentityGraph, error) {
	profile, _, err := s.resolveLive(ctx, id)
	if err != nil {
		return nil, err
	}

	nodes, err := s.identifierRepo.GetByProfileID(ctx, nil, profile.ID)
	if err != nil {
		return nil, err
	}
	nodeIDs := make([]uuid.UUID, 0, len(nodes))
	for _, n := range nodes {
		nodeIDs = append(nodeIDs, n.ID)
	}

	edges, err := s.linkRepo.GetForIdentifiers(ctx, nil, nodeIDs)
	if err != nil {
		return nil, err
	}
	return &IdentityGraph{ProfileID: profile.ID, Nodes: nodes, Edges: edges}, nil
}

func (s *profileService) Search(ctx context.Context, filter repos.ProfileSearchFilter) (*ProfileSearchResult, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	profiles, total, err := s.profileRepo.Search(ctx, nil, filter)
	if err != nil {
		s.log.Warn("Search failed", "error", err)
		return nil, err
	}
	return &ProfileSearchResult{Profiles: profiles, Total: total}, nil
}

func (s *profileService) ExportCSV(ctx context.Context, filter repos.ProfileSearchFilter) ([]byte, error) {
	if filter.Limit <= 0 || filter.Limit > 10000 {
		filter.Limit = 10000
	}
	profiles, _, err := s.profileRepo.Search(ctx, nil, filter)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "lifecycle_stage", "first_seen_at", "last_seen_at", "total_events", "total_sessions", "total_purchases", "total_revenue"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, p := range profiles {
		row := []string{
			p.ID.String(),
			p.LifecycleStage,
			p.FirstSeenAt.UTC().Format("2006-01-02T15:04:05Z"),
			p.LastSeenAt.UTC().Format("2006-01-02T15:04:05Z"),
			strconv.FormatInt(p.TotalEvents, 10),
			strconv.FormatInt(p.TotalSessions, 10),
			strconv.FormatInt(p.TotalPurchases, 10),
			fmt.Sprintf("%.2f", p.TotalRevenue),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// resolveLive loads a profile and follows merged_into redirects to the
// surviving profile. Chains are path-compressed to depth one at merge time;
// the hop bound is a guard against data damaged outside this service.
func (s *profileService) resolveLive(ctx context.Context, id uuid.UUID) (*types.Profile, bool, error) {
	if id == uuid.Nil {
		return nil, false, apierr.New(apierr.KindInvalidArgument, "missing profile id")
	}

	current := id
	for hop := 0; hop <= s.maxRedirectHops; hop++ {
		profile, err := s.profileRepo.GetByID(ctx, nil, current)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, false, apierr.Newf(apierr.KindNotFound, "profile %s not found", current)
			}
			return nil, false, err
		}
		if profile.MergedInto == nil {
			return profile, current != id, nil
		}
		current = *profile.MergedInto
	}
	return nil, false, apierr.Newf(apierr.KindAlreadyMerged, "merge redirection exceeded %d hops from profile %s", s.maxRedirectHops, id)
}
