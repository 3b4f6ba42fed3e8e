package identity

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atlascdp/identity-backend/internal/types"
)

func ident(t string, verified bool, lastSeen time.Time, id byte) *types.Identifier {
	var u uuid.UUID
	u[15] = id
	return &types.Identifier{
		ID:           u,
		Type:         t,
		Hash:         "h-" + t + string(rune('a'+id)),
		PriorityRank: types.PriorityRank(t),
		Verified:     verified,
		LastSeenAt:   lastSeen,
	}
}

func TestCanonical(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name        string
		identifiers []*types.Identifier
		wantID      byte
	}{
		{
			name: "verified beats priority",
			identifiers: []*types.Identifier{
				ident(types.IdentifierEmail, false, base, 1),
				ident(types.IdentifierAnonymous, true, base, 2),
			},
			wantID: 2,
		},
		{
			name: "priority breaks verified tie",
			identifiers: []*types.Identifier{
				ident(types.IdentifierDevice, true, base, 1),
				ident(types.IdentifierEmail, true, base, 2),
				ident(types.IdentifierPhone, true, base, 3),
			},
			wantID: 2,
		},
		{
			name: "recency breaks priority tie",
			identifiers: []*types.Identifier{
				ident(types.IdentifierDevice, false, base, 1),
				ident(types.IdentifierDevice, false, base.Add(time.Hour), 2),
			},
			wantID: 2,
		},
		{
			name: "id bytes break full tie",
			identifiers: []*types.Identifier{
				ident(types.IdentifierDevice, false, base, 9),
				ident(types.IdentifierDevice, false, base, 3),
			},
			wantID: 3,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Canonical(tc.identifiers)
			if got == nil {
				t.Fatalf("Canonical() = nil, want identifier %d", tc.wantID)
			}
			if got.ID[15] != tc.wantID {
				t.Fatalf("Canonical() picked identifier %d, want %d", got.ID[15], tc.wantID)
			}
		})
	}
}

func TestCanonicalEmpty(t *testing.T) {
	if got := Canonical(nil); got != nil {
		t.Fatalf("Canonical(nil) = %v, want nil", got)
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	set := []*types.Identifier{
		ident(types.IdentifierAnonymous, false, base, 4),
		ident(types.IdentifierEmail, true, base, 7),
		ident(types.IdentifierPhone, true, base, 2),
		ident(types.IdentifierDevice, false, base.Add(time.Minute), 5),
	}

	first := Canonical(set)
	for i := 0; i < 20; i++ {
		// Rotate the slice so input order cannot influence the pick.
		set = append(set[1:], set[0])
		if got := Canonical(set); got.ID != first.ID {
			t.Fatalf("Canonical() unstable across input orderings: got %s, want %s", got.ID, first.ID)
		}
	}
	if first.Type != types.IdentifierEmail {
		t.Fatalf("Canonical() picked type %q, want %q", first.Type, types.IdentifierEmail)
	}
}
