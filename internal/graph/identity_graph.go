package graph

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/atlascdp/identity-backend/internal/types"
)

// MirrorIdentifier upserts a profile node, an identifier node, and the
// OWNS edge between them. Safe to call repeatedly; MERGE keys on the
// stable ids.
func MirrorIdentifier(ctx context.Context, client *Client, identifier *types.Identifier) error {
	if client == nil || client.Driver == nil {
		return nil
	}
	if identifier == nil || identifier.ID == uuid.Nil || identifier.ProfileID == uuid.Nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	ensureSchema(ctx, client, session)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (p:Profile {id: $profile_id})
SET p.synced_at = $synced_at
WITH p
MERGE (i:Identifier {id: $id})
SET i.type = $type,
    i.priority_rank = $priority_rank,
    i.verified = $verified,
    i.last_seen_at = $last_seen_at,
    i.synced_at = $synced_at
WITH p, i
OPTIONAL MATCH (:Profile)-[old:OWNS]->(i)
DELETE old
MERGE (p)-[e:OWNS]->(i)
SET e.synced_at = $synced_at
`, map[string]any{
			"profile_id":    identifier.ProfileID.String(),
			"id":            identifier.ID.String(),
			"type":          identifier.Type,
			"priority_rank": identifier.PriorityRank,
			"verified":      identifier.Verified,
			"last_seen_at":  identifier.LastSeenAt.UTC().Format(time.RFC3339Nano),
			"synced_at":     now,
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return err
}

// MirrorLink upserts the undirected LINKED_TO edge between two identifier
// nodes. The edge always travels from the smaller uuid to the larger one,
// mirroring the normalized pair in the relational store.
func MirrorLink(ctx context.Context, client *Client, link *types.IdentityLink) error {
	if client == nil || client.Driver == nil {
		return nil
	}
	if link == nil || link.SourceID == uuid.Nil || link.TargetID == uuid.Nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Identifier {id: $source_id})
MATCH (b:Identifier {id: $target_id})
MERGE (a)-[e:LINKED_TO]->(b)
SET e.link_type = $link_type,
    e.confidence = $confidence,
    e.observations = $observations,
    e.synced_at = $synced_at
`, map[string]any{
			"source_id":    link.SourceID.String(),
			"target_id":    link.TargetID.String(),
			"link_type":    link.LinkType,
			"confidence":   link.Confidence,
			"observations": link.Observations,
			"synced_at":    now,
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return err
}

// MirrorMerge repoints every OWNS edge from the source profile to the
// target and marks the source node tombstoned with a redirect.
func MirrorMerge(ctx context.Context, client *Client, sourceID, targetID uuid.UUID) error {
	if client == nil || client.Driver == nil {
		return nil
	}
	if sourceID == uuid.Nil || targetID == uuid.Nil || sourceID == targetID {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (src:Profile {id: $source_id})
MERGE (dst:Profile {id: $target_id})
SET src.merged_into = $target_id,
    src.synced_at = $synced_at,
    dst.synced_at = $synced_at
WITH src, dst
OPTIONAL MATCH (src)-[e:OWNS]->(i:Identifier)
DELETE e
WITH dst, collect(i) AS moved
UNWIND CASE WHEN size(moved) = 0 THEN [null] ELSE moved END AS i
WITH dst, i WHERE i IS NOT NULL
MERGE (dst)-[x:OWNS]->(i)
SET x.synced_at = $synced_at
`, map[string]any{
			"source_id": sourceID.String(),
			"target_id": targetID.String(),
			"synced_at": now,
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return err
}

// MirrorOwnership re-points OWNS edges for the given identifiers to the
// profile and clears its merged_into redirect. Used after a rollback
// restores a tombstoned profile.
func MirrorOwnership(ctx context.Context, client *Client, profileID uuid.UUID, identifierIDs []uuid.UUID) error {
	if client == nil || client.Driver == nil {
		return nil
	}
	if profileID == uuid.Nil || len(identifierIDs) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ids := make([]string, 0, len(identifierIDs))
	for _, id := range identifierIDs {
		ids = append(ids, id.String())
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (p:Profile {id: $profile_id})
REMOVE p.merged_into
SET p.synced_at = $synced_at
WITH p
UNWIND $identifier_ids AS iid
MATCH (i:Identifier {id: iid})
OPTIONAL MATCH (:Profile)-[old:OWNS]->(i)
DELETE old
MERGE (p)-[e:OWNS]->(i)
SET e.synced_at = $synced_at
`, map[string]any{
			"profile_id":     profileID.String(),
			"identifier_ids": ids,
			"synced_at":      now,
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return err
}

// ensureSchema creates the uniqueness constraints the mirror relies on.
// Best effort; failures are logged and the sync proceeds.
func ensureSchema(ctx context.Context, client *Client, session neo4j.SessionWithContext) {
	stmts := []string{
		`CREATE CONSTRAINT profile_id_unique IF NOT EXISTS FOR (p:Profile) REQUIRE p.id IS UNIQUE`,
		`CREATE CONSTRAINT identifier_id_unique IF NOT EXISTS FOR (i:Identifier) REQUIRE i.id IS UNIQUE`,
	}
	for _, q := range stmts {
		if res, err := session.Run(ctx, q, nil); err != nil {
			if client.log != nil {
				client.log.Warn("neo4j schema init failed (continuing)", "error", err)
			}
		} else {
			_, _ = res.Consume(ctx)
		}
	}
}
