package repository

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

// Neo4jGraph répond aux questions du graphe social : follows, blocks, mutes,
// blocages de domaine.
type Neo4jGraph struct {
	driver neo4j.DriverWithContext
}

var _ ports.RelationshipService = (*Neo4jGraph)(nil)

func NewNeo4jGraph(driver neo4j.DriverWithContext) *Neo4jGraph {
	return &Neo4jGraph{driver: driver}
}

// EnsureSchema crée les contraintes pour que les lookups par id soient O(1)
func (g *Neo4jGraph) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, q := range []string{
			`CREATE CONSTRAINT account_id_unique IF NOT EXISTS FOR (a:Account) REQUIRE a.id IS UNIQUE`,
			`CREATE CONSTRAINT domain_name_unique IF NOT EXISTS FOR (d:Domain) REQUIRE d.name IS UNIQUE`,
		} {
			if _, err := tx.Run(ctx, q, nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// StreamFollowers : la méthode pour le Fan-out. Seuls les followers locaux
// ont un feed à remplir.
func (g *Neo4jGraph) StreamFollowers(ctx context.Context, accountID int64, batchSize int, yield func([]int64) error) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	// Pas d'ExecuteRead : on veut streamer le résultat à la main
	query := `
		MATCH (u:Account {id: $accountId})<-[:FOLLOWS]-(f:Account)
		WHERE coalesce(f.local, false)
		RETURN f.id AS followerId
	`
	res, err := session.Run(ctx, query, map[string]any{"accountId": accountID})
	if err != nil {
		return err
	}

	batch := make([]int64, 0, batchSize)
	for res.Next(ctx) {
		id, _ := res.Record().Get("followerId")
		fid, ok := id.(int64)
		if !ok {
			continue
		}
		batch = append(batch, fid)

		if len(batch) >= batchSize {
			if err := yield(batch); err != nil {
				return err
			}
			batch = make([]int64, 0, batchSize)
		}
	}

	if len(batch) > 0 {
		if err := yield(batch); err != nil {
			return err
		}
	}
	return res.Err()
}

func (g *Neo4jGraph) FollowingIDs(ctx context.Context, accountID int64) ([]int64, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `MATCH (:Account {id: $accountId})-[:FOLLOWS]->(t:Account) RETURN t.id AS id`
		res, err := tx.Run(ctx, query, map[string]any{"accountId": accountID})
		if err != nil {
			return nil, err
		}
		var ids []int64
		for res.Next(ctx) {
			v, _ := res.Record().Get("id")
			if id, ok := v.(int64); ok {
				ids = append(ids, id)
			}
		}
		return ids, res.Err()
	})
	if err != nil {
		return nil, err
	}
	ids, _ := result.([]int64)
	return ids, nil
}

// Relations : une seule requête pour toutes les relations viewer -> cibles.
func (g *Neo4jGraph) Relations(ctx context.Context, viewerID int64, targetIDs []int64, domains []string) (*domain.Relations, error) {
	rel := domain.NewRelations(viewerID)
	if len(targetIDs) == 0 && len(domains) == 0 {
		return rel, nil
	}
	if targetIDs == nil {
		targetIDs = []int64{}
	}
	if domains == nil {
		domains = []string{}
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (v:Account {id: $viewerId})
			OPTIONAL MATCH (v)-[f:FOLLOWS]->(t:Account) WHERE t.id IN $targets
			WITH v, collect(CASE WHEN t IS NULL THEN null
			     ELSE {id: t.id, showReblogs: coalesce(f.show_reblogs, true), languages: coalesce(f.languages, [])} END) AS follows
			OPTIONAL MATCH (v)-[:BLOCKS]->(b:Account) WHERE b.id IN $targets
			WITH v, follows, collect(b.id) AS blocking
			OPTIONAL MATCH (v)<-[:BLOCKS]-(bb:Account) WHERE bb.id IN $targets
			WITH v, follows, blocking, collect(bb.id) AS blockedBy
			OPTIONAL MATCH (v)-[:MUTES]->(m:Account) WHERE m.id IN $targets
			WITH v, follows, blocking, blockedBy, collect(m.id) AS muting
			OPTIONAL MATCH (v)-[:BLOCKS_DOMAIN]->(d:Domain) WHERE d.name IN $domains
			RETURN follows, blocking, blockedBy, muting, collect(d.name) AS domainBlocks
		`
		res, err := tx.Run(ctx, query, map[string]any{
			"viewerId": viewerID,
			"targets":  targetIDs,
			"domains":  domains,
		})
		if err != nil {
			return nil, err
		}
		// Viewer absent du graphe : aucune relation
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		rec := res.Record()

		if v, ok := rec.Get("follows"); ok {
			for _, raw := range asSlice(v) {
				m, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				id, ok := m["id"].(int64)
				if !ok {
					continue
				}
				f := domain.Follow{ShowReblogs: true}
				if b, ok := m["showReblogs"].(bool); ok {
					f.ShowReblogs = b
				}
				for _, l := range asSlice(m["languages"]) {
					if s, ok := l.(string); ok {
						f.Languages = append(f.Languages, s)
					}
				}
				rel.Following[id] = f
			}
		}
		fillIDs(rec, "blocking", rel.Blocking)
		fillIDs(rec, "blockedBy", rel.BlockedBy)
		fillIDs(rec, "muting", rel.Muting)
		if v, ok := rec.Get("domainBlocks"); ok {
			for _, raw := range asSlice(v) {
				if s, ok := raw.(string); ok {
					rel.DomainBlocks[s] = true
				}
			}
		}
		return nil, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j relations for %d: %w", viewerID, err)
	}
	return rel, nil
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func fillIDs(rec *neo4j.Record, key string, into map[int64]bool) {
	v, ok := rec.Get(key)
	if !ok {
		return
	}
	for _, raw := range asSlice(v) {
		if id, ok := raw.(int64); ok {
			into[id] = true
		}
	}
}
