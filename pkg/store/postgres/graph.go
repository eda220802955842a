package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// maxTraversalDepth is the hard cap on graph traversal. The retrieval core
// never needs more than two hops; deeper walks explode the evidence set.
const maxTraversalDepth = 2

// GraphNeighbors implements [store.Store]. It performs a breadth-first
// traversal from nodeID up to depth hops using a recursive CTE, tracking
// visited ids in a Postgres bigint array so cycles terminate and each node
// is reported once at its shallowest depth.
func (s *Store) GraphNeighbors(ctx context.Context, nodeID int64, relations []string, depth int) ([]store.Neighbor, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > maxTraversalDepth {
		depth = maxTraversalDepth
	}

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	startArg := next(nodeID)
	depthArg := next(depth)

	relFilter := ""
	if len(relations) > 0 {
		relFilter = "\n           AND e.relation = ANY(" + next(relations) + "::text[])"
	}

	q := fmt.Sprintf(`
		WITH RECURSIVE reachable AS (
		    SELECT n.id,
		           ARRAY[n.id]          AS visited,
		           0                    AS depth,
		           NULL::bigint         AS via_source,
		           NULL::text           AS via_relation
		    FROM   kg_nodes n
		    WHERE  n.id = %s

		    UNION ALL

		    SELECT e.target_id,
		           r.visited || e.target_id,
		           r.depth + 1,
		           e.source_id,
		           e.relation
		    FROM   reachable r
		    JOIN   kg_edges  e ON e.source_id = r.id
		    WHERE  r.depth < %s
		      AND  NOT (e.target_id = ANY(r.visited))%s
		)
		SELECT DISTINCT ON (n.id)
		       n.id, n.type, n.entity_id, n.name, n.properties, n.created_at, n.updated_at,
		       e.source_id, e.target_id, e.relation, e.weight, e.properties, e.created_at,
		       rc.depth
		FROM   reachable rc
		JOIN   kg_nodes  n ON n.id = rc.id
		JOIN   kg_edges  e ON e.source_id = rc.via_source
		                  AND e.target_id = rc.id
		                  AND e.relation  = rc.via_relation
		WHERE  rc.depth > 0
		ORDER  BY n.id, rc.depth`, startArg, depthArg, relFilter)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, storeErr("graph neighbors", err)
	}

	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Neighbor, error) {
		var (
			nb        store.Neighbor
			nodeType  string
			nodeProps []byte
			edgeProps []byte
		)
		if err := row.Scan(
			&nb.Node.ID, &nodeType, &nb.Node.EntityID, &nb.Node.Name, &nodeProps,
			&nb.Node.CreatedAt, &nb.Node.UpdatedAt,
			&nb.Edge.SourceID, &nb.Edge.TargetID, &nb.Edge.Relation, &nb.Edge.Weight,
			&edgeProps, &nb.Edge.CreatedAt,
			&nb.Depth,
		); err != nil {
			return store.Neighbor{}, err
		}
		nb.Node.Type = store.NodeType(nodeType)
		if err := unmarshalProps(nodeProps, &nb.Node.Properties); err != nil {
			return store.Neighbor{}, fmt.Errorf("unmarshal node properties: %w", err)
		}
		if err := unmarshalProps(edgeProps, &nb.Edge.Properties); err != nil {
			return store.Neighbor{}, fmt.Errorf("unmarshal edge properties: %w", err)
		}
		return nb, nil
	})
	if err != nil {
		return nil, storeErr("graph neighbors: scan", err)
	}
	if result == nil {
		result = []store.Neighbor{}
	}
	return result, nil
}

// SearchGraphByName implements [store.Store] with a case-insensitive
// substring match on the node name.
func (s *Store) SearchGraphByName(ctx context.Context, query string) ([]store.Node, error) {
	if query == "" {
		return []store.Node{}, nil
	}

	const q = `
		SELECT id, type, entity_id, name, properties, created_at, updated_at
		FROM   kg_nodes
		WHERE  name ILIKE $1
		ORDER  BY name
		LIMIT  20`

	rows, err := s.pool.Query(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, storeErr("search graph by name", err)
	}
	result, err := collectNodes(rows)
	if err != nil {
		return nil, storeErr("search graph by name", err)
	}
	return result, nil
}

// collectNodes scans pgx rows into Node values.
func collectNodes(rows pgx.Rows) ([]store.Node, error) {
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Node, error) {
		var (
			n        store.Node
			nodeType string
			props    []byte
		)
		if err := row.Scan(&n.ID, &nodeType, &n.EntityID, &n.Name, &props, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return store.Node{}, err
		}
		n.Type = store.NodeType(nodeType)
		if err := unmarshalProps(props, &n.Properties); err != nil {
			return store.Node{}, fmt.Errorf("unmarshal node properties: %w", err)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []store.Node{}
	}
	return nodes, nil
}

func unmarshalProps(raw []byte, dst *map[string]any) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return err
		}
	}
	if *dst == nil {
		*dst = map[string]any{}
	}
	return nil
}
