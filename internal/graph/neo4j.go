package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/grclabs/grcradar/internal/schema"
)

// embeddingProp is the node property holding the text-embedding vector.
const embeddingProp = "description_embedding"

// Neo4jStore implements Store against a Neo4j database.
// All writes use idempotent MERGE so duplicate or re-ordered change
// events converge; labels come from the closed tracked schema, never
// from caller input, so interpolating them into Cypher is safe.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	schema   *schema.Schema
	logger   *slog.Logger
	database string
}

// NewNeo4jStore creates a Neo4j-backed mirror store and verifies
// connectivity so misconfiguration fails at startup, not first write.
func NewNeo4jStore(ctx context.Context, uri, user, password, database string, sch *schema.Schema) (*Neo4jStore, error) {
	if uri == "" || user == "" || password == "" {
		return nil, fmt.Errorf("neo4j credentials missing: uri=%s, user=%s", uri, user)
	}

	driver, err := neo4j.NewDriverWithContext(uri,
		neo4j.BasicAuth(user, password, ""),
		func(config *neo4j.Config) {
			config.MaxConnectionPoolSize = 50
			config.ConnectionAcquisitionTimeout = 60 * time.Second
			config.MaxConnectionLifetime = 3600 * time.Second
			config.SocketConnectTimeout = 5 * time.Second
			config.SocketKeepalive = true
		})
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j at %s: %w", uri, err)
	}

	logger := slog.Default().With("component", "graph")
	logger.Info("neo4j mirror store connected", "uri", uri, "database", database)

	return &Neo4jStore{
		driver:   driver,
		schema:   sch,
		logger:   logger,
		database: database,
	}, nil
}

// Close closes the Neo4j driver connection
func (s *Neo4jStore) Close(ctx context.Context) error {
	if err := s.driver.Close(ctx); err != nil {
		return fmt.Errorf("failed to close neo4j driver: %w", err)
	}
	return nil
}

// HealthCheck verifies Neo4j connectivity. Used by the API health endpoint.
func (s *Neo4jStore) HealthCheck(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j health check failed: %w", err)
	}
	return nil
}

func (s *Neo4jStore) checkLabel(nt schema.NodeType) error {
	if !s.schema.TracksNode(nt) {
		return fmt.Errorf("untracked node type %q", nt)
	}
	return nil
}

func (s *Neo4jStore) checkRelation(kind schema.RelationKind) error {
	if !s.schema.TracksRelation(kind) {
		return fmt.Errorf("untracked relation kind %q", kind)
	}
	return nil
}

func (s *Neo4jStore) run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, s.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database))
}

// UpsertNode creates or overwrites a mirrored node with MERGE semantics
func (s *Neo4jStore) UpsertNode(ctx context.Context, ref NodeRef, props map[string]any) error {
	if err := s.checkLabel(ref.Type); err != nil {
		return err
	}

	// SET n += keeps properties not present in the event (notably the
	// embedding) while overwriting every mirrored scalar.
	query := fmt.Sprintf(`
		MERGE (n:%s {uid: $uid})
		SET n += $props
		RETURN n.uid AS uid
	`, ref.Type)

	if props == nil {
		props = map[string]any{}
	}
	if _, err := s.run(ctx, query, map[string]any{"uid": ref.ID, "props": props}); err != nil {
		return fmt.Errorf("upsert %s %s: %w", ref.Type, ref.ID, err)
	}

	s.logger.Debug("node upserted", "type", ref.Type, "uid", ref.ID)
	return nil
}

// DeleteNode removes the node and its incident edges; absent nodes are a no-op
func (s *Neo4jStore) DeleteNode(ctx context.Context, ref NodeRef) error {
	if err := s.checkLabel(ref.Type); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		MATCH (n:%s {uid: $uid})
		DETACH DELETE n
	`, ref.Type)

	if _, err := s.run(ctx, query, map[string]any{"uid": ref.ID}); err != nil {
		return fmt.Errorf("delete %s %s: %w", ref.Type, ref.ID, err)
	}

	s.logger.Debug("node deleted", "type", ref.Type, "uid", ref.ID)
	return nil
}

// MergeEdge ensures the edge exists between two already-mirrored nodes
func (s *Neo4jStore) MergeEdge(ctx context.Context, kind schema.RelationKind, from, to NodeRef) error {
	if err := s.checkRelation(kind); err != nil {
		return err
	}
	if _, ok := s.schema.EdgeTypeFor(from.Type, kind, to.Type); !ok {
		return fmt.Errorf("untracked edge type %s-[%s]->%s", from.Type, kind, to.Type)
	}

	query := fmt.Sprintf(`
		MATCH (a:%s {uid: $from})
		MATCH (b:%s {uid: $to})
		MERGE (a)-[r:%s]->(b)
		RETURN a.uid AS uid
	`, from.Type, to.Type, kind)

	result, err := s.run(ctx, query, map[string]any{"from": from.ID, "to": to.ID})
	if err != nil {
		return fmt.Errorf("merge edge %s %s->%s: %w", kind, from.ID, to.ID, err)
	}
	if len(result.Records) == 0 {
		// One or both endpoints have not been mirrored yet.
		return fmt.Errorf("merge edge %s %s->%s: %w", kind, from.ID, to.ID, ErrNodeMissing)
	}

	return nil
}

// DeleteEdge removes the edge if present
func (s *Neo4jStore) DeleteEdge(ctx context.Context, kind schema.RelationKind, from, to NodeRef) error {
	if err := s.checkRelation(kind); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		MATCH (a:%s {uid: $from})-[r:%s]->(b:%s {uid: $to})
		DELETE r
	`, from.Type, kind, to.Type)

	if _, err := s.run(ctx, query, map[string]any{"from": from.ID, "to": to.ID}); err != nil {
		return fmt.Errorf("delete edge %s %s->%s: %w", kind, from.ID, to.ID, err)
	}
	return nil
}

// SetEmbedding attaches the computed vector to an existing node
func (s *Neo4jStore) SetEmbedding(ctx context.Context, ref NodeRef, vec []float32) error {
	if err := s.checkLabel(ref.Type); err != nil {
		return err
	}

	// Neo4j stores the vector as a float list property.
	values := make([]any, len(vec))
	for i, v := range vec {
		values[i] = float64(v)
	}

	query := fmt.Sprintf(`
		MATCH (n:%s {uid: $uid})
		SET n.%s = $vec
		RETURN n.uid AS uid
	`, ref.Type, embeddingProp)

	result, err := s.run(ctx, query, map[string]any{"uid": ref.ID, "vec": values})
	if err != nil {
		return fmt.Errorf("set embedding %s %s: %w", ref.Type, ref.ID, err)
	}
	if len(result.Records) == 0 {
		return fmt.Errorf("set embedding %s %s: %w", ref.Type, ref.ID, ErrNodeMissing)
	}

	s.logger.Debug("embedding attached", "type", ref.Type, "uid", ref.ID, "dims", len(vec))
	return nil
}

// FetchNodes returns every mirrored node of the given types
func (s *Neo4jStore) FetchNodes(ctx context.Context, types []schema.NodeType) ([]Node, error) {
	labels := make([]string, 0, len(types))
	for _, nt := range types {
		if err := s.checkLabel(nt); err != nil {
			return nil, err
		}
		labels = append(labels, string(nt))
	}

	query := `
		MATCH (n)
		WHERE any(l IN labels(n) WHERE l IN $labels)
		RETURN labels(n)[0] AS type, n.uid AS uid, properties(n) AS props
	`

	result, err := s.run(ctx, query, map[string]any{"labels": labels})
	if err != nil {
		return nil, fmt.Errorf("fetch nodes: %w", err)
	}

	nodes := make([]Node, 0, len(result.Records))
	for _, record := range result.Records {
		ntype, _ := record.Get("type")
		uid, _ := record.Get("uid")
		rawProps, _ := record.Get("props")

		typeStr, ok := ntype.(string)
		if !ok {
			continue
		}
		uidStr, ok := uid.(string)
		if !ok || uidStr == "" {
			continue
		}

		node := Node{
			Ref:   NodeRef{Type: schema.NodeType(typeStr), ID: uidStr},
			Props: map[string]any{},
		}
		if props, ok := rawProps.(map[string]any); ok {
			for k, v := range props {
				if k == embeddingProp {
					node.Embedding = toFloat32Slice(v)
					continue
				}
				node.Props[k] = v
			}
		}
		delete(node.Props, "uid")
		nodes = append(nodes, node)
	}

	return nodes, nil
}

// FetchEdges returns every tracked edge of the given relation kinds
func (s *Neo4jStore) FetchEdges(ctx context.Context, kinds []schema.RelationKind) ([]Edge, error) {
	kindStrs := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		if err := s.checkRelation(kind); err != nil {
			return nil, err
		}
		kindStrs = append(kindStrs, string(kind))
	}

	query := `
		MATCH (a)-[r]->(b)
		WHERE type(r) IN $kinds
		RETURN labels(a)[0] AS src_type, a.uid AS src_id,
		       type(r) AS kind,
		       labels(b)[0] AS dst_type, b.uid AS dst_id
	`

	result, err := s.run(ctx, query, map[string]any{"kinds": kindStrs})
	if err != nil {
		return nil, fmt.Errorf("fetch edges: %w", err)
	}

	edges := make([]Edge, 0, len(result.Records))
	for _, record := range result.Records {
		srcType, _ := record.Get("src_type")
		srcID, _ := record.Get("src_id")
		kind, _ := record.Get("kind")
		dstType, _ := record.Get("dst_type")
		dstID, _ := record.Get("dst_id")

		st, ok1 := srcType.(string)
		si, ok2 := srcID.(string)
		k, ok3 := kind.(string)
		dt, ok4 := dstType.(string)
		di, ok5 := dstID.(string)
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
			continue
		}

		edges = append(edges, Edge{
			Kind: schema.RelationKind(k),
			From: NodeRef{Type: schema.NodeType(st), ID: si},
			To:   NodeRef{Type: schema.NodeType(dt), ID: di},
		})
	}

	return edges, nil
}

// toFloat32Slice converts a Neo4j list property to an embedding vector.
// Anything malformed yields nil; the loader zero-fills downstream.
func toFloat32Slice(v any) []float32 {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	vec := make([]float32, 0, len(list))
	for _, item := range list {
		switch f := item.(type) {
		case float64:
			vec = append(vec, float32(f))
		case int64:
			vec = append(vec, float32(f))
		default:
			return nil
		}
	}
	return vec
}
