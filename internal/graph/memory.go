package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/grclabs/grcradar/internal/schema"
)

type edgeKey struct {
	kind     schema.RelationKind
	from, to NodeRef
}

// MemoryStore is an in-process Store used in local mode and tests.
// Semantics match the Neo4j store: idempotent upserts, detach delete,
// edge merges that refuse to create endpoints.
type MemoryStore struct {
	mu     sync.RWMutex
	schema *schema.Schema
	nodes  map[NodeRef]*Node
	edges  map[edgeKey]struct{}
}

// NewMemoryStore creates an empty in-memory mirror store
func NewMemoryStore(sch *schema.Schema) *MemoryStore {
	return &MemoryStore{
		schema: sch,
		nodes:  make(map[NodeRef]*Node),
		edges:  make(map[edgeKey]struct{}),
	}
}

func (s *MemoryStore) UpsertNode(_ context.Context, ref NodeRef, props map[string]any) error {
	if !s.schema.TracksNode(ref.Type) {
		return fmt.Errorf("untracked node type %q", ref.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[ref]
	if !ok {
		node = &Node{Ref: ref, Props: map[string]any{}}
		s.nodes[ref] = node
	}
	// Last write wins on every mirrored scalar; the embedding survives.
	for k, v := range props {
		node.Props[k] = v
	}
	return nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, ref NodeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[ref]; !ok {
		return nil // double delete is a no-op
	}
	delete(s.nodes, ref)
	for key := range s.edges {
		if key.from == ref || key.to == ref {
			delete(s.edges, key)
		}
	}
	return nil
}

func (s *MemoryStore) MergeEdge(_ context.Context, kind schema.RelationKind, from, to NodeRef) error {
	if _, ok := s.schema.EdgeTypeFor(from.Type, kind, to.Type); !ok {
		return fmt.Errorf("untracked edge type %s-[%s]->%s", from.Type, kind, to.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[from]; !ok {
		return fmt.Errorf("merge edge %s %s->%s: %w", kind, from.ID, to.ID, ErrNodeMissing)
	}
	if _, ok := s.nodes[to]; !ok {
		return fmt.Errorf("merge edge %s %s->%s: %w", kind, from.ID, to.ID, ErrNodeMissing)
	}
	s.edges[edgeKey{kind: kind, from: from, to: to}] = struct{}{}
	return nil
}

func (s *MemoryStore) DeleteEdge(_ context.Context, kind schema.RelationKind, from, to NodeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.edges, edgeKey{kind: kind, from: from, to: to})
	return nil
}

func (s *MemoryStore) SetEmbedding(_ context.Context, ref NodeRef, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[ref]
	if !ok {
		return fmt.Errorf("set embedding %s %s: %w", ref.Type, ref.ID, ErrNodeMissing)
	}
	node.Embedding = append([]float32(nil), vec...)
	return nil
}

func (s *MemoryStore) FetchNodes(_ context.Context, types []schema.NodeType) ([]Node, error) {
	tracked := make(map[schema.NodeType]bool, len(types))
	for _, nt := range types {
		tracked[nt] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes []Node
	for ref, node := range s.nodes {
		if !tracked[ref.Type] {
			continue
		}
		copied := Node{Ref: ref, Props: make(map[string]any, len(node.Props))}
		for k, v := range node.Props {
			copied.Props[k] = v
		}
		if node.Embedding != nil {
			copied.Embedding = append([]float32(nil), node.Embedding...)
		}
		nodes = append(nodes, copied)
	}
	return nodes, nil
}

func (s *MemoryStore) FetchEdges(_ context.Context, kinds []schema.RelationKind) ([]Edge, error) {
	tracked := make(map[schema.RelationKind]bool, len(kinds))
	for _, kind := range kinds {
		tracked[kind] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var edges []Edge
	for key := range s.edges {
		if !tracked[key.kind] {
			continue
		}
		edges = append(edges, Edge{Kind: key.kind, From: key.from, To: key.to})
	}
	return edges, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
