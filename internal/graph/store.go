package graph

import (
	"context"
	"errors"

	"github.com/grclabs/grcradar/internal/schema"
)

// Common errors
var (
	// ErrNodeMissing is returned when an operation targets a node the
	// mirror has not seen yet. For embedding writes this is usually a
	// race with the sync coordinator and is retryable.
	ErrNodeMissing = errors.New("graph node not found")
)

// NodeRef identifies a mirrored node by its (type, external id) pair.
// Exactly one node exists per pair; the id is the join key back to the
// relational store and is never reused across entities.
type NodeRef struct {
	Type schema.NodeType
	ID   string
}

// Node is a mirrored entity copy plus its computed embedding.
type Node struct {
	Ref   NodeRef
	Props map[string]any
	// Embedding is nil until an embedding job completes. Loaders must
	// zero-fill, not fail, when it is absent or undersized.
	Embedding []float32
}

// Edge is a typed, directed relationship between two mirrored nodes.
// Edges carry no independent version; they are rewritten wholesale when
// the owning relational object changes.
type Edge struct {
	Kind schema.RelationKind
	From NodeRef
	To   NodeRef
}

// Store is the graph mirror contract. The sync coordinator and the
// embedding jobs are the only writers; the snapshot loader only reads.
type Store interface {
	// UpsertNode creates or overwrites the node's scalar properties.
	// Last write wins; duplicate delivery must converge to the same state.
	UpsertNode(ctx context.Context, ref NodeRef, props map[string]any) error

	// DeleteNode removes the node and all incident edges. Deleting a
	// node that does not exist is a no-op.
	DeleteNode(ctx context.Context, ref NodeRef) error

	// MergeEdge ensures the edge exists. Returns ErrNodeMissing when
	// either endpoint is absent; it never creates endpoints defensively.
	MergeEdge(ctx context.Context, kind schema.RelationKind, from, to NodeRef) error

	// DeleteEdge removes the edge if present.
	DeleteEdge(ctx context.Context, kind schema.RelationKind, from, to NodeRef) error

	// SetEmbedding attaches a computed text embedding to the node.
	// Returns ErrNodeMissing when the node is not visible yet.
	SetEmbedding(ctx context.Context, ref NodeRef, vec []float32) error

	// FetchNodes returns all nodes restricted to the given types.
	FetchNodes(ctx context.Context, types []schema.NodeType) ([]Node, error)

	// FetchEdges returns all edges restricted to the given relation kinds.
	FetchEdges(ctx context.Context, kinds []schema.RelationKind) ([]Edge, error)

	Close(ctx context.Context) error
}
