// Package hetgraph loads read-only snapshots of the graph mirror in the
// typed, index-addressed form the scorer consumes.
package hetgraph

import (
	"errors"

	"github.com/grclabs/grcradar/internal/graph"
	"github.com/grclabs/grcradar/internal/schema"
)

// ErrNoEdges signals a mirror with nodes but no tracked relationships.
// Message passing over such a graph scores nothing useful, so loading
// fails structurally instead of producing a degenerate snapshot.
var ErrNoEdges = errors.New("graph snapshot has no edges")

// NodeEntry is one mirrored node in a snapshot, at a stable dense index
// within its type.
type NodeEntry struct {
	ID    string
	Props map[string]any
}

// EdgeIndex is a (source index, target index) pair local to the edge
// type's source and target node types.
type EdgeIndex struct {
	Source int
	Target int
}

// Snapshot is an immutable view of the mirror: per-type node lists with
// dense indices, per-type feature matrices, and edges bucketed by
// canonical type. The scorer never mutates a snapshot; concurrent reads
// are safe.
type Snapshot struct {
	Schema *schema.Schema

	// Nodes holds each type's entries; the slice position is the node's
	// dense index used everywhere else in the snapshot.
	Nodes map[schema.NodeType][]NodeEntry

	// Features holds one row per node, aligned with Nodes. Every row has
	// length FeatureDim regardless of node type.
	Features map[schema.NodeType][][]float32

	// Edges buckets index pairs by canonical edge type.
	Edges map[schema.EdgeType][]EdgeIndex

	FeatureDim int
}

// Count returns the number of nodes of the given type.
func (s *Snapshot) Count(nt schema.NodeType) int {
	return len(s.Nodes[nt])
}

// IndexOf resolves a node's dense index, or false when the snapshot
// does not contain it.
func (s *Snapshot) IndexOf(ref graph.NodeRef) (int, bool) {
	for i, n := range s.Nodes[ref.Type] {
		if n.ID == ref.ID {
			return i, true
		}
	}
	return 0, false
}

// EdgeCount returns the total number of edges across all buckets.
func (s *Snapshot) EdgeCount() int {
	total := 0
	for _, bucket := range s.Edges {
		total += len(bucket)
	}
	return total
}
