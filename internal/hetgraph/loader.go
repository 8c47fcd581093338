package hetgraph

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/grclabs/grcradar/internal/graph"
	"github.com/grclabs/grcradar/internal/schema"
)

// Loader materializes snapshots from a graph store. Each node's feature
// row is its text embedding followed by one normalized risk slot, so
// FeatureDim is always embedding dimension + 1.
type Loader struct {
	store    graph.Store
	schema   *schema.Schema
	embedDim int
	maxRisk  float64
	logger   *logrus.Logger
}

// NewLoader creates a loader. maxRisk is the score that normalizes to
// 1.0 in the risk feature slot.
func NewLoader(store graph.Store, sch *schema.Schema, embedDim int, maxRisk float64, logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loader{store: store, schema: sch, embedDim: embedDim, maxRisk: maxRisk, logger: logger}
}

// Load reads the full mirror into a snapshot. Nodes missing an
// embedding get a zero-filled feature row rather than an error; edges
// whose endpoints are not in the snapshot are dropped with a warning.
// Returns ErrNoEdges when the mirror holds no tracked relationships.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	nodes, err := l.store.FetchNodes(ctx, l.schema.NodeTypes)
	if err != nil {
		return nil, fmt.Errorf("fetch nodes: %w", err)
	}

	snap := &Snapshot{
		Schema:     l.schema,
		Nodes:      make(map[schema.NodeType][]NodeEntry),
		Features:   make(map[schema.NodeType][][]float32),
		Edges:      make(map[schema.EdgeType][]EdgeIndex),
		FeatureDim: l.embedDim + 1,
	}

	index := make(map[graph.NodeRef]int, len(nodes))
	for _, n := range nodes {
		idx := len(snap.Nodes[n.Ref.Type])
		index[n.Ref] = idx
		snap.Nodes[n.Ref.Type] = append(snap.Nodes[n.Ref.Type], NodeEntry{ID: n.Ref.ID, Props: n.Props})
		snap.Features[n.Ref.Type] = append(snap.Features[n.Ref.Type], l.featureRow(n))
	}

	edges, err := l.store.FetchEdges(ctx, l.schema.RelationKinds())
	if err != nil {
		return nil, fmt.Errorf("fetch edges: %w", err)
	}

	for _, e := range edges {
		et, ok := l.schema.EdgeTypeFor(e.From.Type, e.Kind, e.To.Type)
		if !ok {
			continue
		}
		src, okSrc := index[e.From]
		dst, okDst := index[e.To]
		if !okSrc || !okDst {
			l.logger.WithFields(logrus.Fields{
				"edge_type": et.String(),
				"from":      e.From.ID,
				"to":        e.To.ID,
			}).Warn("Dropping edge with missing endpoint")
			continue
		}
		snap.Edges[et] = append(snap.Edges[et], EdgeIndex{Source: src, Target: dst})
	}

	if snap.EdgeCount() == 0 {
		return nil, ErrNoEdges
	}

	l.logger.WithFields(logrus.Fields{
		"nodes": len(nodes),
		"edges": snap.EdgeCount(),
	}).Debug("Snapshot loaded")
	return snap, nil
}

// featureRow builds [embedding..., riskScore/maxRisk]. Only embeddings
// of exactly the configured dimension are used; absent or wrong-sized
// ones zero-fill so a malformed vector never reaches the scorer.
func (l *Loader) featureRow(n graph.Node) []float32 {
	row := make([]float32, l.embedDim+1)
	if len(n.Embedding) == l.embedDim {
		copy(row, n.Embedding)
	}
	if n.Ref.Type == schema.NodeRisk {
		row[l.embedDim] = float32(clamp01(riskScore(n.Props) / l.maxRisk))
	}
	return row
}

func riskScore(props map[string]any) float64 {
	switch v := props["risk_score"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
