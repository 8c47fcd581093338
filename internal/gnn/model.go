// Package gnn scores candidate relationships over graph snapshots with
// a heterogeneous message-passing network. Weights are opaque: loaded
// from a file when provided, otherwise seeded deterministically.
// Training is out of scope.
package gnn

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/grclabs/grcradar/internal/hetgraph"
	"github.com/grclabs/grcradar/internal/schema"
)

const (
	// HiddenDim is the shared latent width all node types project into.
	HiddenDim = 128
	// LinkDim is the width of the link-scoring embeddings.
	LinkDim = 64
	// RiskClasses covers the mitigated-risk outcome classes low/medium/high.
	RiskClasses = 3
)

// linkTypes are the node types that participate in pairwise link
// scoring. Other types carry latents but no link head.
var linkTypes = []schema.NodeType{schema.NodePolicy, schema.NodeControl, schema.NodeRequirement}

// Model is a two-layer heterogeneous GNN with per-type input
// projections, per-relation message transforms, a risk classification
// head and per-type link-embedding heads.
type Model struct {
	schema   *schema.Schema
	inputDim int

	proj     map[schema.NodeType]*linear
	layers   [2]map[schema.RelationKind]*linear
	riskHide *linear
	riskOut  *linear
	linkProj map[schema.NodeType]*linear
}

// NewModel builds a model for the given schema and input feature
// dimension. The seed fixes every weight, so two models built with the
// same arguments score identically.
func NewModel(sch *schema.Schema, inputDim int, seed int64) *Model {
	rng := rand.New(rand.NewSource(seed))

	m := &Model{
		schema:   sch,
		inputDim: inputDim,
		proj:     make(map[schema.NodeType]*linear, len(sch.NodeTypes)),
		linkProj: make(map[schema.NodeType]*linear, len(linkTypes)),
	}
	for _, nt := range sch.NodeTypes {
		m.proj[nt] = newLinear(inputDim, HiddenDim, rng)
	}
	for i := range m.layers {
		m.layers[i] = make(map[schema.RelationKind]*linear)
		for _, kind := range sch.RelationKinds() {
			m.layers[i][kind] = newLinear(HiddenDim, HiddenDim, rng)
		}
	}
	m.riskHide = newLinear(HiddenDim, LinkDim, rng)
	m.riskOut = newLinear(LinkDim, RiskClasses, rng)
	for _, nt := range linkTypes {
		if sch.TracksNode(nt) {
			m.linkProj[nt] = newLinear(HiddenDim, LinkDim, rng)
		}
	}
	return m
}

// Activations holds one forward pass over a snapshot. Rows align with
// the snapshot's dense indices.
type Activations struct {
	// Latent is the shared-space embedding per node after message passing.
	Latent map[schema.NodeType][][]float32
	// Link is the link-scoring embedding for the types that have a link head.
	Link map[schema.NodeType][][]float32
	// RiskLogits is one row of class logits per Risk node.
	RiskLogits [][]float32
}

// Forward runs the full pass: project, two message-passing rounds, then
// both output heads. The snapshot is read-only throughout.
func (m *Model) Forward(snap *hetgraph.Snapshot) (*Activations, error) {
	if snap.FeatureDim != m.inputDim {
		return nil, fmt.Errorf("feature dimension %d does not match model input %d", snap.FeatureDim, m.inputDim)
	}

	h := make(map[schema.NodeType][][]float32, len(m.proj))
	for nt, rows := range snap.Features {
		projected := make([][]float32, len(rows))
		for i, row := range rows {
			v := m.proj[nt].apply(row)
			reluInPlace(v)
			projected[i] = v
		}
		h[nt] = projected
	}

	for _, layer := range m.layers {
		h = m.propagate(snap, layer, h)
	}

	act := &Activations{
		Latent: h,
		Link:   make(map[schema.NodeType][][]float32, len(m.linkProj)),
	}
	for nt, head := range m.linkProj {
		rows := h[nt]
		link := make([][]float32, len(rows))
		for i, row := range rows {
			link[i] = head.apply(row)
		}
		act.Link[nt] = link
	}
	for _, row := range h[schema.NodeRisk] {
		hidden := m.riskHide.apply(row)
		reluInPlace(hidden)
		act.RiskLogits = append(act.RiskLogits, m.riskOut.apply(hidden))
	}
	return act, nil
}

// propagate runs one message-passing round: per-relation transforms on
// source latents, summed at each destination, then a nonlinearity.
// Types that receive no messages keep their previous latent so every
// node still has one after the round.
func (m *Model) propagate(snap *hetgraph.Snapshot, layer map[schema.RelationKind]*linear, h map[schema.NodeType][][]float32) map[schema.NodeType][][]float32 {
	sums := make(map[schema.NodeType][][]float32)
	for et, bucket := range snap.Edges {
		transform := layer[et.Relation]
		if sums[et.Target] == nil {
			sums[et.Target] = zeroRows(len(h[et.Target]))
		}
		for _, e := range bucket {
			msg := transform.apply(h[et.Source][e.Source])
			addInto(sums[et.Target][e.Target], msg)
		}
	}

	next := make(map[schema.NodeType][][]float32, len(h))
	for nt, rows := range h {
		if agg, ok := sums[nt]; ok {
			for _, row := range agg {
				reluInPlace(row)
			}
			next[nt] = agg
		} else {
			next[nt] = rows
		}
	}
	return next
}

func zeroRows(n int) [][]float32 {
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = make([]float32, HiddenDim)
	}
	return rows
}

// PairScore returns the inner product of two link embeddings. Higher
// means the pair is a more plausible relationship. No normalization is
// applied; calibration happens downstream.
func (m *Model) PairScore(act *Activations, srcType schema.NodeType, srcIdx int, dstType schema.NodeType, dstIdx int) (float64, error) {
	src, ok := act.Link[srcType]
	if !ok {
		return 0, fmt.Errorf("node type %s has no link head", srcType)
	}
	dst, ok := act.Link[dstType]
	if !ok {
		return 0, fmt.Errorf("node type %s has no link head", dstType)
	}
	if srcIdx < 0 || srcIdx >= len(src) || dstIdx < 0 || dstIdx >= len(dst) {
		return 0, fmt.Errorf("link index out of range: %s[%d], %s[%d]", srcType, srcIdx, dstType, dstIdx)
	}
	return dot(src[srcIdx], dst[dstIdx]), nil
}

// RiskClassDistribution converts the risk logits into per-node
// probability rows ordered low, medium, high.
func RiskClassDistribution(act *Activations) [][]float32 {
	dists := make([][]float32, len(act.RiskLogits))
	for i, logits := range act.RiskLogits {
		dists[i] = softmax(logits)
	}
	return dists
}

// LayerWeights is one dense layer in the exchange format.
type LayerWeights struct {
	Weight [][]float32 `json:"weight"`
	Bias   []float32   `json:"bias"`
}

// Weights is the on-disk model parameter set. Projections and link
// projections key on node type, message layers on relation kind.
type Weights struct {
	Projections     map[string]LayerWeights   `json:"projections"`
	MessageLayers   []map[string]LayerWeights `json:"message_layers"`
	RiskHidden      LayerWeights              `json:"risk_hidden"`
	RiskOutput      LayerWeights              `json:"risk_output"`
	LinkProjections map[string]LayerWeights   `json:"link_projections"`
}

// LoadWeights reads a parameter file.
func LoadWeights(path string) (*Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights %s: %w", path, err)
	}
	var w Weights
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode weights %s: %w", path, err)
	}
	return &w, nil
}

// SetWeights replaces the model parameters. Every referenced layer must
// exist with matching shape; unreferenced layers keep their seeded
// values.
func (m *Model) SetWeights(w *Weights) error {
	for name, lw := range w.Projections {
		layer, ok := m.proj[schema.NodeType(name)]
		if !ok {
			return fmt.Errorf("projection for unknown node type %q", name)
		}
		if err := layer.load(lw.Weight, lw.Bias); err != nil {
			return fmt.Errorf("projection %s: %w", name, err)
		}
	}
	if len(w.MessageLayers) > len(m.layers) {
		return fmt.Errorf("got %d message layers, model has %d", len(w.MessageLayers), len(m.layers))
	}
	for i, layerWeights := range w.MessageLayers {
		for name, lw := range layerWeights {
			layer, ok := m.layers[i][schema.RelationKind(name)]
			if !ok {
				return fmt.Errorf("message layer %d: unknown relation %q", i, name)
			}
			if err := layer.load(lw.Weight, lw.Bias); err != nil {
				return fmt.Errorf("message layer %d relation %s: %w", i, name, err)
			}
		}
	}
	if w.RiskHidden.Weight != nil {
		if err := m.riskHide.load(w.RiskHidden.Weight, w.RiskHidden.Bias); err != nil {
			return fmt.Errorf("risk hidden layer: %w", err)
		}
	}
	if w.RiskOutput.Weight != nil {
		if err := m.riskOut.load(w.RiskOutput.Weight, w.RiskOutput.Bias); err != nil {
			return fmt.Errorf("risk output layer: %w", err)
		}
	}
	for name, lw := range w.LinkProjections {
		layer, ok := m.linkProj[schema.NodeType(name)]
		if !ok {
			return fmt.Errorf("link projection for unsupported node type %q", name)
		}
		if err := layer.load(lw.Weight, lw.Bias); err != nil {
			return fmt.Errorf("link projection %s: %w", name, err)
		}
	}
	return nil
}
