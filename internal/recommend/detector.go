// Package recommend detects structural gaps in the GRC graph and turns
// them into persisted, ranked recommendations.
package recommend

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/grclabs/grcradar/internal/gnn"
	"github.com/grclabs/grcradar/internal/graph"
	"github.com/grclabs/grcradar/internal/hetgraph"
	"github.com/grclabs/grcradar/internal/models"
	"github.com/grclabs/grcradar/internal/schema"
	"github.com/grclabs/grcradar/internal/storage"
)

// Confidence bands per gap kind. Scored candidates are calibrated into
// the band; unscorable ones fall back to a deterministic point inside it.
const (
	controlBandLow     = 0.85
	controlBandHigh    = 0.95
	complianceBandLow  = 0.70
	complianceBandHigh = 0.85

	// rawScoreScale maps the unbounded inner product into (0, 1)
	// before the band mapping. Fixed, not learned.
	rawScoreScale = 0.1
)

var riskClassLabels = [gnn.RiskClasses]string{"low", "medium", "high"}

// Config carries the detector thresholds.
type Config struct {
	// RiskThreshold is the minimum aggregate linked-risk score for a
	// policy to count as a control gap.
	RiskThreshold float64
	// MaxRiskScore normalizes aggregate risk in the fallback confidence.
	MaxRiskScore float64

	// Priority tier cut-offs on calibrated confidence.
	CriticalThreshold float64
	HighThreshold     float64
	MediumThreshold   float64
}

// Detector runs the gap heuristics, scores candidates against the
// current graph snapshot and persists the resulting recommendations.
// It implements tasks.Analyzer.
type Detector struct {
	store  storage.Store
	loader *hetgraph.Loader
	model  *gnn.Model
	cfg    Config
	logger *logrus.Logger
}

// NewDetector creates a detector.
func NewDetector(store storage.Store, loader *hetgraph.Loader, model *gnn.Model, cfg Config, logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.New()
	}
	return &Detector{store: store, loader: loader, model: model, cfg: cfg, logger: logger}
}

// Analyze runs one analysis pass: load a snapshot, score it, apply the
// heuristics the kind selects, persist the batch and return the result.
// A snapshot without edges or a failed batch write fails the whole run.
func (d *Detector) Analyze(ctx context.Context, kind models.AnalysisKind) (*models.AnalysisResult, error) {
	snap, err := d.loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load graph snapshot: %w", err)
	}

	act, err := d.model.Forward(snap)
	if err != nil {
		return nil, fmt.Errorf("score graph snapshot: %w", err)
	}

	var recs []models.Recommendation
	if kind == models.AnalysisComprehensive || kind == models.AnalysisPatterns {
		controlRecs, err := d.controlGaps(ctx, snap, act)
		if err != nil {
			return nil, err
		}
		recs = append(recs, controlRecs...)
	}
	if kind == models.AnalysisComprehensive || kind == models.AnalysisEmerging {
		complianceRecs, err := d.complianceGaps(ctx, snap, act)
		if err != nil {
			return nil, err
		}
		recs = append(recs, complianceRecs...)
	}

	if err := d.store.SaveRecommendations(ctx, recs); err != nil {
		return nil, fmt.Errorf("persist recommendations: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"analysis_type":   kind,
		"recommendations": len(recs),
	}).Info("Analysis completed")

	return &models.AnalysisResult{
		Kind:            kind,
		GeneratedAt:     time.Now().UTC(),
		Recommendations: recs,
		RiskOutlook:     riskOutlook(snap, act),
	}, nil
}

// controlGaps flags high-risk policies with zero covering controls.
func (d *Detector) controlGaps(ctx context.Context, snap *hetgraph.Snapshot, act *gnn.Activations) ([]models.Recommendation, error) {
	gaps, err := d.store.PoliciesWithoutControls(ctx, d.cfg.RiskThreshold)
	if err != nil {
		return nil, fmt.Errorf("control gap query: %w", err)
	}

	recs := make([]models.Recommendation, 0, len(gaps))
	for _, gap := range gaps {
		confidence := d.controlConfidence(snap, act, gap)
		recs = append(recs, d.newRecommendation(
			models.RecommendationControlGap,
			schema.NodePolicy,
			gap.PolicyID,
			fmt.Sprintf("Implement Core Control for Policy: %s", truncate(gap.Title, 20)),
			fmt.Sprintf("High-risk areas covered by Policy '%s' lack active mitigating controls. Link prediction indicates a strong need for preventive controls.", gap.Title),
			fmt.Sprintf("Link prediction score of %.0f%% indicates a crucial link is missing between the high-risk policy and any defensive controls. The risks linked to this policy are still active.", confidence*100),
			confidence,
		))
	}
	return recs, nil
}

// complianceGaps flags open requirements mapped to no policy.
func (d *Detector) complianceGaps(ctx context.Context, snap *hetgraph.Snapshot, act *gnn.Activations) ([]models.Recommendation, error) {
	gaps, err := d.store.UnmappedOpenRequirements(ctx)
	if err != nil {
		return nil, fmt.Errorf("compliance gap query: %w", err)
	}

	recs := make([]models.Recommendation, 0, len(gaps))
	for _, gap := range gaps {
		confidence := d.complianceConfidence(snap, act, gap)
		recs = append(recs, d.newRecommendation(
			models.RecommendationComplianceGap,
			schema.NodeRequirement,
			gap.RequirementID,
			fmt.Sprintf("Map Uncovered Requirement: %s", gap.Code),
			fmt.Sprintf("Compliance requirement %s from %s is not mapped to any governance policy, posing a direct compliance gap.", gap.Code, gap.Source),
			fmt.Sprintf("Requirement text is semantically close to existing policy descriptions (%.0f%%), yet the graph holds no MAPS_TO link, indicating a data entry or review omission.", confidence*100),
			confidence,
		))
	}
	return recs, nil
}

func (d *Detector) newRecommendation(kind models.RecommendationKind, entityType schema.NodeType, entityID, title, description, rationale string, confidence float64) models.Recommendation {
	now := time.Now().UTC()
	return models.Recommendation{
		ID:          uuid.NewString(),
		Kind:        kind,
		EntityType:  entityType,
		EntityID:    entityID,
		Title:       title,
		Description: description,
		Rationale:   rationale,
		Confidence:  confidence,
		Priority:    d.priorityFor(confidence),
		Status:      models.RecommendationPending,
		CreatedBy:   "grcradar",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (d *Detector) priorityFor(confidence float64) models.Priority {
	switch {
	case confidence >= d.cfg.CriticalThreshold:
		return models.PriorityCritical
	case confidence >= d.cfg.HighThreshold:
		return models.PriorityHigh
	case confidence >= d.cfg.MediumThreshold:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// controlConfidence scores the policy against the Control type: the
// mean inner product over all control nodes, mapped into the control
// band. Policies the snapshot has not caught up with fall back to an
// aggregate-risk position in the same band.
func (d *Detector) controlConfidence(snap *hetgraph.Snapshot, act *gnn.Activations, gap models.PolicyGap) float64 {
	raw, ok := d.meanPairScore(snap, act,
		graph.NodeRef{Type: schema.NodePolicy, ID: gap.PolicyID}, schema.NodeControl)
	if !ok {
		frac := clamp01((gap.AggregateRisk - d.cfg.RiskThreshold) / d.cfg.MaxRiskScore)
		return controlBandLow + (controlBandHigh-controlBandLow)*frac
	}
	return controlBandLow + (controlBandHigh-controlBandLow)*squash(raw)
}

// complianceConfidence scores the requirement against the Policy type.
// Unscorable requirements fall back to a status-based position: the
// further from completion, the higher the confidence.
func (d *Detector) complianceConfidence(snap *hetgraph.Snapshot, act *gnn.Activations, gap models.RequirementGap) float64 {
	raw, ok := d.meanPairScore(snap, act,
		graph.NodeRef{Type: schema.NodeRequirement, ID: gap.RequirementID}, schema.NodePolicy)
	if !ok {
		frac := 1.0 / 3
		if gap.Status == "pending" {
			frac = 2.0 / 3
		}
		return complianceBandLow + (complianceBandHigh-complianceBandLow)*frac
	}
	return complianceBandLow + (complianceBandHigh-complianceBandLow)*squash(raw)
}

// meanPairScore averages the link score from src to every node of the
// destination type. Returns false when the source is missing from the
// snapshot or no destination nodes exist.
func (d *Detector) meanPairScore(snap *hetgraph.Snapshot, act *gnn.Activations, src graph.NodeRef, dstType schema.NodeType) (float64, bool) {
	srcIdx, ok := snap.IndexOf(src)
	if !ok || snap.Count(dstType) == 0 {
		return 0, false
	}

	var sum float64
	for i := 0; i < snap.Count(dstType); i++ {
		score, err := d.model.PairScore(act, src.Type, srcIdx, dstType, i)
		if err != nil {
			return 0, false
		}
		sum += score
	}
	return sum / float64(snap.Count(dstType)), true
}

// riskOutlook labels each risk node with its most likely mitigation
// outcome class.
func riskOutlook(snap *hetgraph.Snapshot, act *gnn.Activations) map[string]string {
	dists := gnn.RiskClassDistribution(act)
	if len(dists) == 0 {
		return nil
	}

	outlook := make(map[string]string, len(dists))
	for i, dist := range dists {
		best := 0
		for j, p := range dist {
			if p > dist[best] {
				best = j
			}
		}
		outlook[snap.Nodes[schema.NodeRisk][i].ID] = riskClassLabels[best]
	}
	return outlook
}

// squash maps an unbounded raw score into (0, 1) around 0.5.
func squash(raw float64) float64 {
	return clamp01(0.5 + rawScoreScale*raw)
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
