package models

import (
	"fmt"
	"time"

	"github.com/grclabs/grcradar/internal/schema"
)

// RecommendationKind tags the heuristic that surfaced a gap
type RecommendationKind string

const (
	RecommendationControlGap    RecommendationKind = "control_gap"
	RecommendationComplianceGap RecommendationKind = "compliance_gap"
)

// Priority represents the recommendation urgency tier
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// RecommendationStatus represents the recommendation lifecycle state
type RecommendationStatus string

const (
	RecommendationPending     RecommendationStatus = "pending"
	RecommendationImplemented RecommendationStatus = "implemented"
	RecommendationDismissed   RecommendationStatus = "dismissed"
)

// Recommendation is a generated gap-closure suggestion persisted to the
// relational store. Confidence is always within [0, 1]; Priority is
// derived from confidence, never set directly by callers.
type Recommendation struct {
	ID            string               `json:"id" db:"id"`
	Kind          RecommendationKind   `json:"recommendation_type" db:"recommendation_type"`
	EntityType    schema.NodeType      `json:"entity_type" db:"entity_type"`
	EntityID      string               `json:"entity_id" db:"entity_id"`
	Title         string               `json:"title" db:"title"`
	Description   string               `json:"description" db:"description"`
	Rationale     string               `json:"rationale" db:"rationale"`
	Confidence    float64              `json:"confidence_score" db:"confidence_score"`
	Priority      Priority             `json:"priority" db:"priority"`
	Status        RecommendationStatus `json:"status" db:"status"`
	CreatedBy     string               `json:"created_by" db:"created_by"`
	ImplementedBy string               `json:"implemented_by" db:"implemented_by"`
	CreatedAt     time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at" db:"updated_at"`
}

// AnalysisKind selects which heuristics an analysis run applies
type AnalysisKind string

const (
	// AnalysisComprehensive runs every gap heuristic
	AnalysisComprehensive AnalysisKind = "comprehensive"
	// AnalysisPatterns restricts the run to control-gap detection
	AnalysisPatterns AnalysisKind = "patterns"
	// AnalysisEmerging restricts the run to compliance-gap detection
	AnalysisEmerging AnalysisKind = "emerging"
)

// ParseAnalysisKind validates a client-supplied analysis kind.
// Anything outside the fixed enumeration is a client error.
func ParseAnalysisKind(s string) (AnalysisKind, error) {
	switch AnalysisKind(s) {
	case AnalysisComprehensive, AnalysisPatterns, AnalysisEmerging:
		return AnalysisKind(s), nil
	default:
		return "", fmt.Errorf("invalid analysis type %q", s)
	}
}

// AnalysisStatus represents the lifecycle of an analysis request
type AnalysisStatus string

const (
	AnalysisPending   AnalysisStatus = "pending"
	AnalysisCompleted AnalysisStatus = "completed"
	AnalysisFailed    AnalysisStatus = "failed"
)

// AnalysisResult is the payload stored in the result cache when an
// analysis job completes.
type AnalysisResult struct {
	Kind            AnalysisKind       `json:"analysis_type"`
	GeneratedAt     time.Time          `json:"generated_at"`
	Recommendations []Recommendation   `json:"recommendations"`
	// RiskOutlook maps Risk entity IDs to the scorer's predicted
	// mitigation-outcome class. Informational only.
	RiskOutlook map[string]string `json:"risk_outlook,omitempty"`
}

// AnalysisRequest tracks an in-flight or finished analysis, keyed by
// RequestID in the result cache. It transitions at most once out of
// pending and is evicted after the cache retention window.
type AnalysisRequest struct {
	RequestID   string          `json:"request_id"`
	TaskID      string          `json:"task_id"`
	Kind        AnalysisKind    `json:"analysis_type"`
	Status      AnalysisStatus  `json:"status"`
	Result      *AnalysisResult `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// PolicyGap is a relational heuristic row: a policy whose linked risks
// are severe but which covers no controls.
type PolicyGap struct {
	PolicyID      string  `db:"id"`
	Title         string  `db:"title"`
	AggregateRisk float64 `db:"aggregate_risk"`
}

// RequirementGap is a relational heuristic row: an open compliance
// requirement mapped to no policy.
type RequirementGap struct {
	RequirementID string `db:"id"`
	Code          string `db:"requirement_code"`
	Source        string `db:"source"`
	Status        string `db:"status"`
}
