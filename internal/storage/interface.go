package storage

import (
	"context"
	"errors"

	"github.com/grclabs/grcradar/internal/models"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
)

// Store defines the relational storage interface
type Store interface {
	// Gap heuristics
	PoliciesWithoutControls(ctx context.Context, minRisk float64) ([]models.PolicyGap, error)
	UnmappedOpenRequirements(ctx context.Context) ([]models.RequirementGap, error)

	// Recommendation operations. SaveRecommendations writes the whole
	// batch in one transaction: either every record lands or none do.
	SaveRecommendations(ctx context.Context, recs []models.Recommendation) error
	ListRecommendations(ctx context.Context, status models.RecommendationStatus) ([]models.Recommendation, error)
	GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error)
	UpdateRecommendationStatus(ctx context.Context, id string, status models.RecommendationStatus, actor string) error

	// Close connection
	Close() error
}
