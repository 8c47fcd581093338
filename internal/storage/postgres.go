package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/grclabs/grcradar/internal/models"
)

// PostgresStore implements storage using PostgreSQL. Schema management
// belongs to the owning GRC application; this store only reads the
// governance tables and writes recommendations.
type PostgresStore struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPostgresStore creates a new PostgreSQL storage
func NewPostgresStore(dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Gap heuristics

func (s *PostgresStore) PoliciesWithoutControls(ctx context.Context, minRisk float64) ([]models.PolicyGap, error) {
	query := `
		SELECT p.id, p.title, COALESCE(SUM(r.risk_score), 0) AS aggregate_risk
		FROM policies p
		JOIN risks r ON r.policy_id = p.id
		LEFT JOIN policy_control_mappings m ON m.policy_id = p.id
		WHERE m.id IS NULL
		GROUP BY p.id, p.title
		HAVING COALESCE(SUM(r.risk_score), 0) >= $1
		ORDER BY aggregate_risk DESC
	`

	var gaps []models.PolicyGap
	if err := s.db.SelectContext(ctx, &gaps, query, minRisk); err != nil {
		return nil, fmt.Errorf("query policies without controls: %w", err)
	}
	return gaps, nil
}

func (s *PostgresStore) UnmappedOpenRequirements(ctx context.Context) ([]models.RequirementGap, error) {
	query := `
		SELECT cr.id, cr.requirement_code, cr.source, cr.status
		FROM compliance_requirements cr
		LEFT JOIN regulation_mappings rm ON rm.requirement_id = cr.id
		WHERE rm.id IS NULL AND cr.status IN ('pending', 'in-progress')
		ORDER BY cr.requirement_code
	`

	var gaps []models.RequirementGap
	if err := s.db.SelectContext(ctx, &gaps, query); err != nil {
		return nil, fmt.Errorf("query unmapped requirements: %w", err)
	}
	return gaps, nil
}

// Recommendation operations

func (s *PostgresStore) SaveRecommendations(ctx context.Context, recs []models.Recommendation) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO recommendations (id, recommendation_type, entity_type, entity_id,
			title, description, rationale, confidence_score, priority, status,
			created_by, implemented_by, created_at, updated_at)
		VALUES (:id, :recommendation_type, :entity_type, :entity_id,
			:title, :description, :rationale, :confidence_score, :priority, :status,
			:created_by, :implemented_by, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			rationale = EXCLUDED.rationale,
			confidence_score = EXCLUDED.confidence_score,
			priority = EXCLUDED.priority,
			updated_at = EXCLUDED.updated_at
	`

	for _, rec := range recs {
		if _, err := tx.NamedExecContext(ctx, query, rec); err != nil {
			return fmt.Errorf("save recommendation %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recommendations: %w", err)
	}

	s.logger.WithField("count", len(recs)).Debug("Saved recommendations")
	return nil
}

func (s *PostgresStore) ListRecommendations(ctx context.Context, status models.RecommendationStatus) ([]models.Recommendation, error) {
	var recs []models.Recommendation
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &recs,
			`SELECT * FROM recommendations ORDER BY confidence_score DESC, created_at DESC`)
	} else {
		err = s.db.SelectContext(ctx, &recs,
			`SELECT * FROM recommendations WHERE status = $1 ORDER BY confidence_score DESC, created_at DESC`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error) {
	var rec models.Recommendation
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM recommendations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recommendation %s: %w", id, err)
	}
	return &rec, nil
}

func (s *PostgresStore) UpdateRecommendationStatus(ctx context.Context, id string, status models.RecommendationStatus, actor string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recommendations
		SET status = $1, implemented_by = $2, updated_at = $3
		WHERE id = $4
	`, status, actor, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update recommendation %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update recommendation %s: %w", id, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
