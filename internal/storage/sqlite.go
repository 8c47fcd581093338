package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/grclabs/grcradar/internal/models"
)

// SQLiteStore implements storage using SQLite (for local/development)
type SQLiteStore struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewSQLiteStore creates a new SQLite storage
func NewSQLiteStore(path string, logger *logrus.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		category TEXT,
		version TEXT DEFAULT '1.0',
		status TEXT DEFAULT 'draft',
		created_at DATETIME,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS risks (
		id TEXT PRIMARY KEY,
		policy_id TEXT,
		title TEXT NOT NULL,
		description TEXT,
		category TEXT,
		likelihood INTEGER,
		impact INTEGER,
		risk_score REAL,
		status TEXT DEFAULT 'open',
		mitigation_plan TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		FOREIGN KEY (policy_id) REFERENCES policies(id)
	);

	CREATE TABLE IF NOT EXISTS controls (
		id TEXT PRIMARY KEY,
		control_code TEXT UNIQUE,
		title TEXT NOT NULL,
		description TEXT,
		category TEXT,
		control_type TEXT,
		status TEXT DEFAULT 'active',
		created_at DATETIME,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS policy_control_mappings (
		id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL,
		control_id TEXT NOT NULL,
		created_at DATETIME,
		UNIQUE (policy_id, control_id),
		FOREIGN KEY (policy_id) REFERENCES policies(id),
		FOREIGN KEY (control_id) REFERENCES controls(id)
	);

	CREATE TABLE IF NOT EXISTS compliance_requirements (
		id TEXT PRIMARY KEY,
		requirement_code TEXT UNIQUE,
		title TEXT,
		description TEXT,
		source TEXT,
		category TEXT,
		status TEXT DEFAULT 'pending',
		created_at DATETIME,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS regulation_mappings (
		id TEXT PRIMARY KEY,
		policy_id TEXT,
		requirement_id TEXT,
		mapping_confidence REAL DEFAULT 0.0,
		created_at DATETIME,
		UNIQUE (policy_id, requirement_id),
		FOREIGN KEY (policy_id) REFERENCES policies(id),
		FOREIGN KEY (requirement_id) REFERENCES compliance_requirements(id)
	);

	CREATE TABLE IF NOT EXISTS recommendations (
		id TEXT PRIMARY KEY,
		recommendation_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		rationale TEXT,
		confidence_score REAL DEFAULT 0.0,
		priority TEXT DEFAULT 'medium',
		status TEXT DEFAULT 'pending',
		created_by TEXT,
		implemented_by TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_risks_policy ON risks(policy_id);
	CREATE INDEX IF NOT EXISTS idx_recommendations_status ON recommendations(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Gap heuristics

func (s *SQLiteStore) PoliciesWithoutControls(ctx context.Context, minRisk float64) ([]models.PolicyGap, error) {
	query := `
		SELECT p.id, p.title, COALESCE(SUM(r.risk_score), 0) AS aggregate_risk
		FROM policies p
		JOIN risks r ON r.policy_id = p.id
		LEFT JOIN policy_control_mappings m ON m.policy_id = p.id
		WHERE m.id IS NULL
		GROUP BY p.id, p.title
		HAVING COALESCE(SUM(r.risk_score), 0) >= ?
		ORDER BY aggregate_risk DESC
	`

	var gaps []models.PolicyGap
	if err := s.db.SelectContext(ctx, &gaps, query, minRisk); err != nil {
		return nil, fmt.Errorf("query policies without controls: %w", err)
	}
	return gaps, nil
}

func (s *SQLiteStore) UnmappedOpenRequirements(ctx context.Context) ([]models.RequirementGap, error) {
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

func (s *SQLiteStore) SaveRecommendations(ctx context.Context, recs []models.Recommendation) error {
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
			rationale = excluded.rationale,
			confidence_score = excluded.confidence_score,
			priority = excluded.priority,
			updated_at = excluded.updated_at
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

func (s *SQLiteStore) ListRecommendations(ctx context.Context, status models.RecommendationStatus) ([]models.Recommendation, error) {
	var recs []models.Recommendation
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &recs,
			`SELECT * FROM recommendations ORDER BY confidence_score DESC, created_at DESC`)
	} else {
		err = s.db.SelectContext(ctx, &recs,
			`SELECT * FROM recommendations WHERE status = ? ORDER BY confidence_score DESC, created_at DESC`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	return recs, nil
}

func (s *SQLiteStore) GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error) {
	var rec models.Recommendation
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM recommendations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recommendation %s: %w", id, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) UpdateRecommendationStatus(ctx context.Context, id string, status models.RecommendationStatus, actor string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recommendations
		SET status = ?, implemented_by = ?, updated_at = ?
		WHERE id = ?
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
