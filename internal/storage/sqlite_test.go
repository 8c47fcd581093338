package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/grclabs/grcradar/internal/models"
	"github.com/grclabs/grcradar/internal/schema"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "grc.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedPolicy(t *testing.T, s *SQLiteStore, id, title string) {
	t.Helper()
	_, err := s.db.Exec(`INSERT INTO policies (id, title, status) VALUES (?, ?, 'active')`, id, title)
	require.NoError(t, err)
}

func seedRisk(t *testing.T, s *SQLiteStore, policyID string, score float64) {
	t.Helper()
	_, err := s.db.Exec(`INSERT INTO risks (id, policy_id, title, risk_score) VALUES (?, ?, 'risk', ?)`,
		uuid.NewString(), policyID, score)
	require.NoError(t, err)
}

func mapControl(t *testing.T, s *SQLiteStore, policyID string) {
	t.Helper()
	controlID := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO controls (id, control_code, title) VALUES (?, ?, 'MFA')`, controlID, uuid.NewString())
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO policy_control_mappings (id, policy_id, control_id) VALUES (?, ?, ?)`,
		uuid.NewString(), policyID, controlID)
	require.NoError(t, err)
}

func seedRequirement(t *testing.T, s *SQLiteStore, code, status string, mapped bool) string {
	t.Helper()
	id := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO compliance_requirements (id, requirement_code, source, status) VALUES (?, ?, 'SOC2', ?)`,
		id, code, status)
	require.NoError(t, err)
	if mapped {
		policyID := uuid.NewString()
		seedPolicy(t, s, policyID, "mapped policy")
		_, err = s.db.Exec(`INSERT INTO regulation_mappings (id, policy_id, requirement_id) VALUES (?, ?, ?)`,
			uuid.NewString(), policyID, id)
		require.NoError(t, err)
	}
	return id
}

func TestPoliciesWithoutControls(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Uncovered, aggregate risk 20: flagged.
	seedPolicy(t, store, "p-hot", "Remote Access")
	seedRisk(t, store, "p-hot", 12)
	seedRisk(t, store, "p-hot", 8)

	// Same risk profile but covered by a control: not flagged.
	seedPolicy(t, store, "p-covered", "Data Retention")
	seedRisk(t, store, "p-covered", 20)
	mapControl(t, store, "p-covered")

	// Uncovered but below the threshold: not flagged.
	seedPolicy(t, store, "p-mild", "Office Plants")
	seedRisk(t, store, "p-mild", 5)

	gaps, err := store.PoliciesWithoutControls(ctx, 15)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, "p-hot", gaps[0].PolicyID)
	require.Equal(t, "Remote Access", gaps[0].Title)
	require.InDelta(t, 20.0, gaps[0].AggregateRisk, 1e-9)
}

func TestUnmappedOpenRequirements(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	wantID := seedRequirement(t, store, "CC6.1", "pending", false)
	seedRequirement(t, store, "CC6.2", "in-progress", true)
	seedRequirement(t, store, "CC6.3", "completed", false)

	gaps, err := store.UnmappedOpenRequirements(ctx)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, wantID, gaps[0].RequirementID)
	require.Equal(t, "CC6.1", gaps[0].Code)
	require.Equal(t, "SOC2", gaps[0].Source)
}

func testRecommendation(id string, confidence float64) models.Recommendation {
	now := time.Now().UTC()
	return models.Recommendation{
		ID:          id,
		Kind:        models.RecommendationControlGap,
		EntityType:  schema.NodePolicy,
		EntityID:    uuid.NewString(),
		Title:       "Implement Core Control",
		Description: "High-risk areas lack active mitigating controls.",
		Rationale:   "Link prediction indicates a crucial missing control link.",
		Confidence:  confidence,
		Priority:    models.PriorityCritical,
		Status:      models.RecommendationPending,
		CreatedBy:   "grcradar",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSaveAndListRecommendations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	recs := []models.Recommendation{
		testRecommendation("rec-1", 0.72),
		testRecommendation("rec-2", 0.91),
	}
	require.NoError(t, store.SaveRecommendations(ctx, recs))

	got, err := store.ListRecommendations(ctx, models.RecommendationPending)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Ranked by confidence, highest first.
	require.Equal(t, "rec-2", got[0].ID)
	require.Equal(t, "rec-1", got[1].ID)

	// Re-saving updates in place instead of duplicating.
	recs[0].Confidence = 0.95
	require.NoError(t, store.SaveRecommendations(ctx, recs))
	got, err = store.ListRecommendations(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "rec-1", got[0].ID)
	require.InDelta(t, 0.95, got[0].Confidence, 1e-9)
}

func TestUpdateRecommendationStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveRecommendations(ctx, []models.Recommendation{testRecommendation("rec-1", 0.8)}))
	require.NoError(t, store.UpdateRecommendationStatus(ctx, "rec-1", models.RecommendationImplemented, "user-7"))

	rec, err := store.GetRecommendation(ctx, "rec-1")
	require.NoError(t, err)
	require.Equal(t, models.RecommendationImplemented, rec.Status)
	require.Equal(t, "user-7", rec.ImplementedBy)

	err = store.UpdateRecommendationStatus(ctx, "rec-404", models.RecommendationDismissed, "")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetRecommendation(ctx, "rec-404")
	require.ErrorIs(t, err, ErrNotFound)
}
