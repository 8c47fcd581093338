package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/grclabs/grcradar/internal/graph"
	"github.com/grclabs/grcradar/internal/models"
	"github.com/grclabs/grcradar/internal/schema"
	"github.com/grclabs/grcradar/internal/storage"
	grcsync "github.com/grclabs/grcradar/internal/sync"
	"github.com/grclabs/grcradar/internal/tasks"
)

type stubAnalyzer struct {
	result *models.AnalysisResult
	err    error
}

func (a *stubAnalyzer) Analyze(context.Context, models.AnalysisKind) (*models.AnalysisResult, error) {
	return a.result, a.err
}

type stubStore struct {
	recs      []models.Recommendation
	updateErr error
}

func (s *stubStore) PoliciesWithoutControls(context.Context, float64) ([]models.PolicyGap, error) {
	return nil, nil
}

func (s *stubStore) UnmappedOpenRequirements(context.Context) ([]models.RequirementGap, error) {
	return nil, nil
}

func (s *stubStore) SaveRecommendations(context.Context, []models.Recommendation) error { return nil }

func (s *stubStore) ListRecommendations(context.Context, models.RecommendationStatus) ([]models.Recommendation, error) {
	return s.recs, nil
}

func (s *stubStore) GetRecommendation(_ context.Context, id string) (*models.Recommendation, error) {
	for i := range s.recs {
		if s.recs[i].ID == id {
			return &s.recs[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *stubStore) UpdateRecommendationStatus(_ context.Context, id string, status models.RecommendationStatus, actor string) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	for i := range s.recs {
		if s.recs[i].ID == id {
			s.recs[i].Status = status
			s.recs[i].ImplementedBy = actor
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *stubStore) Close() error { return nil }

func testRunner(t *testing.T) *tasks.Runner {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	runner := tasks.NewRunner(1, 8, logger)
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)
	return runner
}

func newTestServer(t *testing.T, analyzer tasks.Analyzer, store storage.Store) *Server {
	t.Helper()
	return NewServer(testRunner(t), tasks.NewMemoryResultCache(time.Minute), analyzer, store, nil, tasks.RetryPolicy{}, nil)
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAnalysisRejectsUnknownKind(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	// One-slot queue, runner never started: a queued job would occupy
	// the slot, so a successful probe proves nothing was enqueued.
	runner := tasks.NewRunner(1, 1, logger)
	s := NewServer(runner, tasks.NewMemoryResultCache(time.Minute), &stubAnalyzer{}, &stubStore{}, nil, tasks.RetryPolicy{}, nil)

	rec := doJSON(s, http.MethodPost, "/api/v1/analysis", `{"analysis_type":"everything"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid analysis type")

	probe := &tasks.AnalysisJob{}
	require.NoError(t, runner.Enqueue(probe, tasks.RetryPolicy{}))
}

func TestSubmitAndPollAnalysis(t *testing.T) {
	analyzer := &stubAnalyzer{result: &models.AnalysisResult{
		Kind:        models.AnalysisComprehensive,
		GeneratedAt: time.Now().UTC(),
		Recommendations: []models.Recommendation{
			{ID: "rec-1", Kind: models.RecommendationControlGap, Confidence: 0.9},
		},
	}}
	s := newTestServer(t, analyzer, &stubStore{})

	rec := doJSON(s, http.MethodPost, "/api/v1/analysis", `{"analysis_type":"comprehensive"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted submitAnalysisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.RequestID)
	require.NotEmpty(t, submitted.TaskID)
	require.Equal(t, models.AnalysisPending, submitted.Status)

	require.Eventually(t, func() bool {
		poll := doJSON(s, http.MethodGet, "/api/v1/analysis/"+submitted.RequestID, "")
		if poll.Code != http.StatusOK {
			return false
		}
		var req models.AnalysisRequest
		if err := json.Unmarshal(poll.Body.Bytes(), &req); err != nil {
			return false
		}
		return req.Status == models.AnalysisCompleted && len(req.Result.Recommendations) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGetAnalysisUnknownHandle(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, &stubStore{})

	rec := doJSON(s, http.MethodGet, "/api/v1/analysis/no-such-id", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFailedAnalysisReportsSummary(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{err: errors.New("graph snapshot has no edges")}, &stubStore{})

	rec := doJSON(s, http.MethodPost, "/api/v1/analysis", `{"analysis_type":"patterns"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted submitAnalysisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	require.Eventually(t, func() bool {
		poll := doJSON(s, http.MethodGet, "/api/v1/analysis/"+submitted.RequestID, "")
		if poll.Code != http.StatusOK {
			return false
		}
		var req models.AnalysisRequest
		if err := json.Unmarshal(poll.Body.Bytes(), &req); err != nil {
			return false
		}
		return req.Status == models.AnalysisFailed && strings.Contains(req.Error, "no edges")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestListRecommendations(t *testing.T) {
	store := &stubStore{recs: []models.Recommendation{{ID: "rec-1", Status: models.RecommendationPending}}}
	s := newTestServer(t, &stubAnalyzer{}, store)

	rec := doJSON(s, http.MethodGet, "/api/v1/recommendations?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var recs []models.Recommendation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)

	rec = doJSON(s, http.MethodGet, "/api/v1/recommendations?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestEventsMirrorsEntities(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	graphStore := graph.NewMemoryStore(schema.Default())
	coord := grcsync.NewCoordinator(graphStore, schema.Default(), nil, nil, tasks.RetryPolicy{}, logger)
	s := NewServer(testRunner(t), tasks.NewMemoryResultCache(time.Minute), &stubAnalyzer{}, &stubStore{}, coord, tasks.RetryPolicy{}, nil)

	rec := doJSON(s, http.MethodPost, "/api/v1/events", `[
		{"event":"entity_upserted","entity_type":"Policy","entity_id":"p-1","attrs":{"title":"Access Control"}},
		{"event":"entity_upserted","entity_type":"Control","entity_id":"c-1","attrs":{"title":"MFA"}},
		{"event":"relation_upserted","relation":"COVERS","from_type":"Policy","from_id":"p-1","to_type":"Control","to_id":"c-1"}
	]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	nodes, err := graphStore.FetchNodes(context.Background(), schema.Default().NodeTypes)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	edges, err := graphStore.FetchEdges(context.Background(), schema.Default().RelationKinds())
	require.NoError(t, err)
	require.Len(t, edges, 1)
}

func TestIngestEventsWithoutCoordinator(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, &stubStore{})

	rec := doJSON(s, http.MethodPost, "/api/v1/events", `[]`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUpdateRecommendationLifecycle(t *testing.T) {
	store := &stubStore{recs: []models.Recommendation{{ID: "rec-1", Status: models.RecommendationPending}}}
	s := newTestServer(t, &stubAnalyzer{}, store)

	rec := doJSON(s, http.MethodPatch, "/api/v1/recommendations/rec-1", `{"status":"implemented","actor":"user-7"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated models.Recommendation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, models.RecommendationImplemented, updated.Status)
	require.Equal(t, "user-7", updated.ImplementedBy)

	rec = doJSON(s, http.MethodPatch, "/api/v1/recommendations/rec-1", `{"status":"pending"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(s, http.MethodPatch, "/api/v1/recommendations/rec-404", `{"status":"dismissed"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
