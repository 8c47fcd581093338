// Package api exposes the analysis and recommendation HTTP surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/grclabs/grcradar/internal/models"
	"github.com/grclabs/grcradar/internal/storage"
	grcsync "github.com/grclabs/grcradar/internal/sync"
	"github.com/grclabs/grcradar/internal/tasks"
)

// Server wires the HTTP handlers to the task runner, the result cache
// and the relational store.
type Server struct {
	echo     *echo.Echo
	runner   *tasks.Runner
	results  tasks.ResultCache
	analyzer tasks.Analyzer
	store    storage.Store
	coord    *grcsync.Coordinator
	retry    tasks.RetryPolicy
	log      *slog.Logger
}

// NewServer builds the server and registers all routes.
func NewServer(runner *tasks.Runner, results tasks.ResultCache, analyzer tasks.Analyzer, store storage.Store, coord *grcsync.Coordinator, retry tasks.RetryPolicy, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		runner:   runner,
		results:  results,
		analyzer: analyzer,
		store:    store,
		coord:    coord,
		retry:    retry,
		log:      log.With(slog.String("component", "api")),
	}

	e.GET("/healthz", s.health)
	v1 := e.Group("/api/v1")
	{
		v1.POST("/analysis", s.submitAnalysis)
		v1.GET("/analysis/:id", s.getAnalysis)
		v1.GET("/recommendations", s.listRecommendations)
		v1.PATCH("/recommendations/:id", s.updateRecommendation)
		v1.POST("/events", s.ingestEvents)
	}
	return s
}

// Start begins serving on addr and blocks until shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type submitAnalysisDTO struct {
	AnalysisType string `json:"analysis_type"`
}

type submitAnalysisResponse struct {
	RequestID string                `json:"request_id"`
	TaskID    string                `json:"task_id"`
	Status    models.AnalysisStatus `json:"status"`
}

// submitAnalysis validates the kind, registers the request and hands
// the job to the runner. It never waits for the analysis itself.
func (s *Server) submitAnalysis(c echo.Context) error {
	var dto submitAnalysisDTO
	if err := c.Bind(&dto); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	kind, err := models.ParseAnalysisKind(dto.AnalysisType)
	if err != nil {
		// Rejected synchronously: no request handle, no queued job.
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	ctx := c.Request().Context()
	req := models.AnalysisRequest{
		RequestID:   uuid.NewString(),
		TaskID:      uuid.NewString(),
		Kind:        kind,
		Status:      models.AnalysisPending,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.results.Create(ctx, req); err != nil {
		s.log.Error("failed to register analysis request", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to register analysis request"})
	}

	job := &tasks.AnalysisJob{
		RequestID: req.RequestID,
		Kind:      kind,
		Analyzer:  s.analyzer,
		Results:   s.results,
	}
	if err := s.runner.Enqueue(job, s.retry); err != nil {
		if failErr := s.results.Fail(ctx, req.RequestID, "analysis queue full"); failErr != nil {
			s.log.Error("failed to mark rejected request", slog.Any("error", failErr))
		}
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "analysis queue full"})
	}

	s.log.Info("analysis submitted",
		slog.String("request_id", req.RequestID),
		slog.String("analysis_type", string(kind)),
	)
	return c.JSON(http.StatusAccepted, submitAnalysisResponse{
		RequestID: req.RequestID,
		TaskID:    req.TaskID,
		Status:    req.Status,
	})
}

// getAnalysis reports request state. Failed analyses answer 200 with
// the failure summary so pollers terminate instead of retrying forever.
func (s *Server) getAnalysis(c echo.Context) error {
	req, ok, err := s.results.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		s.log.Error("failed to read analysis request", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read analysis request"})
	}
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "analysis request not found or expired"})
	}

	if req.Status == models.AnalysisPending {
		return c.JSON(http.StatusAccepted, req)
	}
	return c.JSON(http.StatusOK, req)
}

func (s *Server) listRecommendations(c echo.Context) error {
	status := models.RecommendationStatus(c.QueryParam("status"))
	switch status {
	case "", models.RecommendationPending, models.RecommendationImplemented, models.RecommendationDismissed:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid status %q", status)})
	}

	recs, err := s.store.ListRecommendations(c.Request().Context(), status)
	if err != nil {
		s.log.Error("failed to list recommendations", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list recommendations"})
	}
	if recs == nil {
		recs = []models.Recommendation{}
	}
	return c.JSON(http.StatusOK, recs)
}

// ingestEvents accepts a batch of post-commit change notifications from
// the relational application and replays them against the mirror. The
// response only acknowledges receipt; per-event mirror failures are
// logged by the coordinator, matching the fire-and-forget contract.
func (s *Server) ingestEvents(c echo.Context) error {
	if s.coord == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "sync coordinator not configured"})
	}

	var events []grcsync.Event
	if err := c.Bind(&events); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed event batch"})
	}

	ctx := c.Request().Context()
	for _, ev := range events {
		s.coord.Apply(ctx, ev)
	}
	return c.JSON(http.StatusAccepted, map[string]int{"received": len(events)})
}

type updateRecommendationDTO struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
}

func (s *Server) updateRecommendation(c echo.Context) error {
	var dto updateRecommendationDTO
	if err := c.Bind(&dto); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	status := models.RecommendationStatus(dto.Status)
	if status != models.RecommendationImplemented && status != models.RecommendationDismissed {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid status %q", dto.Status)})
	}

	id := c.Param("id")
	err := s.store.UpdateRecommendationStatus(c.Request().Context(), id, status, dto.Actor)
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "recommendation not found"})
	}
	if err != nil {
		s.log.Error("failed to update recommendation",
			slog.String("id", id),
			slog.Any("error", err),
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update recommendation"})
	}

	rec, err := s.store.GetRecommendation(c.Request().Context(), id)
	if err != nil {
		s.log.Error("failed to reload recommendation", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to reload recommendation"})
	}
	return c.JSON(http.StatusOK, rec)
}
