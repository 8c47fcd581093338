package tasks

import (
	"context"
	"fmt"

	"github.com/grclabs/grcradar/internal/embed"
	"github.com/grclabs/grcradar/internal/graph"
	"github.com/grclabs/grcradar/internal/models"
)

// EmbeddingJob computes a text embedding and attaches it to a mirrored
// node. Safe to run more than once: the encoder is deterministic per
// text and SetEmbedding overwrites.
//
// A node-not-found failure usually means the sync coordinator has not
// mirrored the entity yet, so it is left retryable. A genuinely deleted
// entity shows the same symptom and simply exhausts the budget.
type EmbeddingJob struct {
	Ref     graph.NodeRef
	Text    string
	Encoder embed.Encoder
	Store   graph.Store
}

func (j *EmbeddingJob) Name() string {
	return fmt.Sprintf("embed %s/%s", j.Ref.Type, j.Ref.ID)
}

func (j *EmbeddingJob) Execute(ctx context.Context) error {
	if j.Text == "" {
		// Nothing to embed; the feature vector zero-fills downstream.
		return nil
	}

	vec, err := j.Encoder.Embed(ctx, j.Text)
	if err != nil {
		return fmt.Errorf("embed text for %s/%s: %w", j.Ref.Type, j.Ref.ID, err)
	}
	if vec == nil {
		return nil
	}

	if err := j.Store.SetEmbedding(ctx, j.Ref, vec); err != nil {
		return fmt.Errorf("attach embedding to %s/%s: %w", j.Ref.Type, j.Ref.ID, err)
	}
	return nil
}

// Analyzer runs one analysis kind end to end and returns its result.
// Implemented by the recommendation service.
type Analyzer interface {
	Analyze(ctx context.Context, kind models.AnalysisKind) (*models.AnalysisResult, error)
}

// AnalysisJob executes a queued analysis and records the outcome in the
// result cache. Failures here are terminal for the request: structural
// errors (an edgeless graph, a failed batch write) do not become valid
// by retrying.
type AnalysisJob struct {
	RequestID string
	Kind      models.AnalysisKind
	Analyzer  Analyzer
	Results   ResultCache
}

func (j *AnalysisJob) Name() string {
	return fmt.Sprintf("analysis %s (%s)", j.RequestID, j.Kind)
}

func (j *AnalysisJob) Execute(ctx context.Context) error {
	result, err := j.Analyzer.Analyze(ctx, j.Kind)
	if err != nil {
		if failErr := j.Results.Fail(ctx, j.RequestID, err.Error()); failErr != nil {
			return fmt.Errorf("record analysis failure: %v (analysis error: %w)", failErr, err)
		}
		return Permanent(fmt.Errorf("analysis %s: %w", j.Kind, err))
	}

	if err := j.Results.Complete(ctx, j.RequestID, result); err != nil {
		return fmt.Errorf("record analysis result %s: %w", j.RequestID, err)
	}
	return nil
}
