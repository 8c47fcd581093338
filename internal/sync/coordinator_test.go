package sync

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/grclabs/grcradar/internal/graph"
	"github.com/grclabs/grcradar/internal/schema"
	"github.com/grclabs/grcradar/internal/tasks"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestCoordinator(store graph.Store) *Coordinator {
	return NewCoordinator(store, schema.Default(), nil, nil, tasks.RetryPolicy{}, quietLogger())
}

func TestEntityUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(schema.Default())
	coord := newTestCoordinator(store)

	attrs := map[string]any{"title": "Access Control Policy", "status": "active"}
	require.NoError(t, coord.EntityUpserted(ctx, schema.NodePolicy, "p-1", attrs))
	require.NoError(t, coord.EntityUpserted(ctx, schema.NodePolicy, "p-1", attrs))

	nodes, err := store.FetchNodes(ctx, []schema.NodeType{schema.NodePolicy})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "Access Control Policy", nodes[0].Props["title"])
}

func TestEntityUpsertDropsTextFieldsFromProps(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(schema.Default())
	coord := newTestCoordinator(store)

	require.NoError(t, coord.EntityUpserted(ctx, schema.NodeRisk, "r-1", map[string]any{
		"title":           "Vendor breach",
		"risk_score":      18.5,
		"description":     "Third-party processor holds customer PII.",
		"mitigation_plan": "Quarterly vendor audits.",
	}))

	nodes, _ := store.FetchNodes(ctx, []schema.NodeType{schema.NodeRisk})
	require.Len(t, nodes, 1)
	require.Equal(t, 18.5, nodes[0].Props["risk_score"])
	require.NotContains(t, nodes[0].Props, "description")
	require.NotContains(t, nodes[0].Props, "mitigation_plan")
}

func TestEntityDeleteIsNoopWhenAbsent(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(schema.Default())
	coord := newTestCoordinator(store)

	require.NoError(t, coord.EntityDeleted(ctx, schema.NodeControl, "c-404"))
	require.NoError(t, coord.EntityDeleted(ctx, schema.NodeControl, "c-404"))
}

func TestRelationBeforeEndpointsIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(schema.Default())
	coord := newTestCoordinator(store)

	policy := graph.NodeRef{Type: schema.NodePolicy, ID: "p-1"}
	control := graph.NodeRef{Type: schema.NodeControl, ID: "c-1"}

	// Delivered out of order: the edge event arrives first and must not
	// create endpoints or surface an error.
	require.NoError(t, coord.RelationUpserted(ctx, schema.RelCovers, policy, control))

	edges, err := store.FetchEdges(ctx, []schema.RelationKind{schema.RelCovers})
	require.NoError(t, err)
	require.Empty(t, edges)

	require.NoError(t, coord.EntityUpserted(ctx, schema.NodePolicy, "p-1", map[string]any{"title": "Access Control"}))
	require.NoError(t, coord.EntityUpserted(ctx, schema.NodeControl, "c-1", map[string]any{"title": "MFA"}))
	require.NoError(t, coord.RelationUpserted(ctx, schema.RelCovers, policy, control))

	edges, err = store.FetchEdges(ctx, []schema.RelationKind{schema.RelCovers})
	require.NoError(t, err)
	require.Len(t, edges, 1)
}

func TestUntrackedRelationIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(schema.Default())
	coord := newTestCoordinator(store)

	require.NoError(t, coord.EntityUpserted(ctx, schema.NodePolicy, "p-1", nil))
	require.NoError(t, coord.EntityUpserted(ctx, schema.NodeObjective, "o-1", nil))

	// No Policy->Objective edge type exists in the tracked schema.
	err := coord.RelationUpserted(ctx, schema.RelCovers,
		graph.NodeRef{Type: schema.NodePolicy, ID: "p-1"},
		graph.NodeRef{Type: schema.NodeObjective, ID: "o-1"})
	require.NoError(t, err)

	edges, _ := store.FetchEdges(ctx, schema.Default().RelationKinds())
	require.Empty(t, edges)
}

func TestRelationDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(schema.Default())
	coord := newTestCoordinator(store)

	policy := graph.NodeRef{Type: schema.NodePolicy, ID: "p-1"}
	req := graph.NodeRef{Type: schema.NodeRequirement, ID: "cr-1"}
	require.NoError(t, coord.EntityUpserted(ctx, schema.NodePolicy, "p-1", nil))
	require.NoError(t, coord.EntityUpserted(ctx, schema.NodeRequirement, "cr-1", nil))
	require.NoError(t, coord.RelationUpserted(ctx, schema.RelMapsTo, policy, req))

	require.NoError(t, coord.RelationDeleted(ctx, schema.RelMapsTo, policy, req))
	require.NoError(t, coord.RelationDeleted(ctx, schema.RelMapsTo, policy, req))

	edges, _ := store.FetchEdges(ctx, []schema.RelationKind{schema.RelMapsTo})
	require.Empty(t, edges)
}

type deleteTrackingStore struct {
	graph.Store
	deletes int
}

func (s *deleteTrackingStore) DeleteEdge(ctx context.Context, kind schema.RelationKind, from, to graph.NodeRef) error {
	s.deletes++
	return s.Store.DeleteEdge(ctx, kind, from, to)
}

func TestUntrackedRelationDeleteIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := &deleteTrackingStore{Store: graph.NewMemoryStore(schema.Default())}
	coord := newTestCoordinator(store)

	// No Policy->Objective edge type exists; the delete must not reach
	// the store, matching how untracked upserts are handled.
	err := coord.RelationDeleted(ctx, schema.RelCovers,
		graph.NodeRef{Type: schema.NodePolicy, ID: "p-1"},
		graph.NodeRef{Type: schema.NodeObjective, ID: "o-1"})
	require.NoError(t, err)
	require.Zero(t, store.deletes)

	// Tracked triples still go through.
	require.NoError(t, coord.RelationDeleted(ctx, schema.RelCovers,
		graph.NodeRef{Type: schema.NodePolicy, ID: "p-1"},
		graph.NodeRef{Type: schema.NodeControl, ID: "c-1"}))
	require.Equal(t, 1, store.deletes)
}

type recordingEncoder struct {
	vec []float32
}

func (e *recordingEncoder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	return e.vec, nil
}

func (e *recordingEncoder) Dimension() int { return len(e.vec) }

func TestTextBearingUpsertSchedulesEmbedding(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(schema.Default())
	runner := tasks.NewRunner(1, 8, quietLogger())
	runner.Start(ctx)
	defer runner.Stop()

	encoder := &recordingEncoder{vec: []float32{0.6, 0.8}}
	coord := NewCoordinator(store, schema.Default(), runner, encoder,
		tasks.RetryPolicy{MaxRetries: 3, Delay: time.Millisecond}, quietLogger())

	require.NoError(t, coord.EntityUpserted(ctx, schema.NodePolicy, "p-1", map[string]any{
		"title":       "Data Retention Policy",
		"description": "Retain audit logs for one year.",
	}))

	require.Eventually(t, func() bool {
		nodes, err := store.FetchNodes(ctx, []schema.NodeType{schema.NodePolicy})
		return err == nil && len(nodes) == 1 && len(nodes[0].Embedding) == 2
	}, 5*time.Second, 10*time.Millisecond, "embedding never attached")
}

func TestTextlessUpsertSchedulesNothing(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(schema.Default())
	runner := tasks.NewRunner(1, 1, quietLogger())
	// Runner deliberately not started: an enqueued job would sit in the
	// queue and make the follow-up Enqueue fail, which we can observe.
	coord := NewCoordinator(store, schema.Default(), runner, &recordingEncoder{vec: []float32{1}},
		tasks.RetryPolicy{}, quietLogger())

	require.NoError(t, coord.EntityUpserted(ctx, schema.NodeObjective, "o-1", map[string]any{
		"status": "on_track",
	}))

	filler := &tasks.EmbeddingJob{}
	require.NoError(t, runner.Enqueue(filler, tasks.RetryPolicy{}), "queue should still be empty")
}

func TestEmbedTextAssembly(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]any
		want  string
	}{
		{
			name: "all fields",
			attrs: map[string]any{
				"title":           "Incident Response",
				"description":     "Respond within 24 hours",
				"mitigation_plan": "Tabletop exercises",
			},
			want: "Title: Incident Response. Description: Respond within 24 hours. Mitigation: Tabletop exercises.",
		},
		{
			name:  "title only",
			attrs: map[string]any{"title": "Encryption at rest."},
			want:  "Title: Encryption at rest.",
		},
		{
			name:  "no text fields",
			attrs: map[string]any{"risk_score": 12.0},
			want:  "",
		},
		{
			name:  "non-string text field ignored",
			attrs: map[string]any{"title": 42, "description": "only this"},
			want:  "Description: only this.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, EmbedText(tt.attrs))
		})
	}
}
