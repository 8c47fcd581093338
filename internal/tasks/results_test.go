package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grclabs/grcradar/internal/models"
)

func pendingRequest(id string) models.AnalysisRequest {
	return models.AnalysisRequest{
		RequestID:   id,
		TaskID:      "task-" + id,
		Kind:        models.AnalysisComprehensive,
		Status:      models.AnalysisPending,
		SubmittedAt: time.Now(),
	}
}

func TestMemoryResultCacheLifecycle(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryResultCache(time.Minute)

	require.NoError(t, cache.Create(ctx, pendingRequest("req-1")))

	got, ok, err := cache.Get(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.AnalysisPending, got.Status)

	result := &models.AnalysisResult{Kind: models.AnalysisComprehensive, GeneratedAt: time.Now()}
	require.NoError(t, cache.Complete(ctx, "req-1", result))

	got, ok, _ = cache.Get(ctx, "req-1")
	require.True(t, ok)
	require.Equal(t, models.AnalysisCompleted, got.Status)
	require.NotNil(t, got.Result)
}

func TestMemoryResultCacheTransitionOnce(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryResultCache(time.Minute)
	require.NoError(t, cache.Create(ctx, pendingRequest("req-1")))

	require.NoError(t, cache.Fail(ctx, "req-1", "batch write failed"))
	// A late completion must not overwrite the terminal state.
	require.NoError(t, cache.Complete(ctx, "req-1", &models.AnalysisResult{}))

	got, ok, _ := cache.Get(ctx, "req-1")
	require.True(t, ok)
	require.Equal(t, models.AnalysisFailed, got.Status)
	require.Equal(t, "batch write failed", got.Error)
	require.Nil(t, got.Result)
}

func TestMemoryResultCacheUnknownHandle(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryResultCache(time.Minute)

	_, ok, err := cache.Get(ctx, "no-such-handle")
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, cache.Complete(ctx, "no-such-handle", nil))
}

func TestMemoryResultCacheConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryResultCache(time.Minute)
	require.NoError(t, cache.Create(ctx, pendingRequest("req-1")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				req, ok, err := cache.Get(ctx, "req-1")
				require.NoError(t, err)
				require.True(t, ok)
				// Readers see pending or completed, never a torn state.
				switch req.Status {
				case models.AnalysisPending:
					require.Nil(t, req.Result)
				case models.AnalysisCompleted:
					require.NotNil(t, req.Result)
				default:
					t.Errorf("unexpected status %s", req.Status)
				}
			}
		}()
	}

	require.NoError(t, cache.Complete(ctx, "req-1", &models.AnalysisResult{Kind: models.AnalysisPatterns}))
	wg.Wait()
}

func TestMemoryResultCacheExpiry(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryResultCache(10 * time.Millisecond)
	require.NoError(t, cache.Create(ctx, pendingRequest("req-1")))

	time.Sleep(30 * time.Millisecond)

	_, ok, err := cache.Get(ctx, "req-1")
	require.NoError(t, err)
	require.False(t, ok, "expired entry must read as absent")
}
