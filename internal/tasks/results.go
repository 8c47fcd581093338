package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/grclabs/grcradar/internal/models"
)

// ResultCache stores analysis requests keyed by request handle. Entries
// transition pending -> completed | failed exactly once and expire
// after the retention window so the cache cannot grow unbounded.
type ResultCache interface {
	Create(ctx context.Context, req models.AnalysisRequest) error
	Complete(ctx context.Context, requestID string, result *models.AnalysisResult) error
	Fail(ctx context.Context, requestID string, errSummary string) error
	// Get returns the request and whether it exists. Expired entries
	// read as absent.
	Get(ctx context.Context, requestID string) (*models.AnalysisRequest, bool, error)
}

// MemoryResultCache keeps results in process memory with TTL eviction.
type MemoryResultCache struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewMemoryResultCache creates a cache whose entries expire after the
// retention window.
func NewMemoryResultCache(retention time.Duration) *MemoryResultCache {
	return &MemoryResultCache{
		cache: gocache.New(retention, retention/2+time.Minute),
	}
}

func (c *MemoryResultCache) Create(_ context.Context, req models.AnalysisRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := req
	c.cache.SetDefault(req.RequestID, &copied)
	return nil
}

// transition applies fn to a pending entry. Completed or failed entries
// are final; a second transition is ignored, matching at-most-once
// state change out of pending.
func (c *MemoryResultCache) transition(requestID string, fn func(*models.AnalysisRequest)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.cache.Get(requestID)
	if !ok {
		return fmt.Errorf("analysis request %s not found", requestID)
	}
	current := raw.(*models.AnalysisRequest)
	if current.Status != models.AnalysisPending {
		return nil
	}

	// Copy-on-write so concurrent readers observe either the old or the
	// new value, never a partial update.
	next := *current
	fn(&next)
	c.cache.SetDefault(requestID, &next)
	return nil
}

func (c *MemoryResultCache) Complete(_ context.Context, requestID string, result *models.AnalysisResult) error {
	return c.transition(requestID, func(req *models.AnalysisRequest) {
		req.Status = models.AnalysisCompleted
		req.Result = result
	})
}

func (c *MemoryResultCache) Fail(_ context.Context, requestID string, errSummary string) error {
	return c.transition(requestID, func(req *models.AnalysisRequest) {
		req.Status = models.AnalysisFailed
		req.Error = errSummary
	})
}

func (c *MemoryResultCache) Get(_ context.Context, requestID string) (*models.AnalysisRequest, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.cache.Get(requestID)
	if !ok {
		return nil, false, nil
	}
	copied := *(raw.(*models.AnalysisRequest))
	return &copied, true, nil
}

// RedisResultCache stores results in Redis for multi-process
// deployments. Entries carry the retention window as their TTL.
type RedisResultCache struct {
	client    *redis.Client
	retention time.Duration
	logger    *slog.Logger
}

// NewRedisResultCache connects to Redis and verifies connectivity.
func NewRedisResultCache(ctx context.Context, addr string, db int, retention time.Duration) (*RedisResultCache, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr missing")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	logger := slog.Default().With("component", "results")
	logger.Info("redis result cache connected", "addr", addr)

	return &RedisResultCache{client: client, retention: retention, logger: logger}, nil
}

func resultKey(requestID string) string {
	return "analysis:" + requestID
}

func (c *RedisResultCache) put(ctx context.Context, req *models.AnalysisRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal analysis request: %w", err)
	}
	if err := c.client.Set(ctx, resultKey(req.RequestID), data, c.retention).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", req.RequestID, err)
	}
	return nil
}

func (c *RedisResultCache) Create(ctx context.Context, req models.AnalysisRequest) error {
	return c.put(ctx, &req)
}

func (c *RedisResultCache) transition(ctx context.Context, requestID string, fn func(*models.AnalysisRequest)) error {
	req, ok, err := c.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("analysis request %s not found", requestID)
	}
	if req.Status != models.AnalysisPending {
		return nil
	}
	fn(req)
	return c.put(ctx, req)
}

func (c *RedisResultCache) Complete(ctx context.Context, requestID string, result *models.AnalysisResult) error {
	return c.transition(ctx, requestID, func(req *models.AnalysisRequest) {
		req.Status = models.AnalysisCompleted
		req.Result = result
	})
}

func (c *RedisResultCache) Fail(ctx context.Context, requestID string, errSummary string) error {
	return c.transition(ctx, requestID, func(req *models.AnalysisRequest) {
		req.Status = models.AnalysisFailed
		req.Error = errSummary
	})
}

func (c *RedisResultCache) Get(ctx context.Context, requestID string) (*models.AnalysisRequest, bool, error) {
	data, err := c.client.Get(ctx, resultKey(requestID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", requestID, err)
	}

	var req models.AnalysisRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, false, fmt.Errorf("unmarshal analysis request %s: %w", requestID, err)
	}
	return &req, true, nil
}

// Close closes the Redis connection.
func (c *RedisResultCache) Close() error {
	return c.client.Close()
}
