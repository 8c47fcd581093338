package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Encoder turns free text into a fixed-dimension normalized vector.
// Empty text yields (nil, nil); callers substitute the zero-fill
// themselves when assembling feature vectors.
type Encoder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// OpenAIEncoder is the production Encoder. The underlying client is
// initialized once per process on first use; concurrent first callers
// block on the same init instead of racing it.
type OpenAIEncoder struct {
	apiKey    string
	baseURL   string
	model     string
	dimension int

	initOnce sync.Once
	initErr  error
	client   *openai.Client

	limiter *rate.Limiter
	logger  *slog.Logger
}

// Options configures the OpenAI encoder
type Options struct {
	APIKey     string
	BaseURL    string // optional, for self-hosted compatible endpoints
	Model      string
	Dimension  int
	RatePerSec float64 // max embedding requests per second, 0 disables limiting
}

// NewOpenAIEncoder creates an encoder. No network call happens here;
// the client is built lazily so process startup never blocks on the
// embedding backend.
func NewOpenAIEncoder(opts Options) (*OpenAIEncoder, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", opts.Dimension)
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("embedding model missing")
	}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}

	return &OpenAIEncoder{
		apiKey:    opts.APIKey,
		baseURL:   opts.BaseURL,
		model:     opts.Model,
		dimension: opts.Dimension,
		limiter:   limiter,
		logger:    slog.Default().With("component", "embed"),
	}, nil
}

// Dimension returns the fixed embedding width D
func (e *OpenAIEncoder) Dimension() int {
	return e.dimension
}

func (e *OpenAIEncoder) init() error {
	e.initOnce.Do(func() {
		if e.apiKey == "" {
			e.initErr = fmt.Errorf("embedding api key missing")
			return
		}
		cfg := openai.DefaultConfig(e.apiKey)
		if e.baseURL != "" {
			cfg.BaseURL = e.baseURL
		}
		e.client = openai.NewClientWithConfig(cfg)
		e.logger.Info("embedding client initialized", "model", e.model, "dimension", e.dimension)
	})
	return e.initErr
}

// Embed generates an L2-normalized embedding for the input text
func (e *OpenAIEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	if err := e.init(); err != nil {
		return nil, err
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limiter: %w", err)
		}
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response empty")
	}

	vec := resp.Data[0].Embedding
	if len(vec) != e.dimension {
		return nil, fmt.Errorf("embedding has %d dims, expected %d", len(vec), e.dimension)
	}

	return l2Normalize(vec), nil
}

// l2Normalize projects the vector onto the unit sphere so the scorer's
// inner products behave as cosine similarities. Zero vectors pass
// through unchanged.
func l2Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
