package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	bolt "go.etcd.io/bbolt"
)

var cacheBucket = []byte("embeddings")

// CachedEncoder wraps an Encoder with a local bbolt vector cache keyed
// by text hash. Re-running an embedding job for unchanged text becomes
// a disk read, which keeps at-least-once job delivery cheap.
type CachedEncoder struct {
	inner  Encoder
	db     *bolt.DB
	logger *slog.Logger
}

// NewCachedEncoder opens (or creates) the cache database at path
func NewCachedEncoder(inner Encoder, path string) (*CachedEncoder, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create embedding cache bucket: %w", err)
	}

	return &CachedEncoder{
		inner:  inner,
		db:     db,
		logger: slog.Default().With("component", "embed_cache"),
	}, nil
}

// Dimension returns the wrapped encoder's dimension
func (c *CachedEncoder) Dimension() int {
	return c.inner.Dimension()
}

// Embed returns the cached vector when the text was embedded before,
// otherwise delegates and stores the result.
func (c *CachedEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}

	key := cacheKey(text, c.inner.Dimension())

	var cached []float32
	c.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(cacheBucket).Get(key); data != nil {
			cached = decodeVector(data)
		}
		return nil
	})
	if cached != nil {
		c.logger.Debug("embedding cache hit")
		return cached, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}

	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put(key, encodeVector(vec))
	}); err != nil {
		// A cache write failure only costs a future recompute.
		c.logger.Warn("embedding cache write failed", "error", err)
	}

	return vec, nil
}

// Close closes the cache database
func (c *CachedEncoder) Close() error {
	return c.db.Close()
}

func cacheKey(text string, dim int) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%d:", dim)
	h.Write([]byte(text))
	return h.Sum(nil)
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}
