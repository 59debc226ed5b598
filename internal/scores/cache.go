package scores

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	corpusFlightKey = "corpus"
	// DefaultCacheTTL is how long corpus medians are served before recomputation.
	DefaultCacheTTL = 10 * time.Minute
)

var errMissingCompute = errors.New("scores: compute function is required")

// ComputeFunc produces a fresh set of corpus medians.
type ComputeFunc func(ctx context.Context) (map[string]float64, error)

// CorpusCacheConfig describes a CorpusCache.
type CorpusCacheConfig struct {
	Compute ComputeFunc
	TTL     time.Duration
	Clock   func() time.Time
	Logger  *zap.Logger
}

// CorpusCache holds the latest corpus medians for a bounded time. Concurrent
// misses share a single computation.
type CorpusCache struct {
	compute ComputeFunc
	ttl     time.Duration
	clock   func() time.Time
	logger  *zap.Logger
	flight  singleflight.Group

	mu         sync.RWMutex
	value      map[string]float64
	computedAt time.Time
	valid      bool
}

// NewCorpusCache validates the configuration and returns a CorpusCache.
func NewCorpusCache(cfg CorpusCacheConfig) (*CorpusCache, error) {
	if cfg.Compute == nil {
		return nil, errMissingCompute
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CorpusCache{compute: cfg.Compute, ttl: ttl, clock: clock, logger: logger}, nil
}

// Get returns the cached medians, computing them when absent or expired.
func (c *CorpusCache) Get(ctx context.Context) (map[string]float64, error) {
	c.mu.RLock()
	if c.valid && c.clock().Sub(c.computedAt) < c.ttl {
		value := copyMedians(c.value)
		c.mu.RUnlock()
		return value, nil
	}
	c.mu.RUnlock()
	return c.Refresh(ctx)
}

// Refresh recomputes the medians and replaces the cached value.
func (c *CorpusCache) Refresh(ctx context.Context) (map[string]float64, error) {
	result, err, _ := c.flight.Do(corpusFlightKey, func() (interface{}, error) {
		value, err := c.compute(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.value = value
		c.computedAt = c.clock()
		c.valid = true
		c.mu.Unlock()
		c.logger.Info("corpus medians refreshed", zap.Int("categories", len(value)))
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return copyMedians(result.(map[string]float64)), nil
}

// Invalidate drops the cached value.
func (c *CorpusCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.value = nil
	c.mu.Unlock()
}

func copyMedians(source map[string]float64) map[string]float64 {
	copied := make(map[string]float64, len(source))
	for key, value := range source {
		copied[key] = value
	}
	return copied
}
