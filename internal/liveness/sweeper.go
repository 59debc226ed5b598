// Package liveness removes tracked URLs that no longer resolve and URLs
// nobody has looked at in a long time.
package liveness

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/metadata"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/serviceerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opSweeperNew          = "liveness.sweeper.new"
	opRemoveInvalid       = "liveness.remove_invalid_urls"
	opRemoveStale         = "liveness.remove_stale_urls"
	reasonMissingMetadata = "missing_metadata_store"
	reasonMissingRemover  = "missing_url_remover"
	reasonMissingProber   = "missing_prober"
	reasonCheckpointRead  = "checkpoint_read_failed"
	reasonCheckpointWrite = "checkpoint_write_failed"
	reasonListFailed      = "list_failed"
	reasonRemoveFailed    = "remove_failed"
	reasonTouchFailed     = "touch_failed"
	fieldURL              = "url"
	fieldStatus           = "status"
	fieldTimedOut         = "timed_out"

	// DefaultConcurrency caps simultaneous probes and removals.
	DefaultConcurrency = 20
	// DefaultBatchSize is the number of URLs probed per invocation.
	DefaultBatchSize = 500
	// DefaultStaleThreshold is how long a URL may go unviewed before removal.
	DefaultStaleThreshold = 60 * 24 * time.Hour
)

var (
	errMissingMetadata = errors.New("metadata store is required")
	errMissingRemover  = errors.New("url remover is required")
	errMissingProber   = errors.New("prober is required")
)

// MetadataStore is the slice of the metadata store the sweeper relies on.
type MetadataStore interface {
	GetSweepCheckpoint(ctx context.Context) (time.Time, error)
	SetSweepCheckpoint(ctx context.Context, mark time.Time) error
	ListVerifiedSince(ctx context.Context, since time.Time, limit int) ([]metadata.VerifiedURL, error)
	TouchLastVerified(ctx context.Context, rawURL string) error
	GetURLsLastViewedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// URLRemover deletes every stored trace of a URL.
type URLRemover interface {
	RemoveURL(ctx context.Context, rawURL string) error
}

// SweeperConfig describes the dependencies of a Sweeper.
type SweeperConfig struct {
	Metadata    MetadataStore
	Remover     URLRemover
	Prober      Prober
	Concurrency int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Sweeper verifies tracked URLs in resumable batches.
type Sweeper struct {
	metadata    MetadataStore
	remover     URLRemover
	prober      Prober
	concurrency int
	clock       func() time.Time
	logger      *zap.Logger
}

// SweepResult summarises one sweeper invocation.
type SweepResult struct {
	NumURLs    int `json:"numUrls"`
	NumRemoved int `json:"numRemoved"`
}

// NewSweeper validates the configuration and returns a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Metadata == nil {
		return nil, serviceerr.New(opSweeperNew, reasonMissingMetadata, errMissingMetadata)
	}
	if cfg.Remover == nil {
		return nil, serviceerr.New(opSweeperNew, reasonMissingRemover, errMissingRemover)
	}
	if cfg.Prober == nil {
		return nil, serviceerr.New(opSweeperNew, reasonMissingProber, errMissingProber)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		metadata:    cfg.Metadata,
		remover:     cfg.Remover,
		prober:      cfg.Prober,
		concurrency: concurrency,
		clock:       clock,
		logger:      logger,
	}, nil
}

// RemoveNextSetOfInvalidURLs probes the next batch of up to limit URLs after
// the checkpoint. URLs failing the probe are removed and the rest are marked
// verified. The checkpoint moves past the batch before probing starts; an
// empty batch resets it so the next call starts a new cycle.
func (s *Sweeper) RemoveNextSetOfInvalidURLs(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	checkpoint, err := s.metadata.GetSweepCheckpoint(ctx)
	if err != nil {
		s.logError(opRemoveInvalid, reasonCheckpointRead, err)
		return SweepResult{}, serviceerr.New(opRemoveInvalid, reasonCheckpointRead, err)
	}
	candidates, err := s.metadata.ListVerifiedSince(ctx, checkpoint, limit)
	if err != nil {
		s.logError(opRemoveInvalid, reasonListFailed, err)
		return SweepResult{}, serviceerr.New(opRemoveInvalid, reasonListFailed, err)
	}

	if len(candidates) == 0 {
		if err := s.metadata.SetSweepCheckpoint(ctx, metadata.SweepSentinel); err != nil {
			s.logError(opRemoveInvalid, reasonCheckpointWrite, err)
			return SweepResult{}, serviceerr.New(opRemoveInvalid, reasonCheckpointWrite, err)
		}
		s.logger.Info("liveness sweep cycle complete")
		return SweepResult{}, nil
	}

	if err := s.metadata.SetSweepCheckpoint(ctx, candidates[len(candidates)-1].LastVerified); err != nil {
		s.logError(opRemoveInvalid, reasonCheckpointWrite, err)
		return SweepResult{}, serviceerr.New(opRemoveInvalid, reasonCheckpointWrite, err)
	}

	var removed int64
	group := new(errgroup.Group)
	group.SetLimit(s.concurrency)
	for _, candidate := range candidates {
		url := candidate.URL
		group.Go(func() error {
			result := s.prober.Probe(ctx, url)
			if !result.Alive {
				if err := s.remover.RemoveURL(ctx, url); err != nil {
					s.logError(opRemoveInvalid, reasonRemoveFailed, err, zap.String(fieldURL, url))
					return nil
				}
				atomic.AddInt64(&removed, 1)
				s.logger.Info("removed unreachable url", zap.String(fieldURL, url), zap.Int(fieldStatus, result.StatusCode), zap.NamedError("probe_error", result.Err))
				return nil
			}
			if err := s.metadata.TouchLastVerified(ctx, url); err != nil {
				s.logError(opRemoveInvalid, reasonTouchFailed, err, zap.String(fieldURL, url))
				return nil
			}
			if result.TimedOut {
				s.logger.Debug("probe timed out, kept url", zap.String(fieldURL, url), zap.Bool(fieldTimedOut, true))
			}
			return nil
		})
	}
	_ = group.Wait()

	return SweepResult{NumURLs: len(candidates), NumRemoved: int(removed)}, nil
}

// RemoveStaleURLs removes every URL whose last view is older than threshold.
func (s *Sweeper) RemoveStaleURLs(ctx context.Context, threshold time.Duration) (SweepResult, error) {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	cutoff := s.clock().UTC().Add(-threshold)
	stale, err := s.metadata.GetURLsLastViewedBefore(ctx, cutoff)
	if err != nil {
		s.logError(opRemoveStale, reasonListFailed, err)
		return SweepResult{}, serviceerr.New(opRemoveStale, reasonListFailed, err)
	}

	var removed int64
	group := new(errgroup.Group)
	group.SetLimit(s.concurrency)
	for _, url := range stale {
		url := url
		group.Go(func() error {
			if err := s.remover.RemoveURL(ctx, url); err != nil {
				s.logError(opRemoveStale, reasonRemoveFailed, err, zap.String(fieldURL, url))
				return nil
			}
			atomic.AddInt64(&removed, 1)
			return nil
		})
	}
	_ = group.Wait()

	s.logger.Info("stale urls removed", zap.Int("candidates", len(stale)), zap.Int64("removed", removed))
	return SweepResult{NumURLs: len(stale), NumRemoved: int(removed)}, nil
}

func (s *Sweeper) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("liveness sweep failure", allFields...)
}
