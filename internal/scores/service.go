// Package scores aggregates stored category scores into trends and medians.
package scores

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/metadata"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/reports"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/serviceerr"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/stats"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opServiceNew          = "scores.service.new"
	opAllScores           = "scores.all_scores"
	opCorpusMedians       = "scores.median_scores_of_all_urls"
	reasonMissingReports  = "missing_report_reader"
	reasonMissingScanner  = "missing_url_scanner"
	reasonReadFailed      = "read_failed"
	reasonScanFailed      = "scan_failed"
	fieldURL              = "url"
	fieldURLs             = "urls"
	defaultScanBatchSize  = 500
	defaultScanConcurrent = 8
	// DefaultCorpusResultsPerURL is the number of recent reports each URL
	// contributes to corpus medians.
	DefaultCorpusResultsPerURL = 1
)

var (
	errMissingReports = errors.New("report reader is required")
	errMissingScanner = errors.New("url scanner is required")
)

// ReportReader loads a URL's recent reports, oldest first.
type ReportReader interface {
	RecentReports(ctx context.Context, rawURL string, maxResults int) ([]reports.Report, error)
}

// URLScanner walks every tracked URL in pages.
type URLScanner interface {
	ScanURLs(ctx context.Context, batchSize int, onBatch func(metadata.ScanBatch) error) error
}

// ServiceConfig describes the dependencies of the aggregation service.
type ServiceConfig struct {
	Reports         ReportReader
	URLs            URLScanner
	ScanBatchSize   int
	ScanConcurrency int
	Logger          *zap.Logger
}

// Service computes score sequences and medians.
type Service struct {
	reports         ReportReader
	urls            URLScanner
	scanBatchSize   int
	scanConcurrency int
	logger          *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Reports == nil {
		return nil, serviceerr.New(opServiceNew, reasonMissingReports, errMissingReports)
	}
	if cfg.URLs == nil {
		return nil, serviceerr.New(opServiceNew, reasonMissingScanner, errMissingScanner)
	}
	batchSize := cfg.ScanBatchSize
	if batchSize <= 0 {
		batchSize = defaultScanBatchSize
	}
	concurrency := cfg.ScanConcurrency
	if concurrency <= 0 {
		concurrency = defaultScanConcurrent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		reports:         cfg.Reports,
		urls:            cfg.URLs,
		scanBatchSize:   batchSize,
		scanConcurrency: concurrency,
		logger:          logger,
	}, nil
}

// GetAllScores returns, per category id, the URL's recent scores on a 0-100
// scale, oldest first. Categories without a score are skipped.
func (s *Service) GetAllScores(ctx context.Context, rawURL string, maxResults int) (map[string][]float64, error) {
	recent, err := s.reports.RecentReports(ctx, rawURL, maxResults)
	if err != nil {
		s.logError(opAllScores, reasonReadFailed, err, zap.String(fieldURL, rawURL))
		return nil, err
	}
	scores := make(map[string][]float64)
	collectScores(scores, recent)
	return scores, nil
}

// GetMedianScores returns the median score of each category over the URL's
// recent reports.
func (s *Service) GetMedianScores(ctx context.Context, rawURL string, maxResults int) (map[string]float64, error) {
	scores, err := s.GetAllScores(ctx, rawURL, maxResults)
	if err != nil {
		return nil, err
	}
	return medians(scores), nil
}

// GetMedianScoresOfAllURLs pools the recent scores of every tracked URL and
// returns one median per category. It scans the whole corpus; callers are
// expected to cache the result.
func (s *Service) GetMedianScoresOfAllURLs(ctx context.Context, maxResultsPerURL int) (map[string]float64, error) {
	if maxResultsPerURL <= 0 {
		maxResultsPerURL = DefaultCorpusResultsPerURL
	}

	var mu sync.Mutex
	pooled := make(map[string][]float64)
	scanned := 0
	err := s.urls.ScanURLs(ctx, s.scanBatchSize, func(batch metadata.ScanBatch) error {
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(s.scanConcurrency)
		for _, url := range batch.URLs {
			url := url
			group.Go(func() error {
				recent, err := s.reports.RecentReports(groupCtx, url, maxResultsPerURL)
				if err != nil {
					s.logError(opCorpusMedians, reasonReadFailed, err, zap.String(fieldURL, url))
					return err
				}
				mu.Lock()
				collectScores(pooled, recent)
				mu.Unlock()
				return nil
			})
		}
		scanned += len(batch.URLs)
		return group.Wait()
	})
	if err != nil {
		return nil, serviceerr.New(opCorpusMedians, reasonScanFailed, err)
	}
	s.logger.Debug("corpus medians computed", zap.Int(fieldURLs, scanned))
	return medians(pooled), nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("score aggregation failure", allFields...)
}

func collectScores(into map[string][]float64, recent []reports.Report) {
	for _, report := range recent {
		for _, category := range report.Categories {
			if category.Score == nil {
				continue
			}
			into[category.ID] = append(into[category.ID], toPercent(*category.Score))
		}
	}
}

// toPercent scales a 0..1 score to 0..100, rounded to two decimals so that
// binary float noise does not leak into medians.
func toPercent(score float64) float64 {
	return math.Round(score*10000) / 100
}

func medians(scores map[string][]float64) map[string]float64 {
	result := make(map[string]float64, len(scores))
	for categoryID, values := range scores {
		median, err := stats.Median(values)
		if err != nil {
			continue
		}
		result[categoryID] = median
	}
	return result
}
