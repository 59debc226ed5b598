// Package audits runs a Lighthouse audit for a URL and stores the result.
package audits

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/lighthouse"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/reports"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/slug"
	"go.uber.org/zap"
)

var (
	errMissingAuditor  = errors.New("audits: auditor is required")
	errMissingReports  = errors.New("audits: report finalizer is required")
	errUnsupportedLink = errors.New("only absolute http and https urls can be audited")
)

// Finalizer stores a successful audit.
type Finalizer interface {
	FinalizeReport(ctx context.Context, request reports.FinalizeRequest) (reports.Report, error)
}

// ServiceConfig describes the dependencies of the audit service.
type ServiceConfig struct {
	Auditor lighthouse.Auditor
	Reports Finalizer
	Logger  *zap.Logger
}

// Service audits URLs on demand.
type Service struct {
	auditor lighthouse.Auditor
	reports Finalizer
	logger  *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Auditor == nil {
		return nil, errMissingAuditor
	}
	if cfg.Reports == nil {
		return nil, errMissingReports
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{auditor: cfg.Auditor, reports: cfg.Reports, logger: logger}, nil
}

// ValidateURL normalizes rawURL and checks that it can be audited. Failures
// wrap slug.ErrInvalidURL.
func ValidateURL(rawURL string) (string, error) {
	normalized, err := slug.Normalize(rawURL)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("%w: %v", slug.ErrInvalidURL, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if (scheme != "http" && scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("%w: %v", slug.ErrInvalidURL, errUnsupportedLink)
	}
	return normalized, nil
}

// Run audits rawURL and stores the result. Audit failures are returned as
// *lighthouse.AuditError and leave the store untouched.
func (s *Service) Run(ctx context.Context, rawURL string) (reports.Report, error) {
	targetURL, err := ValidateURL(rawURL)
	if err != nil {
		return reports.Report{}, err
	}

	result, err := s.auditor.Audit(ctx, targetURL)
	if err != nil {
		s.logger.Warn("audit failed", zap.String("url", targetURL), zap.Error(err))
		return reports.Report{}, err
	}

	report, err := s.reports.FinalizeReport(ctx, reports.FinalizeRequest{
		URL:        targetURL,
		Categories: result.Categories,
		FullReport: result.LighthouseResult,
		Crux:       reports.CruxData(result.Crux),
	})
	if err != nil {
		return reports.Report{}, err
	}
	s.logger.Info("audit stored", zap.String("url", targetURL), zap.Int("categories", len(report.Categories)))
	return report, nil
}
