// Package reports stores audit runs per URL, keeps at most one run per
// calendar day, and keeps the newest full Lighthouse result out of line.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/blobs"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/serviceerr"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/slug"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opStoreNew             = "reports.store.new"
	opFinalizeReport       = "reports.finalize"
	opGetReports           = "reports.get_reports"
	opRecentReports        = "reports.recent_reports"
	opGetFullReport        = "reports.get_full_report"
	opDeleteAllReports     = "reports.delete_all"
	opRemoveURL            = "reports.remove_url"
	columnReportID         = "report_id"
	columnURLID            = "url_id"
	queryURLID             = columnURLID + " = ?"
	queryReportIDs         = columnReportID + " IN ?"
	orderAuditedOnDesc     = "audited_on_ms DESC"
	orderReportIDAsc       = columnReportID + " ASC"
	fieldURL               = "url"
	fieldBlob              = "blob"
	fieldDeleted           = "deleted"
	reasonMissingDatabase  = "missing_database"
	reasonMissingBlobs     = "missing_blob_store"
	reasonMissingMetadata  = "missing_metadata_store"
	reasonInvalidURL       = "invalid_url"
	reasonInvalidReport    = "invalid_report"
	reasonBlobWriteFailed  = "blob_write_failed"
	reasonBlobReadFailed   = "blob_read_failed"
	reasonBlobDeleteFailed = "blob_delete_failed"
	reasonLookupFailed     = "lookup_failed"
	reasonReplaceFailed    = "replace_failed"
	reasonInsertFailed     = "insert_failed"
	reasonIDFailed         = "id_generation_failed"
	reasonQueryFailed      = "query_failed"
	reasonDecodeFailed     = "decode_failed"
	reasonDeleteFailed     = "delete_failed"
	reasonTouchFailed      = "metadata_touch_failed"
	fullReportPrefix       = "lhrs/"
	fullReportSuffix       = ".json"

	// DefaultMaxResults is used when a caller asks for a non-positive number of reports.
	DefaultMaxResults = 10
	// DefaultDeleteBatchSize bounds the rows removed per delete transaction.
	DefaultDeleteBatchSize = 500
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingBlobs    = errors.New("blob store is required")
	errMissingMetadata = errors.New("metadata store is required")
	noOpLogger         = zap.NewNop()
)

// MetadataWriter is the slice of the metadata store the report store updates.
type MetadataWriter interface {
	TouchLastViewed(ctx context.Context, rawURL string) error
	TouchLastVerified(ctx context.Context, rawURL string) error
	DeleteMetadata(ctx context.Context, rawURL string) error
}

// StoreConfig describes the dependencies of the report store.
type StoreConfig struct {
	Database        *gorm.DB
	Blobs           blobs.Store
	Metadata        MetadataWriter
	Clock           func() time.Time
	Location        *time.Location
	IDProvider      IDProvider
	DeleteBatchSize int
	Logger          *zap.Logger
}

// Store persists reports and their full-report blobs.
type Store struct {
	db              *gorm.DB
	blobs           blobs.Store
	metadata        MetadataWriter
	clock           func() time.Time
	location        *time.Location
	idProvider      IDProvider
	deleteBatchSize int
	logger          *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Blobs == nil {
		return nil, serviceerr.New(opStoreNew, reasonMissingBlobs, errMissingBlobs)
	}
	if cfg.Metadata == nil {
		return nil, serviceerr.New(opStoreNew, reasonMissingMetadata, errMissingMetadata)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	batchSize := cfg.DeleteBatchSize
	if batchSize <= 0 {
		batchSize = DefaultDeleteBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:              cfg.Database,
		blobs:           cfg.Blobs,
		metadata:        cfg.Metadata,
		clock:           clock,
		location:        location,
		idProvider:      idProvider,
		deleteBatchSize: batchSize,
		logger:          logger,
	}, nil
}

// FullReportName returns the blob name holding the newest full report of rawURL.
func FullReportName(rawURL string) string {
	return fullReportPrefix + slug.Encode(rawURL) + fullReportSuffix
}

// FinalizeReport stores a successful audit. A run on the same calendar day as
// the URL's latest report replaces that report; otherwise a new report is
// appended. The full report, when present, overwrites the URL's blob.
func (s *Store) FinalizeReport(ctx context.Context, request FinalizeRequest) (Report, error) {
	targetURL, err := slug.Normalize(request.URL)
	if err != nil {
		return Report{}, serviceerr.New(opFinalizeReport, reasonInvalidURL, err)
	}
	fullReport, err := trimFullReport(request.FullReport)
	if err != nil {
		return Report{}, serviceerr.New(opFinalizeReport, reasonInvalidReport, err)
	}
	rawCategories := request.Categories
	if len(rawCategories) == 0 {
		rawCategories = fieldOf(fullReport, fieldCategories)
	}
	categories, err := SlimCategories(rawCategories)
	if err != nil {
		return Report{}, serviceerr.New(opFinalizeReport, reasonInvalidReport, err)
	}
	categoriesJSON, err := json.Marshal(categories)
	if err != nil {
		return Report{}, serviceerr.New(opFinalizeReport, reasonInvalidReport, err)
	}
	var cruxJSON datatypes.JSON
	if len(request.Crux) > 0 {
		encoded, err := json.Marshal(request.Crux)
		if err != nil {
			return Report{}, serviceerr.New(opFinalizeReport, reasonInvalidReport, err)
		}
		cruxJSON = datatypes.JSON(encoded)
	}

	if len(fullReport) > 0 {
		blobName := FullReportName(targetURL)
		if err := s.blobs.Put(ctx, blobName, fullReport); err != nil {
			s.logError(opFinalizeReport, reasonBlobWriteFailed, err, zap.String(fieldURL, targetURL), zap.String(fieldBlob, blobName))
			return Report{}, serviceerr.New(opFinalizeReport, reasonBlobWriteFailed, err)
		}
	}

	now := s.clock().UTC()
	urlID := slug.Encode(targetURL)
	var stored ReportRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest ReportRecord
		lookupErr := tx.Where(queryURLID, urlID).Order(orderAuditedOnDesc).Take(&latest).Error
		switch {
		case lookupErr == nil:
			if IsSameCalendarDay(fromMillis(latest.AuditedOnMillis), now, s.location) {
				latest.AuditedOnMillis = now.UnixMilli()
				latest.CategoriesJSON = datatypes.JSON(categoriesJSON)
				latest.CruxJSON = cruxJSON
				if err := tx.Save(&latest).Error; err != nil {
					s.logError(opFinalizeReport, reasonReplaceFailed, err, zap.String(fieldURL, targetURL))
					return serviceerr.New(opFinalizeReport, reasonReplaceFailed, err)
				}
				stored = latest
				return nil
			}
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
		default:
			s.logError(opFinalizeReport, reasonLookupFailed, lookupErr, zap.String(fieldURL, targetURL))
			return serviceerr.New(opFinalizeReport, reasonLookupFailed, lookupErr)
		}

		reportID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opFinalizeReport, reasonIDFailed, err, zap.String(fieldURL, targetURL))
			return serviceerr.New(opFinalizeReport, reasonIDFailed, err)
		}
		record := ReportRecord{
			ReportID:        reportID,
			URLID:           urlID,
			AuditedOnMillis: now.UnixMilli(),
			CategoriesJSON:  datatypes.JSON(categoriesJSON),
			CruxJSON:        cruxJSON,
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opFinalizeReport, reasonInsertFailed, err, zap.String(fieldURL, targetURL))
			return serviceerr.New(opFinalizeReport, reasonInsertFailed, err)
		}
		stored = record
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	if err := s.metadata.TouchLastViewed(ctx, targetURL); err != nil {
		s.logError(opFinalizeReport, reasonTouchFailed, err, zap.String(fieldURL, targetURL))
		return Report{}, serviceerr.New(opFinalizeReport, reasonTouchFailed, err)
	}
	if err := s.metadata.TouchLastVerified(ctx, targetURL); err != nil {
		s.logError(opFinalizeReport, reasonTouchFailed, err, zap.String(fieldURL, targetURL))
		return Report{}, serviceerr.New(opFinalizeReport, reasonTouchFailed, err)
	}

	report, err := toReport(targetURL, stored)
	if err != nil {
		return Report{}, serviceerr.New(opFinalizeReport, reasonDecodeFailed, err)
	}
	report.FullReport = fullReport
	return report, nil
}

// GetReports returns up to maxResults of the URL's most recent reports,
// oldest first. Only the last report carries the full Lighthouse result. A
// non-empty result marks the URL as viewed.
func (s *Store) GetReports(ctx context.Context, rawURL string, maxResults int) ([]Report, error) {
	targetURL, err := slug.Normalize(rawURL)
	if err != nil {
		return nil, serviceerr.New(opGetReports, reasonInvalidURL, err)
	}
	reports, err := s.recentReports(ctx, opGetReports, targetURL, maxResults)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return reports, nil
	}

	fullReport, found, err := s.GetFullReport(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	if found {
		reports[len(reports)-1].FullReport = fullReport
	}

	if err := s.metadata.TouchLastViewed(ctx, targetURL); err != nil {
		s.logError(opGetReports, reasonTouchFailed, err, zap.String(fieldURL, targetURL))
		return nil, serviceerr.New(opGetReports, reasonTouchFailed, err)
	}
	return reports, nil
}

// RecentReports returns up to maxResults of the URL's most recent reports,
// oldest first, without full reports and without touching metadata.
func (s *Store) RecentReports(ctx context.Context, rawURL string, maxResults int) ([]Report, error) {
	targetURL, err := slug.Normalize(rawURL)
	if err != nil {
		return nil, serviceerr.New(opRecentReports, reasonInvalidURL, err)
	}
	return s.recentReports(ctx, opRecentReports, targetURL, maxResults)
}

func (s *Store) recentReports(ctx context.Context, operation, targetURL string, maxResults int) ([]Report, error) {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	var records []ReportRecord
	err := s.db.WithContext(ctx).
		Where(queryURLID, slug.Encode(targetURL)).
		Order(orderAuditedOnDesc).
		Limit(maxResults).
		Find(&records).Error
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldURL, targetURL))
		return nil, serviceerr.New(operation, reasonQueryFailed, err)
	}

	reports := make([]Report, len(records))
	for index, record := range records {
		report, err := toReport(targetURL, record)
		if err != nil {
			s.logError(operation, reasonDecodeFailed, err, zap.String(fieldURL, targetURL))
			return nil, serviceerr.New(operation, reasonDecodeFailed, err)
		}
		reports[len(records)-1-index] = report
	}
	return reports, nil
}

// GetFullReport returns the newest full Lighthouse result stored for the URL.
// Blobs written under the percent-encoded or "+"-for-whitespace spelling of
// the URL are found as well.
func (s *Store) GetFullReport(ctx context.Context, rawURL string) (json.RawMessage, bool, error) {
	targetURL, err := slug.Normalize(rawURL)
	if err != nil {
		return nil, false, serviceerr.New(opGetFullReport, reasonInvalidURL, err)
	}
	for _, candidate := range fullReportCandidates(targetURL) {
		blobName := FullReportName(candidate)
		data, err := s.blobs.Get(ctx, blobName)
		if errors.Is(err, blobs.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logError(opGetFullReport, reasonBlobReadFailed, err, zap.String(fieldURL, targetURL), zap.String(fieldBlob, blobName))
			return nil, false, serviceerr.New(opGetFullReport, reasonBlobReadFailed, err)
		}
		return json.RawMessage(data), true, nil
	}
	return nil, false, nil
}

// DeleteAllReports removes every report of the URL in batches, one
// transaction per batch. Running it again after a partial failure resumes
// where the failed run stopped.
func (s *Store) DeleteAllReports(ctx context.Context, rawURL string) (DeleteSummary, error) {
	targetURL, err := slug.Normalize(rawURL)
	if err != nil {
		return DeleteSummary{}, serviceerr.New(opDeleteAllReports, reasonInvalidURL, err)
	}
	urlID := slug.Encode(targetURL)

	var summary DeleteSummary
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		var reportIDs []string
		err := s.db.WithContext(ctx).
			Model(&ReportRecord{}).
			Where(queryURLID, urlID).
			Order(orderReportIDAsc).
			Limit(s.deleteBatchSize).
			Pluck(columnReportID, &reportIDs).Error
		if err != nil {
			s.logError(opDeleteAllReports, reasonQueryFailed, err, zap.String(fieldURL, targetURL))
			return summary, serviceerr.New(opDeleteAllReports, reasonQueryFailed, err)
		}
		if len(reportIDs) == 0 {
			return summary, nil
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Where(queryReportIDs, reportIDs).Delete(&ReportRecord{}).Error
		})
		if err != nil {
			s.logError(opDeleteAllReports, reasonDeleteFailed, err, zap.String(fieldURL, targetURL), zap.Int(fieldDeleted, summary.Deleted))
			return summary, serviceerr.New(opDeleteAllReports, reasonDeleteFailed, err)
		}
		summary.Batches++
		summary.Deleted += len(reportIDs)
	}
}

// RemoveURL deletes every trace of the URL: its reports, its full-report blob
// and its metadata row.
func (s *Store) RemoveURL(ctx context.Context, rawURL string) error {
	targetURL, err := slug.Normalize(rawURL)
	if err != nil {
		return serviceerr.New(opRemoveURL, reasonInvalidURL, err)
	}
	summary, err := s.DeleteAllReports(ctx, targetURL)
	if err != nil {
		return err
	}
	blobName := FullReportName(targetURL)
	if err := s.blobs.Delete(ctx, blobName); err != nil {
		s.logError(opRemoveURL, reasonBlobDeleteFailed, err, zap.String(fieldURL, targetURL), zap.String(fieldBlob, blobName))
		return serviceerr.New(opRemoveURL, reasonBlobDeleteFailed, err)
	}
	if err := s.metadata.DeleteMetadata(ctx, targetURL); err != nil {
		s.logError(opRemoveURL, reasonDeleteFailed, err, zap.String(fieldURL, targetURL))
		return serviceerr.New(opRemoveURL, reasonDeleteFailed, err)
	}
	s.logger.Info("url removed", zap.String(fieldURL, targetURL), zap.Int(fieldDeleted, summary.Deleted))
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("report store failure", allFields...)
}

func toReport(targetURL string, record ReportRecord) (Report, error) {
	report := Report{
		ID:        record.ReportID,
		URL:       targetURL,
		AuditedOn: fromMillis(record.AuditedOnMillis),
	}
	if err := json.Unmarshal(record.CategoriesJSON, &report.Categories); err != nil {
		return Report{}, fmt.Errorf("report %s categories: %w", record.ReportID, err)
	}
	if len(record.CruxJSON) > 0 && string(record.CruxJSON) != "null" {
		if err := json.Unmarshal(record.CruxJSON, &report.Crux); err != nil {
			return Report{}, fmt.Errorf("report %s crux: %w", record.ReportID, err)
		}
	}
	return report, nil
}

func fullReportCandidates(targetURL string) []string {
	candidates := []string{targetURL}
	if parsed, err := url.Parse(targetURL); err == nil {
		candidates = appendUnique(candidates, parsed.String())
	}
	plussed := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '+'
		}
		return r
	}, targetURL)
	return appendUnique(candidates, plussed)
}

func appendUnique(values []string, candidate string) []string {
	for _, existing := range values {
		if existing == candidate {
			return values
		}
	}
	return append(values, candidate)
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
