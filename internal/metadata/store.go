// Package metadata persists per-URL bookkeeping, named counters and sweep
// checkpoints.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/serviceerr"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/slug"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew            = "metadata.store.new"
	opTouchLastViewed     = "metadata.touch_last_viewed"
	opTouchLastVerified   = "metadata.touch_last_verified"
	opAdjustInterest      = "metadata.adjust_interest_count"
	opGetCount            = "metadata.get_count"
	opSetCount            = "metadata.set_count"
	opScanURLs            = "metadata.scan_urls"
	opLastViewedBefore    = "metadata.urls_last_viewed_before"
	opDeleteMetadata      = "metadata.delete"
	opGetCheckpoint       = "metadata.get_sweep_checkpoint"
	opSetCheckpoint       = "metadata.set_sweep_checkpoint"
	opListVerifiedSince   = "metadata.list_verified_since"
	columnURLID           = "url_id"
	columnLastViewed      = "last_viewed_ms"
	columnLastVerified    = "last_verified_ms"
	columnInterestCount   = "interest_count"
	columnName            = "name"
	queryURLID            = columnURLID + " = ?"
	queryName             = columnName + " = ?"
	fieldURL              = "url"
	reasonMissingDatabase = "missing_database"
	reasonInvalidURL      = "invalid_url"
	reasonUpsertFailed    = "upsert_failed"
	reasonQueryFailed     = "query_failed"
	reasonDeleteFailed    = "delete_failed"
	defaultScanBatchSize  = 500
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies of the metadata store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes URL metadata rows.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// TouchLastViewed sets the URL's last viewed time to now, creating the row if needed.
func (s *Store) TouchLastViewed(ctx context.Context, rawURL string) error {
	return s.touch(ctx, opTouchLastViewed, columnLastViewed, rawURL)
}

// TouchLastVerified sets the URL's last verified time to now, creating the row if needed.
func (s *Store) TouchLastVerified(ctx context.Context, rawURL string) error {
	return s.touch(ctx, opTouchLastVerified, columnLastVerified, rawURL)
}

func (s *Store) touch(ctx context.Context, operation, column, rawURL string) error {
	url, err := slug.Normalize(rawURL)
	if err != nil {
		return serviceerr.New(operation, reasonInvalidURL, err)
	}
	now := s.clock().UTC().UnixMilli()
	row := URLMetadata{URLID: slug.Encode(url)}
	switch column {
	case columnLastViewed:
		row.LastViewedMillis = &now
	case columnLastVerified:
		row.LastVerifiedMillis = &now
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnURLID}},
		DoUpdates: clause.AssignmentColumns([]string{column}),
	}).Create(&row).Error
	if err != nil {
		s.logError(operation, reasonUpsertFailed, err, zap.String(fieldURL, url))
		return serviceerr.New(operation, reasonUpsertFailed, err)
	}
	return nil
}

// IncrementInterestCount adds one watcher to the URL and returns the new count.
func (s *Store) IncrementInterestCount(ctx context.Context, rawURL string) (int64, error) {
	return s.adjustInterestCount(ctx, rawURL, 1)
}

// DecrementInterestCount removes one watcher from the URL and returns the new
// count. The count is not clamped and may become negative.
func (s *Store) DecrementInterestCount(ctx context.Context, rawURL string) (int64, error) {
	return s.adjustInterestCount(ctx, rawURL, -1)
}

func (s *Store) adjustInterestCount(ctx context.Context, rawURL string, delta int64) (int64, error) {
	url, err := slug.Normalize(rawURL)
	if err != nil {
		return 0, serviceerr.New(opAdjustInterest, reasonInvalidURL, err)
	}
	urlID := slug.Encode(url)

	var updated URLMetadata
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: columnURLID}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				columnInterestCount: gorm.Expr(columnInterestCount+" + ?", delta),
			}),
		}).Create(&URLMetadata{URLID: urlID, InterestCount: delta}).Error
		if err != nil {
			return err
		}
		return tx.Where(queryURLID, urlID).Take(&updated).Error
	})
	if txErr != nil {
		s.logError(opAdjustInterest, reasonUpsertFailed, txErr, zap.String(fieldURL, url), zap.Int64("delta", delta))
		return 0, serviceerr.New(opAdjustInterest, reasonUpsertFailed, txErr)
	}
	return updated.InterestCount, nil
}

// GetCount returns the named counter and whether it has ever been set.
func (s *Store) GetCount(ctx context.Context, name string) (int64, bool, error) {
	var counter Counter
	err := s.db.WithContext(ctx).Where(queryName, name).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		s.logError(opGetCount, reasonQueryFailed, err, zap.String("counter", name))
		return 0, false, serviceerr.New(opGetCount, reasonQueryFailed, err)
	}
	return counter.Value, true, nil
}

// SetCount stores value under the counter name.
func (s *Store) SetCount(ctx context.Context, name string, value int64) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnName}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Counter{Name: name, Value: value}).Error
	if err != nil {
		s.logError(opSetCount, reasonUpsertFailed, err, zap.String("counter", name))
		return serviceerr.New(opSetCount, reasonUpsertFailed, err)
	}
	return nil
}

// ScanURLs walks every tracked URL in id order, batchSize rows at a time.
// onBatch receives each non-empty page and then a final empty, complete batch.
// An error from onBatch stops the scan and is returned unchanged.
func (s *Store) ScanURLs(ctx context.Context, batchSize int, onBatch func(ScanBatch) error) error {
	if batchSize <= 0 {
		batchSize = defaultScanBatchSize
	}

	cursor := ""
	for {
		var urlIDs []string
		query := s.db.WithContext(ctx).
			Model(&URLMetadata{}).
			Where(columnURLID+" > ?", cursor).
			Order(columnURLID + " ASC").
			Limit(batchSize)
		if err := query.Pluck(columnURLID, &urlIDs).Error; err != nil {
			s.logError(opScanURLs, reasonQueryFailed, err, zap.String("cursor", cursor))
			return serviceerr.New(opScanURLs, reasonQueryFailed, err)
		}
		if len(urlIDs) == 0 {
			return onBatch(ScanBatch{Complete: true})
		}

		urls := make([]string, 0, len(urlIDs))
		for _, urlID := range urlIDs {
			urls = append(urls, slug.Decode(urlID))
		}
		if err := onBatch(ScanBatch{URLs: urls}); err != nil {
			return err
		}
		cursor = urlIDs[len(urlIDs)-1]
	}
}

// GetURLsLastViewedBefore returns every URL last viewed before cutoff.
func (s *Store) GetURLsLastViewedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var urlIDs []string
	err := s.db.WithContext(ctx).
		Model(&URLMetadata{}).
		Where(columnLastViewed+" < ?", cutoff.UTC().UnixMilli()).
		Order(columnURLID+" ASC").
		Pluck(columnURLID, &urlIDs).Error
	if err != nil {
		s.logError(opLastViewedBefore, reasonQueryFailed, err, zap.Time("cutoff", cutoff))
		return nil, serviceerr.New(opLastViewedBefore, reasonQueryFailed, err)
	}
	urls := make([]string, 0, len(urlIDs))
	for _, urlID := range urlIDs {
		urls = append(urls, slug.Decode(urlID))
	}
	return urls, nil
}

// DeleteMetadata removes the URL's metadata row. Missing rows are not an error.
func (s *Store) DeleteMetadata(ctx context.Context, rawURL string) error {
	url, err := slug.Normalize(rawURL)
	if err != nil {
		return serviceerr.New(opDeleteMetadata, reasonInvalidURL, err)
	}
	if err := s.db.WithContext(ctx).Where(queryURLID, slug.Encode(url)).Delete(&URLMetadata{}).Error; err != nil {
		s.logError(opDeleteMetadata, reasonDeleteFailed, err, zap.String(fieldURL, url))
		return serviceerr.New(opDeleteMetadata, reasonDeleteFailed, err)
	}
	return nil
}

// GetSweepCheckpoint returns the liveness low-water mark, or SweepSentinel
// when no sweep has run yet.
func (s *Store) GetSweepCheckpoint(ctx context.Context) (time.Time, error) {
	var checkpoint SweepCheckpoint
	err := s.db.WithContext(ctx).Where(queryName, CheckpointLiveness).Take(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SweepSentinel, nil
	}
	if err != nil {
		s.logError(opGetCheckpoint, reasonQueryFailed, err)
		return time.Time{}, serviceerr.New(opGetCheckpoint, reasonQueryFailed, err)
	}
	return fromMillis(checkpoint.LastVerifiedRunOnMillis), nil
}

// SetSweepCheckpoint stores the liveness low-water mark.
func (s *Store) SetSweepCheckpoint(ctx context.Context, mark time.Time) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnName}},
		DoUpdates: clause.AssignmentColumns([]string{"last_verified_run_on_ms"}),
	}).Create(&SweepCheckpoint{
		Name:                    CheckpointLiveness,
		LastVerifiedRunOnMillis: mark.UTC().UnixMilli(),
	}).Error
	if err != nil {
		s.logError(opSetCheckpoint, reasonUpsertFailed, err, zap.Time("mark", mark))
		return serviceerr.New(opSetCheckpoint, reasonUpsertFailed, err)
	}
	return nil
}

// ListVerifiedSince returns up to limit URLs verified at or after since,
// oldest verification first.
func (s *Store) ListVerifiedSince(ctx context.Context, since time.Time, limit int) ([]VerifiedURL, error) {
	var rows []URLMetadata
	err := s.db.WithContext(ctx).
		Where(columnLastVerified+" >= ?", since.UTC().UnixMilli()).
		Order(columnLastVerified + " ASC, " + columnURLID + " ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		s.logError(opListVerifiedSince, reasonQueryFailed, err, zap.Time("since", since))
		return nil, serviceerr.New(opListVerifiedSince, reasonQueryFailed, err)
	}

	verified := make([]VerifiedURL, 0, len(rows))
	for _, row := range rows {
		if row.LastVerifiedMillis == nil {
			continue
		}
		verified = append(verified, VerifiedURL{
			URL:          slug.Decode(row.URLID),
			LastVerified: fromMillis(*row.LastVerifiedMillis),
		})
	}
	return verified, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("metadata store error", attrs...)
}
