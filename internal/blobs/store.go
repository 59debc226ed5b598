// Package blobs stores large opaque payloads by name, gzip-compressed at rest.
package blobs

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates that no blob exists under the requested name.
	ErrNotFound = errors.New("blobs: not found")
	// ErrInvalidName indicates that a blob name is empty.
	ErrInvalidName = errors.New("blobs: invalid name")

	errMissingDatabase = errors.New("blobs: database handle is required")
)

// Store is the blob persistence contract consumed by the report store.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Exists(ctx context.Context, name string) (bool, error)
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// Blob is the persisted row behind a named payload.
type Blob struct {
	Name            string `gorm:"column:name;primaryKey;size:760;not null"`
	Data            []byte `gorm:"column:data;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Blob) TableName() string {
	return "blobs"
}

// GormStoreConfig describes the dependencies of a GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore keeps blobs in the relational database.
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore validates the configuration and returns a GormStore.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Put writes data under name, replacing any previous payload.
func (s *GormStore) Put(ctx context.Context, name string, data []byte) error {
	if name == "" {
		return ErrInvalidName
	}
	compressed, err := compress(data)
	if err != nil {
		return fmt.Errorf("blobs: compress %s: %w", name, err)
	}
	blob := Blob{
		Name:            name,
		Data:            compressed,
		UpdatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at_ms"}),
	}).Create(&blob).Error
	if err != nil {
		s.logger.Error("blob write failed", zap.String("name", name), zap.Error(err))
		return fmt.Errorf("blobs: put %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a blob is stored under name.
func (s *GormStore) Exists(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Blob{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, fmt.Errorf("blobs: exists %s: %w", name, err)
	}
	return count > 0, nil
}

// Get returns the decompressed payload stored under name.
func (s *GormStore) Get(ctx context.Context, name string) ([]byte, error) {
	var blob Blob
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobs: get %s: %w", name, err)
	}
	data, err := decompress(blob.Data)
	if err != nil {
		s.logger.Error("blob payload corrupt", zap.String("name", name), zap.Error(err))
		return nil, fmt.Errorf("blobs: decompress %s: %w", name, err)
	}
	return data, nil
}

// Delete removes the blob stored under name. Missing blobs are not an error.
func (s *GormStore) Delete(ctx context.Context, name string) error {
	if err := s.db.WithContext(ctx).Where("name = ?", name).Delete(&Blob{}).Error; err != nil {
		return fmt.Errorf("blobs: delete %s: %w", name, err)
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
