package database

import (
	"fmt"
	"strings"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/blobs"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/metadata"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/reports"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const (
	// DriverSQLite selects the pure Go SQLite driver.
	DriverSQLite = "sqlite"
	// DriverMySQL selects the MySQL driver.
	DriverMySQL = "mysql"
)

// Config selects the database driver and connection string.
type Config struct {
	Driver string
	DSN    string
}

// Open establishes a connection for cfg and brings the schema up to date.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}
	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}

// Migrate creates or updates every table and applies pending one-shot
// migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	err := db.AutoMigrate(
		&reports.ReportRecord{},
		&blobs.Blob{},
		&metadata.URLMetadata{},
		&metadata.Counter{},
		&metadata.SweepCheckpoint{},
		&migrationRecord{},
	)
	if err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
