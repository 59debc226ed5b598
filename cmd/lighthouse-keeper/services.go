package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/audits"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/auth"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/blobs"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/config"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/database"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/lighthouse"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/liveness"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/metadata"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/reports"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/scores"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/tasks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type services struct {
	db       *gorm.DB
	metadata *metadata.Store
	reports  *reports.Store
	scores   *scores.Service
	medians  *scores.CorpusCache
	audits   *audits.Service
	sweeper  *liveness.Sweeper
	cronAuth *auth.CronAuthenticator
	admin    *auth.AdminSecret
	catalog  *reports.Catalog
}

func buildServices(appConfig config.AppConfig, logger *zap.Logger) (*services, error) {
	db, err := database.Open(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		return nil, err
	}

	metadataStore, err := metadata.NewStore(metadata.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("metadata"),
	})
	if err != nil {
		return nil, err
	}
	blobStore, err := blobs.NewGormStore(blobs.GormStoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("blobs"),
	})
	if err != nil {
		return nil, err
	}
	reportStore, err := reports.NewStore(reports.StoreConfig{
		Database:        db,
		Blobs:           blobStore,
		Metadata:        metadataStore,
		Clock:           time.Now,
		Location:        appConfig.Location,
		IDProvider:      reports.NewUUIDProvider(),
		DeleteBatchSize: appConfig.DeleteBatchSize,
		Logger:          logger.Named("reports"),
	})
	if err != nil {
		return nil, err
	}

	scoreService, err := scores.NewService(scores.ServiceConfig{
		Reports: reportStore,
		URLs:    metadataStore,
		Logger:  logger.Named("scores"),
	})
	if err != nil {
		return nil, err
	}
	medianCache, err := scores.NewCorpusCache(scores.CorpusCacheConfig{
		Compute: func(ctx context.Context) (map[string]float64, error) {
			return scoreService.GetMedianScoresOfAllURLs(ctx, scores.DefaultCorpusResultsPerURL)
		},
		TTL:    appConfig.MediansCacheTTL,
		Logger: logger.Named("medians"),
	})
	if err != nil {
		return nil, err
	}

	client, err := lighthouse.NewClient(lighthouse.ClientConfig{
		APIKey:     appConfig.PSIAPIKey,
		Endpoint:   appConfig.PSIEndpoint,
		Strategy:   appConfig.PSIStrategy,
		Categories: appConfig.PSICategories,
		Logger:     logger.Named("lighthouse"),
	})
	if err != nil {
		return nil, err
	}
	auditService, err := audits.NewService(audits.ServiceConfig{
		Auditor: client,
		Reports: reportStore,
		Logger:  logger.Named("audits"),
	})
	if err != nil {
		return nil, err
	}

	sweeper, err := liveness.NewSweeper(liveness.SweeperConfig{
		Metadata:    metadataStore,
		Remover:     reportStore,
		Prober:      liveness.NewHTTPProber(liveness.HTTPProberConfig{Timeout: appConfig.ProbeTimeout}),
		Concurrency: appConfig.SweepWorkers,
		Clock:       time.Now,
		Logger:      logger.Named("liveness"),
	})
	if err != nil {
		return nil, err
	}

	cronTokens, err := auth.NewCronTokens(auth.CronTokenConfig{SigningSecret: []byte(appConfig.CronSecret)})
	if err != nil {
		return nil, err
	}
	var schedulerOIDC *auth.SchedulerOIDC
	if appConfig.OIDCAudience != "" {
		schedulerOIDC, err = auth.NewSchedulerOIDC(auth.SchedulerOIDCConfig{
			Audience:        appConfig.OIDCAudience,
			ServiceAccounts: appConfig.OIDCAccounts,
			JWKSURL:         appConfig.OIDCJWKSURL,
			Logger:          logger.Named("oidc"),
		})
		if err != nil {
			return nil, err
		}
	}
	cronAuth, err := auth.NewCronAuthenticator(cronTokens, schedulerOIDC)
	if err != nil {
		return nil, err
	}
	catalog, err := loadCatalog(appConfig.ReferenceReport)
	if err != nil {
		return nil, err
	}
	admin := auth.NewAdminSecret(appConfig.AdminSecret)
	if !admin.Enabled() {
		logger.Warn("auth.admin_secret is not set; admin routes will reject every request")
	}

	return &services{
		db:       db,
		metadata: metadataStore,
		reports:  reportStore,
		scores:   scoreService,
		medians:  medianCache,
		audits:   auditService,
		sweeper:  sweeper,
		cronAuth: cronAuth,
		admin:    admin,
		catalog:  catalog,
	}, nil
}

// loadCatalog reads the reference report behind /lh/categories and /lh/audits.
// An empty path selects the bundled report.
func loadCatalog(path string) (*reports.Catalog, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reports.reference_lhr: %w", err)
	}
	catalog, err := reports.NewCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("reports.reference_lhr %s: %w", path, err)
	}
	return &catalog, nil
}

func (s *services) close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// newTaskPool wires background task kinds to the services that run them.
func (s *services) newTaskPool(appConfig config.AppConfig, logger *zap.Logger) *tasks.Pool {
	return tasks.NewPool(tasks.PoolConfig{
		Workers:   appConfig.TaskWorkers,
		QueueSize: appConfig.TaskQueueSize,
		Handlers: map[tasks.Kind]tasks.HandlerFunc{
			tasks.KindRefreshURL: func(ctx context.Context, task tasks.Task) error {
				_, err := s.audits.Run(ctx, task.URL)
				return err
			},
			tasks.KindRemoveInvalidURLs: func(ctx context.Context, task tasks.Task) error {
				result, err := s.sweeper.RemoveNextSetOfInvalidURLs(ctx, task.Limit)
				if err != nil {
					return err
				}
				logger.Info("liveness sweep finished", zap.Int("urls", result.NumURLs), zap.Int("removed", result.NumRemoved))
				return nil
			},
		},
		Logger: logger.Named("tasks"),
	})
}

// recountURLs stores the number of tracked URLs in the saved-URL counter.
func (s *services) recountURLs(ctx context.Context) (int64, error) {
	var count int64
	err := s.metadata.ScanURLs(ctx, 0, func(batch metadata.ScanBatch) error {
		count += int64(len(batch.URLs))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan urls: %w", err)
	}
	if err := s.metadata.SetCount(ctx, metadata.CounterSavedURLs, count); err != nil {
		return 0, err
	}
	return count, nil
}
