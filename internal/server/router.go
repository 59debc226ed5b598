package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/liveness"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/metadata"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/reports"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/tasks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	urlContextKey       = "lighthouse_keeper_url"
	oldURLContextKey    = "lighthouse_keeper_old_url"
	cronSubjectKey      = "lighthouse_keeper_cron_subject"
	adminSecretHeader   = "X-SECRET-KEY"
	defaultDashboardURL = "https://web.dev/measure"
	defaultMaxResults   = reports.DefaultMaxResults
	defaultSweepBatch   = liveness.DefaultBatchSize
)

var (
	errMissingReports    = errors.New("report store dependency required")
	errMissingScores     = errors.New("score service dependency required")
	errMissingMedians    = errors.New("corpus median cache dependency required")
	errMissingAudits     = errors.New("audit runner dependency required")
	errMissingMetadata   = errors.New("metadata store dependency required")
	errMissingSweeper    = errors.New("sweeper dependency required")
	errMissingTasks      = errors.New("task queue dependency required")
	errMissingCronTokens = errors.New("cron token validator dependency required")
	errMissingAdmin      = errors.New("admin secret dependency required")
	errInvalidCronAuth   = errors.New("handler can only be run by the scheduler")
	errInvalidAdminAuth  = errors.New("handler can only be run by admin user")
)

// ReportStore is the report access the HTTP layer needs.
type ReportStore interface {
	GetReports(ctx context.Context, rawURL string, maxResults int) ([]reports.Report, error)
	GetFullReport(ctx context.Context, rawURL string) (json.RawMessage, bool, error)
	RemoveURL(ctx context.Context, rawURL string) error
}

// ScoreService computes per-URL medians.
type ScoreService interface {
	GetMedianScores(ctx context.Context, rawURL string, maxResults int) (map[string]float64, error)
}

// CorpusMedians serves cached corpus-wide medians.
type CorpusMedians interface {
	Get(ctx context.Context) (map[string]float64, error)
	Refresh(ctx context.Context) (map[string]float64, error)
	Invalidate()
}

// AuditRunner audits a URL and stores the result.
type AuditRunner interface {
	Run(ctx context.Context, rawURL string) (reports.Report, error)
}

// MetadataStore is the metadata access the HTTP layer needs.
type MetadataStore interface {
	GetCount(ctx context.Context, name string) (int64, bool, error)
	SetCount(ctx context.Context, name string, value int64) error
	IncrementInterestCount(ctx context.Context, rawURL string) (int64, error)
	DecrementInterestCount(ctx context.Context, rawURL string) (int64, error)
	ScanURLs(ctx context.Context, batchSize int, onBatch func(metadata.ScanBatch) error) error
}

// StaleSweeper removes URLs nobody has viewed recently.
type StaleSweeper interface {
	RemoveStaleURLs(ctx context.Context, threshold time.Duration) (liveness.SweepResult, error)
}

// TaskQueue accepts background work.
type TaskQueue interface {
	Enqueue(task tasks.Task) error
	Pending() int
}

// CronTokenValidator validates scheduler bearer tokens.
type CronTokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// AdminVerifier checks the admin shared secret.
type AdminVerifier interface {
	Verify(candidate string) bool
}

// Dependencies wires the HTTP layer to the services.
type Dependencies struct {
	Reports        ReportStore
	Scores         ScoreService
	Medians        CorpusMedians
	Audits         AuditRunner
	Metadata       MetadataStore
	Sweeper        StaleSweeper
	Tasks          TaskQueue
	CronTokens     CronTokenValidator
	AdminSecret    AdminVerifier
	Catalog        *reports.Catalog
	DashboardURL   string
	MaxResults     int
	SweepBatchSize int
	StaleThreshold time.Duration
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the dashboard API and the
// scheduler endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Reports == nil:
		return nil, errMissingReports
	case deps.Scores == nil:
		return nil, errMissingScores
	case deps.Medians == nil:
		return nil, errMissingMedians
	case deps.Audits == nil:
		return nil, errMissingAudits
	case deps.Metadata == nil:
		return nil, errMissingMetadata
	case deps.Sweeper == nil:
		return nil, errMissingSweeper
	case deps.Tasks == nil:
		return nil, errMissingTasks
	case deps.CronTokens == nil:
		return nil, errMissingCronTokens
	case deps.AdminSecret == nil:
		return nil, errMissingAdmin
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dashboardURL := strings.TrimSpace(deps.DashboardURL)
	if dashboardURL == "" {
		dashboardURL = defaultDashboardURL
	}
	maxResults := deps.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	sweepBatch := deps.SweepBatchSize
	if sweepBatch <= 0 {
		sweepBatch = defaultSweepBatch
	}
	staleThreshold := deps.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = liveness.DefaultStaleThreshold
	}
	catalog := deps.Catalog
	if catalog == nil {
		defaultCatalog, err := reports.DefaultCatalog()
		if err != nil {
			return nil, err
		}
		catalog = &defaultCatalog
	}

	handler := &httpHandler{
		reports:        deps.Reports,
		scores:         deps.Scores,
		medians:        deps.Medians,
		audits:         deps.Audits,
		metadata:       deps.Metadata,
		sweeper:        deps.Sweeper,
		tasks:          deps.Tasks,
		cronTokens:     deps.CronTokens,
		adminSecret:    deps.AdminSecret,
		catalog:        *catalog,
		dashboardURL:   dashboardURL,
		maxResults:     maxResults,
		sweepBatchSize: sweepBatch,
		staleThreshold: staleThreshold,
		logger:         logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", handler.handleRoot)
	router.GET("/healthz", handler.handleHealth)

	cron := router.Group("/cron")
	cron.Use(handler.requireCron)
	cron.GET("/remove_invalid_urls", handler.handleCronRemoveInvalidURLs)
	cron.GET("/delete_stale_lighthouse_reports", handler.handleCronDeleteStale)
	cron.GET("/update_saved_url_count", handler.handleCronUpdateURLCount)
	cron.GET("/update_median_scores", handler.handleCronUpdateMedians)
	cron.GET("/update_lighthouse_scores", handler.handleCronUpdateScores)

	public := router.Group("/lh")
	public.Use(corsMiddleware(deps.AllowedOrigins...))
	public.OPTIONS("/*path", handler.handlePreflight)
	public.GET("/categories", handler.handleCategories)
	public.GET("/audits", handler.handleAudits)
	public.GET("/urls", handler.handleURLCount)
	public.GET("/reports", handler.requireURL, handler.handleReports)
	public.GET("/medians", handler.requireURL, handler.handleMedians)
	public.GET("/report", handler.requireURL, handler.handleFullReport)
	public.POST("/newaudit", handler.requireURL, handler.handleNewAudit)
	public.POST("/interest", handler.requireURL, handler.handleInterest)
	public.POST("/remove", handler.requireAdmin, handler.requireURL, handler.handleRemove)
	public.POST("/refresh", handler.requireAdmin, handler.requireURL, handler.handleRefresh)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", adminSecretHeader},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	reports        ReportStore
	scores         ScoreService
	medians        CorpusMedians
	audits         AuditRunner
	metadata       MetadataStore
	sweeper        StaleSweeper
	tasks          TaskQueue
	cronTokens     CronTokenValidator
	adminSecret    AdminVerifier
	catalog        reports.Catalog
	dashboardURL   string
	maxResults     int
	sweepBatchSize int
	staleThreshold time.Duration
	logger         *zap.Logger
}

func (h *httpHandler) requireCron(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if !strings.HasPrefix(header, "Bearer ") || token == "" {
		h.logger.Info("cron request without bearer token", zap.String("path", c.FullPath()))
		abortWithError(c, http.StatusForbidden, errInvalidCronAuth.Error())
		return
	}
	subject, err := h.cronTokens.Validate(c.Request.Context(), token)
	if err != nil {
		h.logger.Warn("cron token validation failed", zap.String("path", c.FullPath()), zap.Error(err))
		abortWithError(c, http.StatusForbidden, errInvalidCronAuth.Error())
		return
	}
	c.Set(cronSubjectKey, subject)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if !h.adminSecret.Verify(c.GetHeader(adminSecretHeader)) {
		h.logger.Warn("admin secret rejected", zap.String("path", c.FullPath()), zap.String("remote", c.ClientIP()))
		abortWithError(c, http.StatusForbidden, errInvalidAdminAuth.Error())
		return
	}
	c.Next()
}

func (h *httpHandler) requireURL(c *gin.Context) {
	input, err := extractURLInput(c)
	if err != nil {
		h.logger.Debug("request body unreadable", zap.Error(err))
	}
	if input.URL == "" {
		abortWithError(c, http.StatusBadRequest, "No url provided.")
		return
	}
	c.Set(urlContextKey, input.URL)
	c.Set(oldURLContextKey, input.OldURL)
	c.Next()
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"errors": message})
}
