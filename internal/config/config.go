package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "LHKEEPER"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabaseDSN     = "lighthouse-keeper.db"
	defaultLogLevel        = "info"
	defaultLogEncoding     = "json"
	defaultPSIStrategy     = "mobile"
	defaultMaxResults      = 10
	defaultTimezone        = "UTC"
	defaultDeleteBatchSize = 500
	defaultSweepBatchSize  = 500
	defaultSweepWorkers    = 20
	defaultProbeTimeout    = 30 * time.Second
	defaultStaleDays       = 60
	defaultMediansTTL      = 10 * time.Minute
	defaultTaskWorkers     = 4
	defaultTaskQueueSize   = 100
	defaultDashboardURL    = "https://web.dev/measure"
	defaultGoogleJWKSURL   = "https://www.googleapis.com/oauth2/v3/certs"
)

var defaultPSICategories = []string{"performance", "accessibility", "best-practices", "seo"}

// AppConfig captures runtime configuration for the service and its jobs.
type AppConfig struct {
	HTTPAddress     string
	DatabaseDriver  string
	DatabaseDSN     string
	LogLevel        string
	LogEncoding     string
	AdminSecret     string
	CronSecret      string
	OIDCAudience    string
	OIDCAccounts    []string
	OIDCJWKSURL     string
	PSIAPIKey       string
	PSIEndpoint     string
	PSIStrategy     string
	PSICategories   []string
	MaxResults      int
	ReferenceReport string
	Location        *time.Location
	DeleteBatchSize int
	SweepBatchSize  int
	SweepWorkers    int
	ProbeTimeout    time.Duration
	StaleThreshold  time.Duration
	MediansCacheTTL time.Duration
	TaskWorkers     int
	TaskQueueSize   int
	DashboardURL    string
	AllowedOrigins  []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("psi.strategy", defaultPSIStrategy)
	configViper.SetDefault("psi.categories", defaultPSICategories)
	configViper.SetDefault("reports.max_results", defaultMaxResults)
	configViper.SetDefault("reports.timezone", defaultTimezone)
	configViper.SetDefault("reports.delete_batch_size", defaultDeleteBatchSize)
	configViper.SetDefault("reports.reference_lhr", "")
	configViper.SetDefault("sweep.batch_size", defaultSweepBatchSize)
	configViper.SetDefault("sweep.concurrency", defaultSweepWorkers)
	configViper.SetDefault("sweep.probe_timeout", defaultProbeTimeout)
	configViper.SetDefault("stale.threshold_days", defaultStaleDays)
	configViper.SetDefault("medians.cache_ttl", defaultMediansTTL)
	configViper.SetDefault("tasks.workers", defaultTaskWorkers)
	configViper.SetDefault("tasks.queue_size", defaultTaskQueueSize)
	configViper.SetDefault("dashboard.url", defaultDashboardURL)
	configViper.SetDefault("auth.oidc.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("auth.oidc.service_accounts", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	timezone := strings.TrimSpace(configViper.GetString("reports.timezone"))
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("reports.timezone %q: %w", timezone, err)
	}

	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		LogLevel:        configViper.GetString("log.level"),
		LogEncoding:     configViper.GetString("log.encoding"),
		AdminSecret:     configViper.GetString("auth.admin_secret"),
		CronSecret:      configViper.GetString("auth.cron_secret"),
		OIDCAudience:    configViper.GetString("auth.oidc.audience"),
		OIDCAccounts:    splitList(configViper.GetStringSlice("auth.oidc.service_accounts")),
		OIDCJWKSURL:     configViper.GetString("auth.oidc.jwks_url"),
		PSIAPIKey:       configViper.GetString("psi.api_key"),
		PSIEndpoint:     configViper.GetString("psi.endpoint"),
		PSIStrategy:     configViper.GetString("psi.strategy"),
		PSICategories:   splitList(configViper.GetStringSlice("psi.categories")),
		MaxResults:      configViper.GetInt("reports.max_results"),
		ReferenceReport: strings.TrimSpace(configViper.GetString("reports.reference_lhr")),
		Location:        location,
		DeleteBatchSize: configViper.GetInt("reports.delete_batch_size"),
		SweepBatchSize:  configViper.GetInt("sweep.batch_size"),
		SweepWorkers:    configViper.GetInt("sweep.concurrency"),
		ProbeTimeout:    configViper.GetDuration("sweep.probe_timeout"),
		StaleThreshold:  time.Duration(configViper.GetInt("stale.threshold_days")) * 24 * time.Hour,
		MediansCacheTTL: configViper.GetDuration("medians.cache_ttl"),
		TaskWorkers:     configViper.GetInt("tasks.workers"),
		TaskQueueSize:   configViper.GetInt("tasks.queue_size"),
		DashboardURL:    configViper.GetString("dashboard.url"),
		AllowedOrigins:  splitList(configViper.GetStringSlice("http.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.CronSecret) == "" {
		return fmt.Errorf("auth.cron_secret is required")
	}
	if strings.TrimSpace(c.OIDCAudience) != "" && len(c.OIDCAccounts) == 0 {
		return fmt.Errorf("auth.oidc.service_accounts is required when auth.oidc.audience is set")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "mysql" {
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.DatabaseDriver)
	}
	if c.MaxResults <= 0 {
		return fmt.Errorf("reports.max_results must be positive")
	}
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("stale.threshold_days must be positive")
	}
	if len(c.PSICategories) == 0 {
		return fmt.Errorf("psi.categories must list at least one category")
	}
	return nil
}

// splitList flattens comma separated entries so env values like
// "a,b" and config lists behave alike.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
