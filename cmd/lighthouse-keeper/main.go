package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/auth"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/config"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/logging"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lighthouse-keeper",
		Short: "Lighthouse report aggregation service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		newSweepCommand(),
		&cobra.Command{
			Use:   "prune-stale",
			Short: "Remove URLs nobody has viewed within the stale threshold",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPruneStale(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "count-urls",
			Short: "Recount tracked URLs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCountURLs(cmd.Context())
			},
		},
		newMintCronTokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database connection string or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("psi-api-key", "", "PageSpeed Insights API key (overrides env)")
	cmd.PersistentFlags().String("cron-secret", "", "Scheduler token signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-secret", "", "Admin shared secret or bcrypt hash (overrides env)")
	cmd.PersistentFlags().Int("stale-threshold-days", defaults.GetInt("stale.threshold_days"), "Days without views before a URL is pruned")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "psi.api_key", "psi-api-key")
	bindFlag(cmd, "auth.cron_secret", "cron-secret")
	bindFlag(cmd, "auth.admin_secret", "admin-secret")
	bindFlag(cmd, "stale.threshold_days", "stale-threshold-days")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// setup loads configuration and builds the logger every command shares.
func setup() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	svc, err := buildServices(appConfig, logger)
	if err != nil {
		return err
	}
	defer svc.close() //nolint:errcheck

	pool := svc.newTaskPool(appConfig, logger)
	if err := pool.Start(); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Reports:        svc.reports,
		Scores:         svc.scores,
		Medians:        svc.medians,
		Audits:         svc.audits,
		Metadata:       svc.metadata,
		Sweeper:        svc.sweeper,
		Tasks:          pool,
		CronTokens:     svc.cronAuth,
		AdminSecret:    svc.admin,
		Catalog:        svc.catalog,
		DashboardURL:   appConfig.DashboardURL,
		MaxResults:     appConfig.MaxResults,
		SweepBatchSize: appConfig.SweepBatchSize,
		StaleThreshold: appConfig.StaleThreshold,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("task pool shutdown incomplete", zap.Error(err))
	}
	logger.Info("server stopped")
	return serveErr
}

func newSweepCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Probe the next batch of tracked URLs and remove dead ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			svc, err := buildServices(appConfig, logger)
			if err != nil {
				return err
			}
			defer svc.close() //nolint:errcheck

			if limit <= 0 {
				limit = appConfig.SweepBatchSize
			}
			result, err := svc.sweeper.RemoveNextSetOfInvalidURLs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "probed %d urls, removed %d\n", result.NumURLs, result.NumRemoved)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "URLs to probe (defaults to sweep.batch_size)")
	return cmd
}

func runPruneStale(ctx context.Context) error {
	appConfig, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	svc, err := buildServices(appConfig, logger)
	if err != nil {
		return err
	}
	defer svc.close() //nolint:errcheck

	result, err := svc.sweeper.RemoveStaleURLs(ctx, appConfig.StaleThreshold)
	if err != nil {
		return err
	}
	logger.Info("stale urls pruned", zap.Int("urls", result.NumURLs), zap.Int("removed", result.NumRemoved))
	return nil
}

func runCountURLs(ctx context.Context) error {
	appConfig, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	svc, err := buildServices(appConfig, logger)
	if err != nil {
		return err
	}
	defer svc.close() //nolint:errcheck

	count, err := svc.recountURLs(ctx)
	if err != nil {
		return err
	}
	logger.Info("saved url count updated", zap.Int64("count", count))
	return nil
}

func newMintCronTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint-cron-token",
		Short: "Print a bearer token for the external scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokens, err := auth.NewCronTokens(auth.CronTokenConfig{
				SigningSecret: []byte(appConfig.CronSecret),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := tokens.Issue(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", auth.DefaultCronSubject, "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to one year)")
	return cmd
}
