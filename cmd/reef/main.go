package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/reef-io/reef/internal/crypto"
	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/dbclient"
	"github.com/reef-io/reef/internal/delta"
	"github.com/reef-io/reef/internal/depend"
	"github.com/reef-io/reef/internal/destination"
	"github.com/reef-io/reef/internal/email"
	"github.com/reef-io/reef/internal/maintenance"
	"github.com/reef-io/reef/internal/metrics"
	"github.com/reef-io/reef/internal/notification"
	"github.com/reef-io/reef/internal/pipeline"
	"github.com/reef-io/reef/internal/repositories"
	"github.com/reef-io/reef/internal/scheduler"
	"github.com/reef-io/reef/internal/source"
	"github.com/reef-io/reef/internal/template"
	"github.com/reef-io/reef/internal/throttle"
	"github.com/reef-io/reef/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr         string
	dbDriver         string
	dbDSN            string
	dataDir          string
	tempDir          string
	logLevel         string
	maxConcurrent    int
	checkIntervalSec int
	notifyConfig     string
	notifyRecipients string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "reef",
		Short: "Reef — scheduled data-movement platform",
		Long: `Reef periodically executes user-defined profiles that read rows from an
external database, optionally transform them, and deliver the result to one
or more destinations — or conversely ingest files into a target database.
Jobs compose multiple profiles with dependencies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))
	root.AddCommand(newRunProfileCmd(cfg))
	root.AddCommand(newRunImportCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("REEF_HTTP_ADDR", ":8080"), "HTTP listen address (webhooks, metrics, health)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("REEF_DB_DRIVER", "sqlite"), "Catalog driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("REEF_DB_DSN", "./reef.db"), "Catalog DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("REEF_DATA_DIR", "./data"), "Directory for keys and runtime state")
	root.PersistentFlags().StringVar(&cfg.tempDir, "temp-dir", envOrDefault("REEF_TEMP_DIR", os.TempDir()), "Staging directory for export artifacts")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("REEF_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.maxConcurrent, "max-concurrent", envIntOrDefault("REEF_MAX_CONCURRENT", 10), "Maximum concurrently running jobs (1-100)")
	root.PersistentFlags().IntVar(&cfg.checkIntervalSec, "check-interval", envIntOrDefault("REEF_CHECK_INTERVAL", 10), "Scheduler poll interval in seconds (5-300)")
	root.PersistentFlags().StringVar(&cfg.notifyConfig, "notify-config", envOrDefault("REEF_NOTIFY_CONFIG", ""), "Email destination JSON for system notifications")
	root.PersistentFlags().StringVar(&cfg.notifyRecipients, "notify-recipients", envOrDefault("REEF_NOTIFY_RECIPIENTS", ""), "Comma-separated admin recipients for system notifications")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reef %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending catalog migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			// Opening the catalog applies pending migrations.
			if _, err := openCatalog(cfg, logger); err != nil {
				return err
			}
			logger.Info("catalog is up to date")
			return nil
		},
	}
}

func newRunProfileCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "run-profile <id-or-code>",
		Short: "Execute one export profile and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), cfg, args[0], false)
		},
	}
}

func newRunImportCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "run-import <id-or-code>",
		Short: "Execute one import profile and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), cfg, args[0], true)
		},
	}
}

// app holds the wired subsystems shared by the daemon and one-shot commands.
type app struct {
	catalog   *gorm.DB
	repos     repos
	secrets   *crypto.Service
	throttler *throttle.Throttler
	export    *pipeline.Export
	imports   *pipeline.Import
	resolver  *depend.Resolver
	logger    *zap.Logger
}

type repos struct {
	connections    repositories.ConnectionRepository
	destinations   repositories.DestinationRepository
	profiles       repositories.ProfileRepository
	importProfiles repositories.ImportProfileRepository
	dependencies   repositories.DependencyRepository
	executions     repositories.ExecutionRepository
	states         repositories.DeltaStateRepository
	jobs           repositories.JobRepository
	tasks          repositories.ScheduledTaskRepository
	webhooks       repositories.WebhookRepository
}

func openCatalog(cfg *config, logger *zap.Logger) (*gorm.DB, error) {
	return db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
}

func buildApp(cfg *config, logger *zap.Logger) (*app, error) {
	catalog, err := openCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}

	r := repos{
		connections:    repositories.NewConnectionRepository(catalog),
		destinations:   repositories.NewDestinationRepository(catalog),
		profiles:       repositories.NewProfileRepository(catalog),
		importProfiles: repositories.NewImportProfileRepository(catalog),
		dependencies:   repositories.NewDependencyRepository(catalog),
		executions:     repositories.NewExecutionRepository(catalog),
		states:         repositories.NewDeltaStateRepository(catalog),
		jobs:           repositories.NewJobRepository(catalog),
		tasks:          repositories.NewScheduledTaskRepository(catalog),
		webhooks:       repositories.NewWebhookRepository(catalog),
	}

	if err := os.MkdirAll(cfg.dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	secrets, err := crypto.NewService(cfg.dataDir, logger)
	if err != nil {
		return nil, err
	}

	throttler := throttle.New()
	notifier := notification.New(throttler, buildNotificationSender(cfg, logger), logger)

	dispatcher := destination.NewDispatcher(destination.Config{
		TempRoot: filepath.Join(cfg.tempDir, "reef"),
		Logger:   logger,
	})

	renderer := template.New()
	emailExporter := email.NewExporter(renderer, nil, logger)

	clients := func(kind db.ConnectionKind, connectionString string) (dbclient.Client, error) {
		return dbclient.New(kind, connectionString, logger)
	}
	fetchers := func(kind db.DestinationKind, configJSON string) (source.Fetcher, error) {
		return source.New(kind, configJSON, logger)
	}

	export := pipeline.NewExport(pipeline.ExportConfig{
		Profiles:     r.profiles,
		Connections:  r.connections,
		Destinations: r.destinations,
		Executions:   r.executions,
		Delta:        delta.NewEngine(r.states, logger),
		Deliverer:    dispatcher,
		Clients:      clients,
		Renderer:     renderer,
		Email:        emailExporter,
		Notifier:     notifier,
		Secrets:      secrets,
		TempRoot:     filepath.Join(cfg.tempDir, "reef"),
		Logger:       logger,
	})

	imports := pipeline.NewImport(pipeline.ImportConfig{
		Profiles:    r.importProfiles,
		Connections: r.connections,
		Executions:  r.executions,
		States:      r.states,
		Clients:     clients,
		Fetchers:    fetchers,
		Secrets:     secrets,
		Logger:      logger,
	})

	resolver := depend.NewResolver(r.dependencies, r.profiles, r.executions, logger)

	return &app{
		catalog:   catalog,
		repos:     r,
		secrets:   secrets,
		throttler: throttler,
		export:    export,
		imports:   imports,
		resolver:  resolver,
		logger:    logger,
	}, nil
}

// buildNotificationSender wires the email channel for system notifications,
// falling back to log-only delivery when none is configured.
func buildNotificationSender(cfg *config, logger *zap.Logger) notification.Sender {
	if cfg.notifyConfig != "" && cfg.notifyRecipients != "" {
		emailCfg, err := email.ParseConfig(cfg.notifyConfig)
		if err == nil {
			sender, sErr := email.NewNotificationSender(emailCfg, cfg.notifyRecipients)
			if sErr == nil {
				return sender
			}
			err = sErr
		}
		logger.Warn("notification email channel misconfigured, logging notifications instead", zap.Error(err))
	}
	return notification.SenderFunc(func(_ context.Context, subject, _ string) error {
		logger.Info("notification", zap.String("subject", subject))
		return nil
	})
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting reef",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.Int("max_concurrent", cfg.maxConcurrent),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}

	executor := scheduler.NewPipelineExecutor(
		a.repos.jobs, a.repos.profiles, a.repos.importProfiles,
		a.resolver, a.export, a.imports, logger)

	sched := scheduler.New(a.repos.jobs, a.repos.tasks, executor, scheduler.Config{
		MaxConcurrentJobs: cfg.maxConcurrent,
		CheckInterval:     time.Duration(cfg.checkIntervalSec) * time.Second,
	}, logger)

	webhooks := webhook.New(a.repos.webhooks, logger)

	housekeeping, err := maintenance.New(maintenance.Config{
		Throttler: a.throttler,
		Webhooks:  webhooks,
		Profiles:  a.repos.profiles,
		Engine:    delta.NewEngine(a.repos.states, logger),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	m := metrics.New(sched.QueueDepth, a.throttler.Len)
	executor.SetMetrics(m)

	hookHandler := webhook.NewHandler(webhooks, sched, logger)
	hookHandler.OnAccepted(m.WebhookTriggers.Inc)

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Mount("/", hookHandler.Routes())
	router.Handle("/metrics", m.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), a.catalog); err != nil {
			http.Error(w, "catalog unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched.Start(ctx)
	housekeeping.Start()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		cancel()
		sched.Stop()
		housekeeping.Stop()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down reef")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	sched.Stop()
	housekeeping.Stop()
	return nil
}

// runOnce executes a single profile in the foreground.
func runOnce(ctx context.Context, cfg *config, ref string, isImport bool) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}

	var exec *db.Execution
	if isImport {
		id, rErr := resolveImportRef(ctx, a.repos.importProfiles, ref)
		if rErr != nil {
			return rErr
		}
		exec, err = a.imports.Run(ctx, id, db.TriggerManual)
	} else {
		id, rErr := resolveProfileRef(ctx, a.repos.profiles, ref)
		if rErr != nil {
			return rErr
		}
		exec, err = a.export.Run(ctx, id, db.TriggerManual)
	}
	if exec != nil {
		fmt.Printf("execution %s finished with status %s (%d rows read)\n",
			exec.ID, exec.Status, exec.RowsRead)
	}
	return err
}

func resolveProfileRef(ctx context.Context, profiles repositories.ProfileRepository, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	profile, err := profiles.GetByCode(ctx, ref)
	if err != nil {
		return uuid.Nil, fmt.Errorf("profile %q not found: %w", ref, err)
	}
	return profile.ID, nil
}

func resolveImportRef(ctx context.Context, profiles repositories.ImportProfileRepository, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	profile, err := profiles.GetByCode(ctx, ref)
	if err != nil {
		return uuid.Nil, fmt.Errorf("import profile %q not found: %w", ref, err)
	}
	return profile.ID, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}
