package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthpod/portal/internal/config"
	"github.com/healthpod/portal/internal/domain/account"
	"github.com/healthpod/portal/internal/domain/appointment"
	"github.com/healthpod/portal/internal/domain/catalog"
	"github.com/healthpod/portal/internal/domain/medication"
	"github.com/healthpod/portal/internal/domain/provider"
	"github.com/healthpod/portal/internal/domain/visit"
	"github.com/healthpod/portal/internal/platform/ai"
	"github.com/healthpod/portal/internal/platform/auth"
	"github.com/healthpod/portal/internal/platform/blobstore"
	"github.com/healthpod/portal/internal/platform/db"
	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/hipaa"
	"github.com/healthpod/portal/internal/platform/middleware"
	"github.com/healthpod/portal/internal/platform/notification"
	"github.com/healthpod/portal/internal/platform/secrets"
	"github.com/healthpod/portal/internal/platform/telemetry"
	"github.com/healthpod/portal/internal/platform/websocket"
	"github.com/healthpod/portal/migrations"
)

const (
	audioRoute = "/api/v1/recordings/:id/audio"
	loginRoute = "/api/v1/auth/login"

	catalogMedicationsRoute = "/api/v1/catalog/medications"
	catalogProvidersRoute   = "/api/v1/catalog/providers"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-server",
		Short: "Patient portal API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(userCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				migrator := db.NewMigrator(pool, migrations.FS, schema)
				fmt.Printf("Running migrations on schema: %s\n", schema)

				count, err := migrator.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrations.FS, schema).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a backup or write a forward migration instead.")
			return nil
		},
	})

	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the medication catalog and provider directory",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Load a JSON or NDJSON file into a catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			file, _ := cmd.Flags().GetString("file")
			batch, _ := cmd.Flags().GetInt("batch-size")
			atomic, _ := cmd.Flags().GetBool("atomic")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			logger := newLogger(os.Getenv("ENV"))
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				meds := medication.NewService(medication.NewMedicationRepoPG(pool), medication.NewCatalogRepoPG(pool), nil, nil)
				providers := provider.NewService(provider.NewProviderRepoPG(pool), provider.NewDirectoryRepoPG(pool), nil, nil)

				importer := catalog.NewImporter(meds, providers, batch, logger)

				var res *catalog.Result
				run := func(ctx context.Context) error {
					var err error
					res, err = importer.ImportFile(ctx, kind, file)
					return err
				}
				var err error
				if atomic {
					err = db.WithTx(ctx, pool, run)
				} else {
					err = run(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d of %d %s entries in %d batch(es).\n", res.Imported, res.Read, res.Kind, res.Batches)
				return nil
			})
		},
	}
	importCmd.Flags().String("kind", catalog.KindMedications, "Catalog to load: medications or providers")
	importCmd.Flags().String("file", "", "Path to the catalog file")
	importCmd.Flags().Int("batch-size", catalog.DefaultBatchSize, "Entries written per batch")
	importCmd.Flags().Bool("atomic", false, "Roll back every batch if any batch fails")

	cmd.AddCommand(importCmd)
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage portal users",
	}

	grantCmd := &cobra.Command{
		Use:   "grant-admin",
		Short: "Give an existing user the admin role",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				users := account.NewUserRepoPG(pool)
				if err := users.AddRole(ctx, email, auth.RoleAdmin); err != nil {
					return fmt.Errorf("grant admin to %s: %w", email, err)
				}
				fmt.Printf("Granted admin to %s.\n", email)
				return nil
			})
		},
	}
	grantCmd.Flags().String("email", "", "Email of the user")

	cmd.AddCommand(grantCmd)
	return cmd
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.AWSSecretID != "" {
		loader, err := secrets.NewLoader(ctx, cfg.S3Region)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create secrets loader")
		}
		values, err := loader.Load(ctx, cfg.AWSSecretID)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load secrets")
		}
		cfg.ApplySecrets(values)
		logger.Info().Int("keys", len(values)).Msg("applied secrets overlay")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.UsesDevSigningKey() {
		logger.Warn().Msg("signing tokens with the development key")
	}

	// Telemetry
	tp, err := telemetry.InitTracer(ctx, tracingConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()
	col := telemetry.NewCollector("portal")

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Events: live streams always, the broker when configured.
	hub := websocket.NewHub(logger, col)
	defer hub.Close()
	fanout := events.NewFanout(logger, col, events.Sink{Name: "websocket", Publisher: hub})
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(kafkaConfig(cfg))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to kafka")
		}
		defer kafka.Close()
		fanout.Add(events.Sink{Name: "kafka", Publisher: kafka, Accept: events.DomainOnly})
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to kafka")
	}
	notifier := notification.NewManager(fanout, notification.NewTemplateEngine(), logger)

	// Storage
	var store blobstore.BlobStore
	switch cfg.StorageBackend {
	case "s3":
		store, err = blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			PublicBaseURL: cfg.S3PublicURL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create S3 store")
		}
	default:
		store = blobstore.NewInMemoryBlobStore(cfg.PublicBaseURL + "/files")
	}

	// AI
	var aiSvc ai.Service = ai.NewFake()
	if cfg.AIProvider == "openai" {
		aiSvc = ai.NewOpenAIClient(ai.OpenAIConfig{
			APIKey:             cfg.OpenAIAPIKey,
			BaseURL:            cfg.OpenAIBaseURL,
			TranscriptionModel: cfg.TranscriptionModel,
			SummaryModel:       cfg.SummaryModel,
		})
	}
	aiSvc = ai.NewBreaker(aiSvc, ai.DefaultBreakerConfig(), col, logger)

	cipher, err := hipaa.NewKeyRing(cfg.HIPAAEncryptionKey, cfg.HIPAAKeyVersion, cfg.HIPAAPreviousKeys)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create PHI cipher")
	}

	// Auth
	revocations := auth.NewTokenRevocationStore(time.Hour)
	defer revocations.Close()
	tokens := auth.NewTokenManager(auth.JWTConfig{
		Issuer:          cfg.JWTIssuer,
		SigningKey:      []byte(cfg.JWTSigningKey),
		TTL:             cfg.JWTTTL,
		Revocations:     revocations,
		Skipper:         auth.AuthSkipper,
		AllowQueryToken: true,
	})

	// Domain services
	providerSvc := provider.NewService(provider.NewProviderRepoPG(pool), provider.NewDirectoryRepoPG(pool), notifier, fanout)
	medSvc := medication.NewService(medication.NewMedicationRepoPG(pool), medication.NewCatalogRepoPG(pool), notifier, fanout)
	apptRepo := appointment.NewAppointmentRepoPG(pool)
	apptSvc := appointment.NewService(apptRepo, providerSvc, notifier, fanout)
	visitSvc := visit.NewService(visit.NewVisitRepoPG(pool), providerSvc, cipher, fanout)

	recorder := visit.NewRecorder(visit.RecorderConfig{
		MaxAudioBytes: cfg.MaxAudioBytes,
		IdleTTL:       cfg.RecordingIdleTTL,
	}, providerSvc, notifier, fanout, col, logger)
	go recorder.StartJanitor(ctx, time.Minute)

	pipeline := visit.NewPipeline(recorder, store, aiSvc, visitSvc, notifier, fanout, col, logger, visit.PipelineConfig{
		Language:  cfg.TranscriptionLanguage,
		MaxTokens: cfg.SummaryMaxTokens,
		Timeout:   cfg.PipelineTimeout,
	})

	accountSvc := account.NewService(account.NewUserRepoPG(pool), tokens, revocations, store, account.DataSources{
		Providers:    providerSvc,
		Visits:       visitSvc,
		Medications:  medSvc,
		Appointments: apptSvc,
	}, notifier, fanout, col, logger)

	reminder := appointment.NewReminder(apptRepo, notifier, fanout, col, logger)
	if cfg.ReminderInterval > 0 {
		reminder.Interval = cfg.ReminderInterval
	}
	if cfg.ReminderLead > 0 {
		reminder.Lead = cfg.ReminderLead
	}
	go reminder.Start(ctx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(col))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, bodyLimitOverrides(cfg)))
	e.Use(tokens.Middleware())

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(onPaths(middleware.RateLimit(middleware.LoginRateLimitConfig()), loginRoute))

	provider.NewHandler(providerSvc).RegisterRoutes(apiV1)
	medication.NewHandler(medSvc).RegisterRoutes(apiV1)
	appointment.NewHandler(apptSvc).RegisterRoutes(apiV1)
	visit.NewHandler(visitSvc, recorder, pipeline).RegisterRoutes(apiV1)
	account.NewHandler(accountSvc).RegisterRoutes(apiV1)
	catalog.NewHandler(catalog.NewImporter(medSvc, providerSvc, catalog.DefaultBatchSize, logger)).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, accountSvc.InitialState, cfg.CORSOrigins).RegisterRoutes(apiV1)

	if mem, ok := store.(*blobstore.InMemoryBlobStore); ok {
		blobstore.NewFileHandler(mem).RegisterRoutes(e)
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	e.GET("/metrics", echo.WrapHandler(col.Handler()))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.StorageBackend).Str("ai", cfg.AIProvider).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// withPool runs fn against a pool opened from the environment's config.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func tracingConfig(cfg *config.Config) telemetry.TracingConfig {
	return telemetry.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "portal-server",
		SampleRate:  cfg.TraceSampleRate,
		Insecure:    cfg.IsDev(),
	}
}

func kafkaConfig(cfg *config.Config) events.KafkaConfig {
	return events.KafkaConfig{
		Brokers:       cfg.KafkaBrokers,
		Topic:         cfg.KafkaTopic,
		ClientID:      "portal-server",
		SASLUser:      cfg.KafkaSASLUser,
		SASLPassword:  cfg.KafkaSASLPassword,
		SASLMechanism: cfg.KafkaSASLMechanism,
		TLS:           cfg.KafkaTLS,
	}
}

// bodyLimitOverrides lifts the JSON body limit for audio chunks, up to the
// per-recording cap, and for admin catalog uploads.
func bodyLimitOverrides(cfg *config.Config) map[string]int64 {
	return map[string]int64{
		audioRoute:              cfg.MaxAudioBytes,
		catalogMedicationsRoute: cfg.MaxCatalogBytes,
		catalogProvidersRoute:   cfg.MaxCatalogBytes,
	}
}

// onPaths applies mw only to the listed route paths.
func onPaths(mw echo.MiddlewareFunc, paths ...string) echo.MiddlewareFunc {
	match := make(map[string]bool, len(paths))
	for _, p := range paths {
		match[p] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		wrapped := mw(next)
		return func(c echo.Context) error {
			if match[c.Path()] {
				return wrapped(c)
			}
			return next(c)
		}
	}
}
