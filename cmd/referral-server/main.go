package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/homecare/referrals/internal/config"
	"github.com/homecare/referrals/internal/domain/referral"
	"github.com/homecare/referrals/internal/platform/ai"
	"github.com/homecare/referrals/internal/platform/auth"
	"github.com/homecare/referrals/internal/platform/blobstore"
	"github.com/homecare/referrals/internal/platform/db"
	"github.com/homecare/referrals/internal/platform/events"
	"github.com/homecare/referrals/internal/platform/hipaa"
	"github.com/homecare/referrals/internal/platform/logging"
	"github.com/homecare/referrals/internal/platform/middleware"
	"github.com/homecare/referrals/internal/platform/notification"
	"github.com/homecare/referrals/internal/platform/webhook"
	"github.com/homecare/referrals/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "referral-server",
		Short: "Home-health referral intake API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the referral API server",
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

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			migrator, pool, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (default: embedded migrations)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			migrator, pool, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

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
		},
	}
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (default: embedded migrations)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Manage the referral access log",
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete access records older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("retention-days")
			cutoff, err := hipaa.RetentionCutoff(time.Now(), days)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := hipaa.NewAccessLog(pool).Purge(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d access record(s) older than %s.\n", n, cutoff.Format("2006-01-02"))
			return nil
		},
	}
	purgeCmd.Flags().Int("retention-days", hipaa.DefaultAccessLogRetentionDays, "Keep records newer than this many days")
	cmd.AddCommand(purgeCmd)

	return cmd
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationsFS(dir)), pool, nil
}

func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "referral-server",
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logger
	format := cfg.LogFormat
	if cfg.IsDev() {
		format = "text"
	}
	logger := logging.Setup(format)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Referral store
	var (
		repo      referral.Repository
		pool      *pgxpool.Pool
		accessLog *hipaa.AccessLog
	)
	switch cfg.StoreBackend {
	case "memory":
		repo = referral.NewMemoryRepo()
		logger.Warn().Msg("using in-memory referral store; data is lost on restart")
	default:
		pool, err = db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		migrator := db.NewMigrator(pool, migrationsFS(cfg.MigrationsDir))
		applied, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")
		repo = referral.NewRepoPG(pool)
		accessLog = hipaa.NewAccessLog(pool)
	}

	// Blob storage
	var (
		blobs       blobstore.BlobStore
		blobHandler *blobstore.BlobHandler
	)
	switch cfg.BlobBackend {
	case "s3":
		client, err := blobstore.NewS3Client(ctx, cfg.S3Endpoint)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure S3")
		}
		blobs = blobstore.NewS3BlobStore(client, blobstore.S3Config{
			Bucket:        cfg.S3Bucket,
			Endpoint:      cfg.S3Endpoint,
			PublicBaseURL: cfg.BlobPublicBaseURL,
		})
	default:
		base := cfg.BlobPublicBaseURL
		if base == "" {
			base = strings.TrimRight(cfg.PublicBaseURL, "/") + "/files"
		}
		mem := blobstore.NewInMemoryBlobStore(base)
		blobs = mem
		blobHandler = blobstore.NewBlobHandler(mem)
	}

	// Referral service
	svc := referral.NewService(
		repo,
		referral.NewIDGenerator(cfg.ReferralIDPrefix),
		referral.NewAttacher(blobs),
		referral.Limits{MaxTotalBytes: cfg.MaxAttachmentBytes},
		logger,
	)

	if cfg.AIEnabled() {
		client, err := ai.NewClient(ai.Config{
			APIKey:   cfg.GeminiAPIKey,
			Model:    cfg.GeminiModel,
			Endpoint: cfg.GeminiEndpoint,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure text generation")
		}
		svc.SetSummarizer(&summarizer{client: client}, pdfRenderer{})
		svc.SetCategorizer(&categorizer{client: client})
		logger.Info().Str("model", cfg.GeminiModel).Msg("referral summaries enabled")
	} else {
		logger.Warn().Msg("GEMINI_API_KEY not set; referrals are accepted without a summary")
	}

	publisher, err := newEventPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure event publisher")
	}
	defer publisher.Close()
	svc.SetEventPublisher(&eventPublisher{pub: publisher})

	var sender notification.EmailSender = notification.NewLogEmailSender(logger)
	if cfg.EmailEnabled() {
		sender = notification.NewSMTPEmailSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			Sender:   cfg.SMTPSender,
		})
	}
	svc.SetNotifier(&referrerNotifier{
		notifier:  notification.NewNotifier(sender, notification.NewTemplateEngine(), logger),
		statusURL: strings.TrimRight(cfg.PublicBaseURL, "/") + "/status",
	})

	// Token revocation
	revocations := auth.NewTokenRevocationStore(time.Minute)
	defer revocations.Close()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler(logger)
	ipExtractor, err := middleware.ClientIPExtractor(cfg.TrustedProxies)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid TRUSTED_PROXIES")
	}
	e.IPExtractor = ipExtractor

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit("1M", cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	jwtMW := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:      cfg.AuthIssuer,
		Audience:    cfg.AuthAudience,
		JWKSURL:     cfg.AuthJWKSURL,
		SigningKey:  []byte(cfg.AuthSigningKey),
		Revocations: revocations,
		Skipper:     auth.AuthSkipper,
	})
	if cfg.IsDev() {
		var verify echo.MiddlewareFunc
		if cfg.AuthSigningKey != "" || cfg.AuthJWKSURL != "" {
			verify = jwtMW
		}
		e.Use(auth.DevAuthMiddleware(verify))
	} else {
		e.Use(jwtMW)
	}

	// Audit middleware
	var recorders []middleware.AuditRecorder
	if accessLog != nil {
		recorders = append(recorders, accessLog)
	}
	e.Use(middleware.Audit(logger, recorders...))

	// API group
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	statusLimiter := middleware.RateLimit(middleware.StatusCheckRateLimitConfig(cfg.StatusCheckRPS, cfg.StatusCheckBurst))
	referral.NewHandler(svc).RegisterRoutes(apiV1, apiV1, statusLimiter)
	auth.RegisterRevocationRoutes(apiV1, revocations)
	if accessLog != nil {
		hipaa.NewAccessLogHandler(accessLog).RegisterRoutes(apiV1)
	}

	if blobHandler != nil {
		blobHandler.RegisterRoutes(e.Group(""))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Str("blobs", cfg.BlobBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEventPublisher picks the broker named by EVENTS_BACKEND. Settings were
// checked by Config.Validate.
func newEventPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (events.Publisher, error) {
	switch cfg.EventsBackend {
	case "sqs":
		client, err := events.NewSQSClient(ctx, "")
		if err != nil {
			return nil, err
		}
		return events.NewSQSPublisher(client, cfg.SQSQueueURL), nil
	case "kafka":
		return events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)), nil
	case "webhook":
		return webhook.NewPublisher(cfg.WebhookURL, cfg.WebhookSecret)
	default:
		return events.NewLogPublisher(logger), nil
	}
}
