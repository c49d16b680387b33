package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"ingestd/pkg/bus"
	"ingestd/pkg/db"
	"ingestd/pkg/storage"
	"ingestd/pkg/telemetry"
	"ingestd/services/api"
	"ingestd/services/operations"
	"ingestd/services/uploads"
)

const serviceName = "ingest-api"

// Config holds runtime configuration for the ingest API service.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	DBDSN          string   `env:"DB_DSN,required"`
	NATSURL        string   `env:"NATS_URL"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`
	RateLimit      int      `env:"RATE_LIMIT_PER_MINUTE,default=300"`

	S3Region         string `env:"S3_REGION"`
	S3Bucket         string `env:"S3_BUCKET"`
	S3AccessKey      string `env:"S3_ACCESS_KEY"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`
	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=false"`

	GCSProjectID       string `env:"GCS_PROJECT_ID"`
	GCSBucket          string `env:"GCS_BUCKET"`
	GCSCredentialsFile string `env:"GCS_CREDENTIALS_FILE"`

	AzureConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING"`
	AzureContainer        string `env:"AZURE_STORAGE_CONTAINER"`

	UploadMaxBytes    int64 `env:"UPLOAD_MAX_BYTES"`
	UploadMP4MaxBytes int64 `env:"UPLOAD_MP4_MAX_BYTES"`
	UploadMP4Enabled  bool  `env:"UPLOAD_MP4_ENABLED,default=false"`

	DispatcherPollInterval time.Duration `env:"DISPATCHER_POLL_INTERVAL,default=5s"`
	DispatcherBatchSize    int           `env:"DISPATCHER_BATCH_SIZE,default=50"`
	DispatcherLeaseTTL     time.Duration `env:"DISPATCHER_LEASE_TTL,default=2m"`

	IdempotencyTTL           time.Duration `env:"IDEMPOTENCY_TTL,default=24h"`
	IdempotencySweepInterval time.Duration `env:"IDEMPOTENCY_SWEEP_INTERVAL,default=1h"`
	SessionSweepInterval     time.Duration `env:"SESSION_SWEEP_INTERVAL,default=10m"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", serviceName).Logger()

	if err := run(ctx, logger); err != nil {
		logger.Fatal().Err(err).Msg("service exited")
	}
}

func run(ctx context.Context, logger zerolog.Logger) error {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return err
	}

	shutdownTelemetry, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	orm, err := gorm.Open(postgres.Open(cfg.DBDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return err
	}

	var events *bus.Bus
	if cfg.NATSURL != "" {
		events, err = bus.New(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer events.Close()
	}

	fleet, err := buildFleet(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info().Strs("providers", fleet.Names()).Msg("storage fleet configured")

	uploadSvc, err := uploads.NewService(
		fleet,
		uploads.NewGormSessionStore(orm),
		uploads.NewGormArtifactStore(orm),
		events,
		logger,
		uploads.Limits{
			DefaultMaxBytes: cfg.UploadMaxBytes,
			MP4MaxBytes:     cfg.UploadMP4MaxBytes,
			MP4Enabled:      cfg.UploadMP4Enabled,
		},
	)
	if err != nil {
		return err
	}

	opStore := operations.NewGormStore(orm)
	engine, err := operations.NewEngine(opStore, events, logger)
	if err != nil {
		return err
	}
	ledger, err := operations.NewLedger(operations.NewGormIdempotencyStore(orm), cfg.IdempotencyTTL, logger)
	if err != nil {
		return err
	}

	tests := api.NewGormTestStore(orm)

	dispatcher, err := operations.NewDispatcher(opStore, events, logger, operations.DispatcherConfig{
		PollInterval: cfg.DispatcherPollInterval,
		BatchSize:    cfg.DispatcherBatchSize,
		LeaseTTL:     cfg.DispatcherLeaseTTL,
	})
	if err != nil {
		return err
	}
	if err := dispatcher.Register("INGEST", api.IngestHandler(uploadSvc, tests, logger)); err != nil {
		return err
	}

	go dispatcher.Run(ctx)
	go ledger.Run(ctx, cfg.IdempotencySweepInterval)
	go uploadSvc.RunSweeper(ctx, cfg.SessionSweepInterval)

	a, err := api.New(
		&api.Store{DB: pool},
		uploadSvc, engine, ledger, tests, logger, api.Config{},
	)
	if err != nil {
		return err
	}
	routes, err := a.Routes(api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
	})
	if err != nil {
		return err
	}

	root := chi.NewRouter()
	root.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	root.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	root.Method(http.MethodGet, "/metrics", promhttp.Handler())
	root.Mount("/", routes)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(root),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
		dispatcher.Wait()
	}()

	logger.Info().Str("addr", cfg.Addr).Msg("starting ingest-api")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildFleet wires every backend with credentials configured. Preference
// order is fixed: S3, then GCS, then Azure.
func buildFleet(ctx context.Context, cfg Config) (*storage.Fleet, error) {
	var providers []storage.Provider

	if cfg.S3Bucket != "" {
		p, err := storage.NewS3Provider(ctx, storage.S3Config{
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Endpoint:       cfg.S3Endpoint,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	if cfg.GCSBucket != "" {
		p, err := storage.NewGCSProvider(ctx, storage.GCSConfig{
			ProjectID:       cfg.GCSProjectID,
			Bucket:          cfg.GCSBucket,
			CredentialsFile: cfg.GCSCredentialsFile,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	if cfg.AzureConnectionString != "" {
		p, err := storage.NewAzureProvider(storage.AzureConfig{
			ConnectionString: cfg.AzureConnectionString,
			Container:        cfg.AzureContainer,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		return nil, errors.New("no storage backend configured")
	}
	return storage.NewFleet(providers...), nil
}
