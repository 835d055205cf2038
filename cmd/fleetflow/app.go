package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"cdr.dev/slog/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fleetflow/fleetflow/pkg/cache"
	"github.com/fleetflow/fleetflow/pkg/config"
	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/export"
	"github.com/fleetflow/fleetflow/pkg/factstore"
	"github.com/fleetflow/fleetflow/pkg/ingest"
	"github.com/fleetflow/fleetflow/pkg/lifecycle"
	"github.com/fleetflow/fleetflow/pkg/normalize"
	"github.com/fleetflow/fleetflow/pkg/registry"
	"github.com/fleetflow/fleetflow/pkg/render"
	"github.com/fleetflow/fleetflow/pkg/storage"
	"github.com/fleetflow/fleetflow/pkg/storage/s3"
	"github.com/fleetflow/fleetflow/pkg/telemetry"
)

// app holds everything a command needs, opened from configuration.
type app struct {
	cfg     *config.Config
	logger  slog.Logger
	metrics *telemetry.Metrics

	db       *storage.DB
	cache    cache.Store
	facts    *factstore.Store
	registry *registry.Registry
	fetcher  *export.Fetcher
	archiver *export.Archiver

	shutdown *lifecycle.ShutdownManager
}

// loadConfig resolves configuration files, environment and global flags.
func loadConfig(cmd *cobra.Command) (*config.Manager, error) {
	mgr := config.NewManager()
	if err := mgr.Load(configFile); err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("storage-driver") {
		cfg.Storage.Driver = storage.Driver(storageDriver)
	}
	if flags.Changed("storage-path") {
		cfg.Storage.Path = storagePath
	}
	if flags.Changed("storage-dsn") {
		cfg.Storage.DSN = storageDSN
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return mgr, nil
}

// newApp opens storage, the registry and the export clients. Close it when
// done.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	mgr, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	logger, err := telemetry.NewLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, shutdown: lifecycle.NewShutdownManager(0, logger)}
	opened := false
	defer func() {
		if !opened {
			a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = telemetry.NewMetrics(reg)
	if cfg.Telemetry.MetricsAddr != "" {
		a.serveMetrics(reg)
	}

	if cfg.Telemetry.Tracing {
		otlp := telemetry.DefaultOTLPConfig("fleetflow")
		otlp.Endpoint = cfg.Telemetry.Endpoint
		otlp.InsecureTLS = cfg.Telemetry.Insecure
		otlp.SamplingRatio = cfg.Telemetry.SamplingRatio
		otlp.Environment = cfg.Telemetry.Environment
		otlp.ServiceVersion = version
		shutdown, err := telemetry.NewOTLPExporter(otlp).Init(ctx)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.shutdown.Register("tracing", shutdown)
	}

	if cfg.Storage.Driver == storage.DriverDuckDB && cfg.Storage.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	a.db, err = storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.shutdown.Register("storage", func(context.Context) error { return a.db.Close() })

	if a.cache, err = cache.Open(ctx, a.db); err != nil {
		return nil, fmt.Errorf("open render cache: %w", err)
	}
	if a.facts, err = factstore.Open(ctx, a.db, logger); err != nil {
		return nil, fmt.Errorf("open fact store: %w", err)
	}

	backend, err := openRegistryBackend(cfg.Registry)
	if err != nil {
		return nil, err
	}
	logger.Debug(ctx, "opened stores", slog.F("storage", a.db.Driver), slog.F("registry", backend.Name()))
	a.shutdown.Register("registry", func(context.Context) error { return backend.Close() })
	a.registry = registry.New(backend, registry.Options{Logger: logger})

	var objects *s3.Client
	if cfg.Export.S3.Region != "" || cfg.Export.S3.Endpoint != "" || cfg.Export.Archive.Enabled {
		s3cfg := s3.DefaultConfig(cfg.Export.Archive.Bucket, cfg.Export.S3.Region)
		s3cfg.Endpoint = cfg.Export.S3.Endpoint
		s3cfg.UsePathStyle = cfg.Export.S3.UsePathStyle
		s3cfg.AccessKeyID = cfg.Export.S3.AccessKeyID
		s3cfg.SecretAccessKey = cfg.Export.S3.SecretAccessKey
		objects, err = s3.NewClient(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
	}

	policy := cfg.Export.Policy()
	fetchOpts := export.Options{
		PrivateHost: cfg.Export.PrivateHost,
		ChunkSize:   cfg.Export.ChunkSize,
		MaxSize:     cfg.Export.MaxSize,
		HTTPClient:  &http.Client{Timeout: cfg.Export.Timeout},
		Policy:      &policy,
		Logger:      logger,
		Metrics:     a.metrics,
	}
	if objects != nil {
		fetchOpts.Objects = objects
	}
	a.fetcher = export.NewFetcher(fetchOpts)

	if cfg.Export.Archive.Enabled {
		a.archiver = export.NewArchiver(objects, cfg.Export.Archive.Prefix, logger)
	}

	opened = true
	return a, nil
}

func openRegistryBackend(cfg config.RegistryConfig) (registry.Backend, error) {
	if cfg.Backend == "redis" {
		b, err := registry.NewRedisBackend(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return registry.NewMemoryBackend(), nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.Telemetry.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error(context.Background(), "metrics server stopped", slog.Error(err))
		}
	}()
	a.shutdown.Register("metrics", srv.Shutdown)
	a.logger.Info(context.Background(), "serving metrics", slog.F("addr", srv.Addr))
}

// pipeline builds an ingestion pipeline reporting each window to onWindow.
func (a *app) pipeline(onWindow ingest.WindowFunc) *ingest.Pipeline {
	submit := a.cfg.Upstream.SubmitPolicy()
	poll := a.cfg.Upstream.PollPolicy()
	return ingest.New(ingest.Options{
		Cache: a.cache,
		Facts: a.facts,
		Upstream: ingest.RenderUpstream(render.Options{
			HTTPClient:   &http.Client{Timeout: a.cfg.Upstream.Timeout},
			SubmitPolicy: &submit,
			PollPolicy:   &poll,
			Logger:       a.logger,
			Metrics:      a.metrics,
		}),
		Fetcher:    a.fetcher,
		Archiver:   a.archiver,
		Normalizer: normalize.New(a.cfg.Normalize.Options()),
		Planner:    a.cfg.Planner.Planner(),
		Budget:     a.cfg.Run.Budget,
		OnWindow:   onWindow,
		Logger:     a.logger,
		Metrics:    a.metrics,
	})
}

// Close releases everything newApp opened.
func (a *app) Close() {
	_ = a.shutdown.Shutdown(context.Background())
}

// exitCode is 2 for rejected requests and 1 for everything else.
func exitCode(err error) int {
	if fferrors.IsFatal(err) {
		return 2
	}
	return 1
}
