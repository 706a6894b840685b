// Package server assembles the long-running qcnorm daemon: the batch
// pipeline, the intake loop, the optional Postgres batch archive and Redis
// render cache, the sidecar clients and Prometheus exposition. Optional
// subsystems degrade to disabled with a warning instead of failing startup.
package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/batch"
	"github.com/neuroqc-norm-server/internal/cache"
	"github.com/neuroqc-norm-server/internal/config"
	"github.com/neuroqc-norm-server/internal/database"
	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/events"
	"github.com/neuroqc-norm-server/internal/export"
	"github.com/neuroqc-norm-server/internal/ingest"
	"github.com/neuroqc-norm-server/internal/intake"
	"github.com/neuroqc-norm-server/internal/normative"
	"github.com/neuroqc-norm-server/internal/repository"
	"github.com/neuroqc-norm-server/internal/service"
	"github.com/neuroqc-norm-server/internal/setup"
	"github.com/neuroqc-norm-server/internal/study"
	"github.com/neuroqc-norm-server/internal/telemetry"
	"github.com/neuroqc-norm-server/pkg/external"
)

const (
	connectTimeout  = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Server owns every long-lived component of the qcnorm daemon.
type Server struct {
	config  *config.Manager
	logger  *logrus.Logger
	metrics *telemetry.Metrics

	norms    *normative.Store
	studies  study.Store
	db       *database.DB
	reports  *cache.ReportCache
	bus      *events.Bus
	orch     *batch.Orchestrator
	daemon   *intake.Daemon
	exporter *telemetry.Server
}

// NewServer wires the daemon from configuration. The batch archive, the
// render cache and PDF reporting are optional: when their backing service is
// unreachable at startup they are disabled with a warning and everything
// else runs.
func NewServer(configManager *config.Manager) (*Server, error) {
	cfg := configManager.GetConfig()
	logger := newLogger(cfg.Logging)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	norms, err := openNorms(cfg.Normative.DatasetPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading normative dataset: %w", err)
	}

	classifier, err := service.NewAgeClassifier(norms, logger)
	if err != nil {
		return nil, fmt.Errorf("building age classifier: %w", err)
	}
	resolver, err := service.NewThresholdResolver(norms, logger)
	if err != nil {
		return nil, fmt.Errorf("building threshold resolver: %w", err)
	}
	normalizer := service.NewNormalizer(norms, classifier, logger)
	assessor := service.NewAssessor(cfg.Pipeline.CompositeWeights, logger)
	pipeline := service.NewPipeline(classifier, normalizer, resolver, assessor,
		cfg.Pipeline.ProcessingVersion, logger)

	studies, err := openStudyStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening study store: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	srv := &Server{
		config:  configManager,
		logger:  logger,
		metrics: metrics,
		norms:   norms,
		studies: studies,
	}

	// Batch archive: Postgres with the migration-managed schema.
	var archive domain.BatchArchive
	srv.db, err = connectArchive(ctx, cfg.Database, logger)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Batch archive disabled")
	} else {
		archive = repository.NewArchiveRepository(srv.db.Pool, logger)
	}

	// Render cache in front of the PDF renderer.
	var renderCache export.RenderCache
	srv.reports, err = cache.NewReportCache(cache.Config{
		RedisURL:   cfg.Cache.RedisURL,
		TTL:        cfg.Cache.DefaultTTL,
		PoolSize:   cfg.Cache.PoolSize,
		MaxRetries: cfg.Cache.MaxRetries,
	}, metrics, logger)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Report cache disabled")
	} else {
		renderCache = srv.reports
	}

	renderer := external.NewRenderClient(cfg.Renderer, logger)
	scanner := external.NewScanClient(cfg.Scanner, logger)

	// PDF reports are skipped entirely when no renderer answers at startup;
	// the circuit breaker covers failures after that.
	var pdf *export.PDFExporter
	if err := renderer.HealthCheck(ctx); err != nil {
		logger.WithField("error", err.Error()).Warn("PDF reports disabled")
	} else {
		pdf = export.NewPDFExporter(renderer, renderCache, logger)
	}

	srv.bus = events.NewBus(cfg.Events.SubscriberBuffer, logger)
	srv.orch = batch.NewOrchestrator(pipeline, srv.bus, batch.Options{
		Workers:          cfg.Pipeline.WorkerPoolSize,
		ProgressInterval: cfg.Pipeline.ProgressEventIntervalRows,
		Studies:          studies,
		Archive:          archive,
		Metrics:          metrics,
	}, logger)

	dataDir := setup.GetDefaultDataDir()
	if err := setup.EnsureDataDir(dataDir); err != nil {
		srv.Close()
		return nil, fmt.Errorf("preparing data directory: %w", err)
	}

	parser := ingest.NewParser(cfg.Pipeline.MaxInputBytes, logger)
	srv.daemon = intake.NewDaemon(srv.orch, parser, scanner, intake.Options{
		DataDir:      dataDir,
		PollInterval: cfg.Intake.PollInterval,
		SettleDelay:  cfg.Intake.SettleDelay,
		Batch: domain.BatchConfig{
			ApplyNormalization: true,
			ApplyAssessment:    true,
			Timeout:            cfg.Pipeline.BatchTimeout,
		},
		PDF: pdf,
		Report: export.ReportOptions{
			Dataset:   norms.Dataset().Name,
			AgeGroups: norms.AgeGroups(),
		},
	}, logger)

	if cfg.Telemetry.Enabled {
		srv.exporter = telemetry.NewServer(cfg.Telemetry.ListenAddr, registry, logger)
	}

	return srv, nil
}

// Start runs the intake loop until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting qcnorm server...")

	if s.exporter != nil {
		go func() {
			if err := s.exporter.Start(); err != nil {
				s.logger.WithField("error", err.Error()).Error("Telemetry server failed")
			}
		}()
	}

	sub := s.bus.Subscribe(events.TopicDashboard)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.drainDashboard(sub)
	}()

	s.daemon.Run(ctx)

	sub.Close()
	<-drained
	return nil
}

// Close releases every long-lived resource. Call it once Start has returned.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.orch != nil {
		if err := s.orch.Shutdown(ctx); err != nil {
			s.logger.WithField("error", err.Error()).Warn("Orchestrator shutdown incomplete")
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.exporter != nil {
		if err := s.exporter.Shutdown(ctx); err != nil {
			s.logger.WithField("error", err.Error()).Warn("Telemetry shutdown incomplete")
		}
	}
	if s.reports != nil {
		_ = s.reports.Close()
	}
	if s.studies != nil {
		_ = s.studies.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	s.logger.Info("Server stopped")
}

// drainDashboard logs batch lifecycle events and keeps the bus-drop gauge
// current. It returns when the subscription closes.
func (s *Server) drainDashboard(sub *events.Subscription) {
	var lastDropped int64
	for ev := range sub.Events() {
		if d := sub.Dropped(); d != lastDropped {
			s.metrics.BusDropped(sub.Topic(), d)
			lastDropped = d
		}

		switch ev.Type {
		case events.EventBatchStarted:
			if p, ok := ev.Payload.(events.BatchStartedPayload); ok {
				s.logger.WithFields(logrus.Fields{
					"batch_id": p.BatchID,
					"total":    p.Total,
				}).Info("Batch started")
			}
		case events.EventBatchCompleted, events.EventBatchFailed, events.EventBatchCancelled:
			if p, ok := ev.Payload.(events.BatchCompletedPayload); ok {
				s.logger.WithFields(logrus.Fields{
					"batch_id":   p.BatchID,
					"status":     string(ev.Type),
					"completed":  p.Completed,
					"failed":     p.Failed,
					"elapsed_ms": p.ElapsedMS,
				}).Info("Batch finished")
			}
		case events.EventBackpressureWarning:
			if p, ok := ev.Payload.(events.BackpressureWarningPayload); ok {
				s.logger.WithFields(logrus.Fields{
					"topic":         p.Topic,
					"dropped_total": p.DroppedTotal,
				}).Warn("Event subscriber lagging")
			}
		}
	}
}

// openNorms loads the configured dataset file or falls back to the built-in
// norms.
func openNorms(path string, logger *logrus.Logger) (*normative.Store, error) {
	if path != "" {
		return normative.NewStoreFromFile(path, logger)
	}
	return normative.NewStore(logger), nil
}

// openStudyStore selects the configured study backend.
func openStudyStore(cfg *domain.Config, logger *logrus.Logger) (study.Store, error) {
	switch cfg.Study.Backend {
	case "postgres":
		dbCfg := pgConfig(cfg.Database)
		store, err := study.NewPostgresStoreFromURL(dbCfg.URL())
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"backend":  "postgres",
			"host":     cfg.Database.Host,
			"database": cfg.Database.Database,
		}).Info("Study store ready")
		return store, nil
	default:
		path := os.ExpandEnv(cfg.Study.SQLitePath)
		store, err := study.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"backend": "sqlite",
			"path":    path,
		}).Info("Study store ready")
		return store, nil
	}
}

// connectArchive opens the Postgres pool for the batch archive and applies
// pending migrations.
func connectArchive(ctx context.Context, cfg domain.DatabaseConfig, logger *logrus.Logger) (*database.DB, error) {
	db, err := database.NewConnection(ctx, pgConfig(cfg), logger)
	if err != nil {
		return nil, err
	}

	runner, err := database.NewMigrationRunner(pgConfig(cfg).URL(), cfg.MigrationsPath, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	defer runner.Close()
	if err := runner.Up(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func pgConfig(cfg domain.DatabaseConfig) database.Config {
	return database.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Database:    cfg.Database,
		Username:    cfg.Username,
		Password:    cfg.Password,
		MaxConns:    int32(cfg.MaxOpenConns),
		MinConns:    int32(cfg.MaxIdleConns),
		MaxConnLife: cfg.ConnMaxLifetime,
		SSLMode:     cfg.SSLMode,
	}
}

// newLogger builds the process logger from configuration. Bad values fall
// back to info-level JSON on stdout.
func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	switch cfg.Output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.SetOutput(os.Stdout)
			logger.WithFields(logrus.Fields{
				"path":  cfg.Output,
				"error": err.Error(),
			}).Warn("Failed to open log file, using stdout")
		} else {
			logger.SetOutput(f)
		}
	}
	return logger
}
