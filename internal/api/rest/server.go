package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/cache"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/config"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/database"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/repository"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/device-trust-analytics-backend/internal/service/alerting"
	"github.com/davidleathers/device-trust-analytics-backend/internal/service/detection"
	"github.com/davidleathers/device-trust-analytics-backend/internal/service/profiling"
)

// Server is the API server with all its dependencies
type Server struct {
	config     *config.Config
	httpServer *http.Server
	logger     *slog.Logger

	pool      *database.ConnectionPool
	redis     cache.Cache
	profiling profiling.Service
}

// NewServer wires the full service stack from configuration
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("create infrastructure logger: %w", err)
	}

	pool, err := database.NewConnectionPool(&cfg.Database, zapLogger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db := pool.MeteredStdlibDB()

	redisCache, err := cache.NewRedisCache(&cfg.Redis, zapLogger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	anomalies := repository.NewAnomalyRepository(db)
	baselines := repository.NewBaselineRepository(db)
	profiles := repository.NewProfileRepository(db)
	snapshots := repository.NewSnapshotRepository(db)

	outlier := detection.NewOutlierDetector(
		cfg.Detection.OutlierThreshold,
		cfg.Detection.OutlierContamination,
	)

	profilingSvc := profiling.NewService(
		snapshots, baselines, profiles,
		cache.NewBehaviorCache(redisCache),
		outlier,
		logger,
		cfg.Profiling.BaselineWindowDays,
		cfg.Profiling.ProfileWindowDays,
	)

	tracer := telemetry.NewOpenTelemetryTracer("detection")
	detectionSvc := detection.NewService(
		[]detection.Detector{
			detection.NewRuleDetector(),
			detection.NewStatisticalDetector(
				profilingSvc,
				cfg.Detection.ZScoreThreshold,
				cfg.Detection.RareHourProbability,
				logger,
			),
			outlier,
		},
		anomalies,
		snapshots,
		tracer,
		logger,
		cfg.Detection.MaxBatchWorkers,
	)

	var notifier alerting.Notifier = alerting.NewLogNotifier(logger)
	if cfg.Alerting.WebhookURL != "" {
		notifier = alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout)
	}
	alertingSvc := alerting.NewService(anomalies, notifier, cfg.Alerting, logger)

	handler := NewHandler(detectionSvc, profilingSvc, alertingSvc, anomalies, logger, cfg.Version)

	srv := &Server{
		config:    cfg,
		logger:    logger,
		pool:      pool,
		redis:     redisCache,
		profiling: profilingSvc,
	}

	mux := handler.Routes()
	mux.HandleFunc("GET /readyz", srv.handleReadyz)

	srv.httpServer = &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: Chain(mux,
			RecoveryMiddleware(logger),
			RequestIDMiddleware(),
			TracingMiddleware(telemetry.NewOpenTelemetryTracer("http")),
			LoggingMiddleware(logger),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return srv, nil
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("api server listening",
		slog.String("addr", s.httpServer.Addr),
		slog.String("environment", s.config.Environment))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains requests, waits for background rebuilds and releases
// connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down api server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("drain http server: %w", err)
	}
	s.profiling.Close()
	if err := s.redis.Close(); err != nil {
		s.logger.Warn("redis close failed", slog.String("error", err.Error()))
	}
	s.pool.Close()
	return nil
}

// handleReadyz reports dependency health
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"database": "ok", "redis": "ok"}

	if err := s.pool.HealthCheck(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.redis.Set(ctx, cache.StatsPrefix+"readyz", "1", time.Minute); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"database":%q,"redis":%q}`, checks["database"], checks["redis"])
}
