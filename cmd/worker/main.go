// Command worker runs the kura background worker: it drains the job queue,
// keeps projections current and serves metrics and health endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kurahq/kura/internal/catalog"
	"github.com/kurahq/kura/internal/config"
	"github.com/kurahq/kura/internal/inference"
	"github.com/kurahq/kura/internal/metrics"
	"github.com/kurahq/kura/internal/projection"
	"github.com/kurahq/kura/internal/quality"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
	"github.com/kurahq/kura/internal/telemetry"
	"github.com/kurahq/kura/internal/worker"
)

var version = "dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fallbackLogger().Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	st, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	cat := catalog.Default()
	reg := registry.New()
	custom := projection.RegisterAll(reg, projection.Deps{
		Catalog: cat,
		Strength: inference.NewOLSTrend(inference.StrengthConfig{
			HorizonDays:  cfg.StrengthHorizonDays,
			PlateauSlope: cfg.StrengthPlateauSlope,
		}),
		Readiness: inference.NewShrinkage(inference.ReadinessConfig{
			PriorMean:   cfg.ReadinessPriorMean,
			PriorWeight: cfg.ReadinessPriorWeight,
		}),
		Causal: inference.NewIPW(inference.CausalConfig{
			MinSamples:     cfg.CausalMinSamples,
			BootstrapCount: cfg.CausalBootstrapCount,
		}),
		TrainingLoadV2: cfg.TrainingLoadV2Enabled,
	}, quality.NewEngine(cat, reg, cfg.CalibrationTrackingEnabled))

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(promRegistry)
	go serveHTTP(cfg.ListenAddr, promRegistry, logger)

	maint, err := worker.NewMaintenance(st, cfg.MaintenanceCron, logger)
	if err != nil {
		logger.Fatal("maintenance schedule", zap.Error(err))
	}
	maint.Start()
	defer maint.Stop()

	w := worker.New(st, reg, custom, cfg, logger)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func serveHTTP(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("http listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return fallbackLogger()
	}
	return logger
}

func fallbackLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}
