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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eliteGoblin/winmend/internal/config"
	"github.com/eliteGoblin/winmend/internal/daemon"
	"github.com/eliteGoblin/winmend/internal/domain"
	"github.com/eliteGoblin/winmend/internal/infra"
	"github.com/eliteGoblin/winmend/internal/metrics"
	"github.com/eliteGoblin/winmend/internal/rules"
	"github.com/eliteGoblin/winmend/internal/usecase"
)

// service bundles everything the supervisor loop needs.
type service struct {
	cfg        *config.Config
	status     *infra.StatusFile
	pids       *infra.PIDFile
	pm         *infra.ProcessManagerImpl
	supervisor *daemon.Supervisor
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// loadConfig loads configuration, logging a warning when defaults were used.
func loadConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Warn("configuration problem, using defaults where needed", zap.Error(err))
	}
	return cfg
}

// createLogger returns the daemon logger: production JSON into a rotated file.
func createLogger(path string) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   false,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), writer, zap.InfoLevel)
	return zap.New(core, zap.AddCaller())
}

// openRuleDatabase opens the configured database, encrypted when rules.encrypt is set.
func openRuleDatabase(cfg *config.Config) (*infra.RuleDatabase, error) {
	if cfg.Rules.Database == "" {
		return nil, errors.New("rules.database is not configured")
	}
	if cfg.Rules.Encrypt {
		return infra.OpenEncryptedRuleDatabase(cfg.Rules.Database)
	}
	return infra.OpenRuleDatabase(cfg.Rules.Database, nil)
}

// loadRuleTable returns the rule table from the database, seeding an empty
// database first. Any database problem falls back to the built-in table.
func loadRuleTable(ctx context.Context, cfg *config.Config, logger *zap.Logger) *rules.Table {
	if cfg.Rules.Database == "" {
		return rules.NewDefaultTable()
	}

	db, err := openRuleDatabase(cfg)
	if err != nil {
		logger.Warn("rule database unavailable, using built-in rules", zap.Error(err))
		return rules.NewDefaultTable()
	}
	defer db.Close()

	count, err := db.Count(ctx)
	if err == nil && count == 0 {
		var added int
		added, err = db.Seed(ctx)
		logger.Info("seeded rule database", zap.String("path", db.Path()), zap.Int("rules", added))
	}
	if err != nil {
		logger.Warn("rule database unreadable, using built-in rules", zap.Error(err))
		return rules.NewDefaultTable()
	}

	table, err := db.Table(ctx)
	if err != nil {
		logger.Warn("rule database unreadable, using built-in rules", zap.Error(err))
		return rules.NewDefaultTable()
	}
	return table
}

// newProcessManager excludes the remediation tools from discovery, since
// their names usually contain the Wine marker.
func newProcessManager(cfg *config.Config) *infra.ProcessManagerImpl {
	return infra.NewProcessManager(
		cfg.Discovery.ProcessMarker,
		cfg.Discovery.DefaultPrefix,
		cfg.Remediation.PackageTool,
		cfg.Remediation.RegistryTool,
	)
}

// newService wires config, rules, infrastructure and the supervisor.
func newService(ctx context.Context, cfg *config.Config, sink domain.OutputSink, logger *zap.Logger) *service {
	m := metrics.NewMetrics()
	pm := newProcessManager(cfg)
	status := infra.NewStatusFileWithPath(cfg.Service.StatusFile)

	table := loadRuleTable(ctx, cfg, logger)
	engine := usecase.NewEngine(table)
	executor := infra.NewExecutor(
		infra.NewDefaultToolSet(cfg.Remediation.PackageTool, cfg.Remediation.RegistryTool),
		logger,
	)
	analyzer := usecase.NewAnalyzer(
		infra.NewTailer(pm, cfg.Backoff(), logger),
		engine,
		executor,
		usecase.AnalyzerConfig{
			Threshold:   cfg.Engine.AutoApplyThreshold,
			ErrorMarker: cfg.Engine.ErrorMarker,
			Sink:        sink,
		},
		m,
		logger,
	)

	supervisor := daemon.NewSupervisor(
		daemon.SupervisorConfig{ScanInterval: cfg.ScanIntervalDuration()},
		pm,
		analyzer,
		pm,
		m,
		logger,
		status,
	)

	logger.Info("service configured",
		zap.Int("rules", engine.Len()),
		zap.Float64("threshold", cfg.Engine.AutoApplyThreshold),
		zap.Duration("scan_interval", cfg.ScanIntervalDuration()),
		zap.String("status_file", status.Path()))

	return &service{
		cfg:        cfg,
		status:     status,
		pids:       infra.NewPIDFile(cfg.Service.PIDFile),
		pm:         pm,
		supervisor: supervisor,
		metrics:    m,
		logger:     logger,
	}
}

// run records the service pid and blocks until SIGINT/SIGTERM, then
// removes the pid and status files.
func (s *service) run() error {
	if err := daemon.ClaimPID(s.pids, s.status, s.pm); err != nil {
		return err
	}
	defer func() {
		if err := daemon.ReleasePID(s.pids, s.pm); err != nil {
			s.logger.Warn("failed to remove pid file", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	if s.cfg.Service.MetricsAddr != "" {
		go s.serveMetrics(ctx, s.cfg.Service.MetricsAddr)
	}

	err := s.supervisor.Run(ctx)

	if clearErr := s.status.Clear(); clearErr != nil {
		s.logger.Warn("failed to remove status file", zap.Error(clearErr))
	}
	s.logger.Info("service stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveMetrics exposes Prometheus metrics until ctx is done.
func (s *service) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("metrics server failed", zap.Error(fmt.Errorf("listen %s: %w", addr, err)))
	}
}
