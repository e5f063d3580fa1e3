package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/sagaflow/internal/engine"
	"github.com/rendis/sagaflow/internal/flows"
	"github.com/rendis/sagaflow/internal/logging"
	"github.com/rendis/sagaflow/internal/metrics"
	"github.com/rendis/sagaflow/internal/operations"
	"github.com/rendis/sagaflow/internal/scheduler"
	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/internal/validation"
	"github.com/rendis/sagaflow/pkg/mcp"
)

const metricsNamespace = "sagaflow"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			printVersion()
			return
		case "diagram":
			if err := runDiagram(context.Background(), os.Args[2:], os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "config":
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(data))
			return
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP stream, so logs go to stderr.
	logger := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sagaflow exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}

	logger.Info("sagaflow serving MCP on stdio",
		slog.String("version", version),
		slog.Bool("durable", cfg.DBPath != ""),
		slog.String("sweep_schedule", cfg.SweepSchedule),
	)
	if err := a.mcp.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// app is the wired process: store, engine, flows, sweeper and surfaces.
type app struct {
	cfg        Config
	logger     *slog.Logger
	store      store.Store
	engine     *engine.Engine
	flows      *flows.Registry
	scheduler  *scheduler.Scheduler
	collector  *metrics.Collector
	metricsSrv *http.Server
	mcp        *mcp.Server
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	maxSleep, err := cfg.maxSleep()
	if err != nil {
		return nil, err
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init validator: %w", err)
	}
	ops, err := operations.NewDefaultRegistry(validator, operations.Config{MaxSleep: maxSleep})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init operations: %w", err)
	}
	catalog := engine.NewCatalog(ops, validator)

	// Event pipeline: engine -> notifier -> [metrics] -> store.
	var events engine.EventAppender = s
	var collector *metrics.Collector
	if cfg.MetricsAddr != "" {
		collector = metrics.NewCollector(metricsNamespace)
		events = metrics.NewAppender(events, collector)
	}
	notifier := mcp.NewRunNotifier(events, mcp.NewSessionRegistry())

	eng := engine.New(engine.Deps{
		Store:   s,
		Catalog: catalog,
		Logger:  logger,
		Events:  notifier,
	}, engine.Config{PoolSize: cfg.PoolSize})

	if collector != nil {
		collector.RegisterPool(metricsNamespace, eng.PoolMetrics)
	}

	flowReg := flows.NewRegistry(s, catalog, validator, nil, logger)

	sched, err := scheduler.New(eng, cfg.SweepSchedule, nil, logger)
	if err != nil {
		eng.Close()
		s.Close()
		return nil, err
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine:      eng,
		Flows:       flowReg,
		Workflows:   catalog.List,
		Operations:  ops.List,
		Definitions: catalog.Get,
		Notifier:    notifier,
		Logger:      logger,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     s,
		engine:    eng,
		flows:     flowReg,
		scheduler: sched,
		collector: collector,
		mcp:       srv,
	}, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DBPath == "" {
		return store.NewMemoryStore(), nil
	}
	dsn := cfg.DBPath
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "://") {
		dsn = "file:" + dsn
	}
	s, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// start restores persisted flows, resumes interrupted runs and starts the
// background loops. MCP serving is left to the caller.
func (a *app) start(ctx context.Context) error {
	n, err := a.flows.Load(ctx)
	if err != nil {
		return fmt.Errorf("load flows: %w", err)
	}
	if n > 0 {
		a.logger.Info("flows restored", slog.Int("count", n))
	}

	report, err := a.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	a.logger.Info("recovery complete",
		slog.Int("resumed", report.Resumed),
		slog.Int("expired", report.Expired),
		slog.Int("failed", report.Failed),
	)

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	if a.collector != nil {
		a.metricsSrv = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           a.metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		a.logger.Info("metrics listening", slog.String("addr", a.cfg.MetricsAddr))
	}
	return nil
}

func (a *app) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.collector.Handler())
	return mux
}

func (a *app) close() {
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsSrv.Shutdown(ctx)
		cancel()
	}
	a.scheduler.Stop()
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
}
