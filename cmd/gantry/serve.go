package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rendis/gantry/internal/bus"
	"github.com/rendis/gantry/internal/control"
	"github.com/rendis/gantry/internal/filter"
	"github.com/rendis/gantry/internal/logging"
	"github.com/rendis/gantry/internal/metrics"
	"github.com/rendis/gantry/internal/panel"
	"github.com/rendis/gantry/internal/scheduler"
	"github.com/rendis/gantry/internal/secrets"
	"github.com/rendis/gantry/internal/source"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/internal/streaming"
	"github.com/rendis/gantry/internal/validation"
	"github.com/rendis/gantry/pkg/mcp"
)

// vaultSalt is the PBKDF2 salt for the credential vault. Changing it
// invalidates every credential stored under the old derivation.
const vaultSalt = "gantry/v1/source-credentials"

// runtime holds the wired control plane shared by the serve and mcp commands.
type runtime struct {
	cfg         Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	store       *store.LibSQLStore
	eventLog    *store.EventLog
	bus         *bus.Bus
	hub         *streaming.MemoryHub
	registry    *control.Registry
	processor   *control.Processor
	batch       *control.BatchExecutor
	checkpoints *control.CheckpointManager
	analyzer    *control.Analyzer
	filters     *filter.Engines
	validator   *validation.RequestValidator
	sources     *source.Registry
	dispatcher  *scheduler.RetryDispatcher
	janitor     *scheduler.Janitor
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// newRuntime wires every component from the durable store up to the control
// pipeline. The bus consumers are bound to ctx and stop with it.
func newRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (*runtime, error) {
	m := metrics.New()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	eventLog := store.NewEventLog(st)

	b := bus.New(bus.DefaultConfig(), logger, m)
	hub := streaming.NewMemoryHub(m)
	if err := b.Consume(ctx, "event-log", bus.LogForwarder(eventLog, logger)); err != nil {
		st.Close()
		return nil, fmt.Errorf("wire event log consumer: %w", err)
	}
	if err := b.Consume(ctx, "sse-hub", bus.FanoutForwarder(hub.Broadcast)); err != nil {
		st.Close()
		return nil, fmt.Errorf("wire hub consumer: %w", err)
	}

	apiKey := cfg.SourceAPIKey
	if cfg.VaultPassphrase != "" {
		vault, verr := secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(vaultSalt),
		})
		if verr != nil {
			st.Close()
			return nil, fmt.Errorf("open credential vault: %w", verr)
		}
		switch {
		case apiKey != "":
			// Persist the configured key so future runs can omit it.
			if serr := vault.Store(ctx, "source_api_key", []byte(apiKey)); serr != nil {
				logger.Warn("credential store failed", slog.String("error", serr.Error()))
			}
		default:
			if raw, rerr := vault.Resolve(ctx, "source_api_key"); rerr == nil {
				apiKey = string(raw)
			}
		}
	}

	rest := source.NewRESTSource(source.RESTConfig{
		Name:    cfg.SourceName,
		BaseURL: cfg.SourceURL,
		APIKey:  apiKey,
	}, nil)
	guarded := source.NewGuarded(rest, source.DefaultBreakerConfig())
	sources := source.NewRegistry()
	sources.Register(guarded, "rest")
	src, err := sources.Default()
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := control.NewRegistry(logger)
	processor := control.NewProcessor(control.ProcessorDeps{
		Registry: registry,
		Source:   src,
		Events:   b,
		Metrics:  m,
		Logger:   logger,
	})
	filters, err := filter.NewEngines()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build filter engines: %w", err)
	}

	dispatcher := scheduler.NewRetryDispatcher(processor, time.Duration(cfg.SweepSeconds)*time.Second, logger)
	janitor, err := scheduler.NewJanitor(registry, st, b, m, scheduler.JanitorConfig{
		Retention: time.Duration(cfg.RetentionHours) * time.Hour,
		CronSpec:  cfg.JanitorCron,
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &runtime{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		store:       st,
		eventLog:    eventLog,
		bus:         b,
		hub:         hub,
		registry:    registry,
		processor:   processor,
		batch:       control.NewBatchExecutor(processor, logger),
		checkpoints: control.NewCheckpointManager(registry, b, logger),
		analyzer:    control.NewAnalyzer(registry, logger),
		filters:     filters,
		validator:   validation.NewRequestValidator(),
		sources:     sources,
		dispatcher:  dispatcher,
		janitor:     janitor,
	}, nil
}

func (r *runtime) startLoops(ctx context.Context) error {
	if err := r.dispatcher.Start(ctx); err != nil {
		return err
	}
	return r.janitor.Start(ctx)
}

func (r *runtime) close() {
	if err := r.janitor.Stop(); err != nil {
		r.logger.Warn("janitor stop failed", slog.String("error", err.Error()))
	}
	if err := r.dispatcher.Stop(); err != nil {
		r.logger.Warn("dispatcher stop failed", slog.String("error", err.Error()))
	}
	if err := r.bus.Close(); err != nil {
		r.logger.Warn("bus close failed", slog.String("error", err.Error()))
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("store close failed", slog.String("error", err.Error()))
	}
}

// runServe starts the HTTP control panel plus the background loops and blocks
// until ctx is cancelled.
func runServe(ctx context.Context, cfg Config) error {
	logger := newLogger(cfg.LogLevel)

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.startLoops(ctx); err != nil {
		return err
	}

	srv := panel.NewServer(panel.Deps{
		Processor:   rt.processor,
		Batch:       rt.batch,
		Checkpoints: rt.checkpoints,
		Analyzer:    rt.analyzer,
		Filters:     rt.filters,
		Validator:   rt.validator,
		Hub:         rt.hub,
		EventLog:    rt.eventLog,
		Store:       rt.store,
		Metrics:     rt.metrics,
		Logger:      logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gantry listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("source", cfg.SourceName),
			slog.String("version", version),
		)
		if serr := httpSrv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info("gantry stopped")
	return nil
}

// runMCP serves the control plane to a single MCP client over stdio.
func runMCP(ctx context.Context, cfg Config) error {
	logger := newLogger(cfg.LogLevel)

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.startLoops(ctx); err != nil {
		return err
	}

	gs := mcp.NewGantryServer(mcp.GantryServerDeps{
		Processor:   rt.processor,
		Batch:       rt.batch,
		Checkpoints: rt.checkpoints,
		Analyzer:    rt.analyzer,
		Filters:     rt.filters,
		Validator:   rt.validator,
		Store:       rt.store,
		Sources:     rt.sources,
		Hub:         rt.hub,
		Logger:      logger,
	})
	go func() {
		if ferr := gs.ForwardEvents(ctx); ferr != nil {
			logger.Warn("event forwarding stopped", slog.String("error", ferr.Error()))
		}
	}()

	logger.Info("gantry mcp server ready", slog.String("version", version))
	return gs.Serve(ctx)
}
