// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the Choir service from a config snapshot.
//
// New wires every layer bottom-up: provider registry and adapter, tool
// registry and protocol, phase machine, turn store, turn orchestrator and
// the gin router. The result serves HTTP through Run, or runs turns
// directly through Turns for the CLI.
//
// # Usage
//
//	cfg, err := config.Load("choir.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(ctx, cfg, orchestrator.WithConfigPath("choir.yaml"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	err = svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	weaviateclient "github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/yusefmosiah/Choir.chat-sub000/pkg/telemetry"
	"github.com/yusefmosiah/Choir.chat-sub000/services/agent"
	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/config"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/handlers"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/observability"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/routes"
	badgerstore "github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/storage/badger"
	weaviatestore "github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/storage/weaviate"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/turn"
	"github.com/yusefmosiah/Choir.chat-sub000/services/tools"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 30 * time.Second

// =============================================================================
// Options
// =============================================================================

// Option configures New.
type Option func(*options)

type options struct {
	configPath string
	logger     *slog.Logger
	registry   *prometheus.Registry
	telemetry  bool
}

// WithConfigPath enables hot reload of the agent section from path.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers metrics on reg and serves it at /metrics instead
// of the default Prometheus registry. The otel Prometheus bridge is only
// installed on the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithTelemetry installs the global otel providers described by the
// telemetry section. Off by default so one-shot CLI runs stay quiet.
func WithTelemetry(enabled bool) Option {
	return func(o *options) { o.telemetry = enabled }
}

// =============================================================================
// Service
// =============================================================================

// Service is an assembled orchestrator.
//
// # Thread Safety
//
// Run is called at most once. Turns and Store are safe for concurrent use.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	turns   *turn.Orchestrator
	store   turn.Store
	watcher *config.Watcher
	metrics *observability.Metrics

	closers []func() error
	once    sync.Once
}

// New builds a Service from cfg.
//
// # Description
//
// cfg must already be validated. Providers named by the agent section
// must build; storage must open. The memory_search tool and turn indexing
// are wired only when a Weaviate URL is configured.
//
// # Inputs
//
//   - ctx: Used while dialing backends and bootstrapping schemas.
//   - cfg: A validated snapshot.
//   - opts: Optional settings.
//
// # Outputs
//
//   - *Service: Ready to Run. Caller must Close it.
//   - error: Non-nil if any layer fails to build.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (svc *Service, err error) {
	if cfg == nil {
		return nil, errors.New("orchestrator: config must not be nil")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	s := &Service{cfg: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if o.telemetry {
		if err := s.initTelemetry(ctx, o.registry == nil); err != nil {
			return nil, err
		}
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	metricsHandler := promhttp.Handler()
	if o.registry != nil {
		registerer = o.registry
		metricsHandler = promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
	}
	s.metrics = observability.NewMetrics(registerer)

	providers, err := cfg.BuildRegistry(ctx, s.logger)
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}
	adapter := llm.NewAdapter(providers, cfg.AdapterConfig(), s.logger)

	var wv *weaviateclient.Client
	if cfg.Storage.WeaviateURL != "" {
		wv, err = weaviatestore.NewClient(cfg.Storage.WeaviateURL)
		if err != nil {
			return nil, err
		}
		if err := weaviatestore.EnsureSchema(ctx, wv, cfg.Storage.Vectorizer, s.logger); err != nil {
			return nil, fmt.Errorf("bootstrap weaviate schema: %w", err)
		}
	}

	toolRegistry, err := tools.NewRegistry()
	if err != nil {
		return nil, err
	}
	if wv != nil {
		if err := toolRegistry.Register(tools.NewMemorySearchTool(weaviatestore.NewSearcher(wv, 0), 0)); err != nil {
			return nil, err
		}
	}
	protocol := tools.NewProtocol(toolRegistry, cfg.ProtocolConfig(), s.logger)

	machine := agent.NewMachine(adapter, protocol,
		agent.WithObserver(s.metrics),
		agent.WithLogger(s.logger),
	)

	store, closeStore, err := OpenStore(ctx, cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.store = store
	s.closers = append(s.closers, closeStore)

	s.watcher = config.NewWatcher(o.configPath, cfg, s.logger)

	turnOpts := []turn.Option{
		turn.WithObserver(s.metrics),
		turn.WithLogger(s.logger),
		turn.WithHistoryTurns(cfg.Storage.HistoryTurns),
		turn.WithErrorMessage(handlers.ClientMessage),
	}
	if cfg.Storage.MemoryIndexing && wv != nil {
		turnOpts = append(turnOpts, turn.WithIndexer(weaviatestore.NewIndexer(wv, s.logger)))
	}
	s.turns = turn.NewOrchestrator(machine, s.store, s.watcher, turnOpts...)

	chat := handlers.NewChatHandler(s.turns, s.store,
		handlers.WithMetrics(s.metrics),
		handlers.WithLogger(s.logger),
		handlers.WithMaxQueryBytes(cfg.Server.MaxQueryBytes),
		handlers.WithStorageName(cfg.Storage.Backend),
	)

	authToken, err := cfg.AuthToken()
	if err != nil {
		return nil, err
	}

	gin.SetMode(cfg.Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	routes.SetupRoutes(s.router, chat, routes.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		AuthToken:   authToken,
		Metrics:     metricsHandler,
	})

	s.logger.Info("orchestrator assembled",
		"storage", cfg.Storage.Backend,
		"providers", providers.Names(),
		"tools", toolRegistry.Names(),
		"memory_indexing", cfg.Storage.MemoryIndexing && wv != nil,
	)
	return s, nil
}

func (s *Service) initTelemetry(ctx context.Context, defaultRegistry bool) error {
	metricExporter := "none"
	if defaultRegistry {
		metricExporter = "prometheus"
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    s.cfg.Telemetry.ServiceName,
		TraceExporter:  s.cfg.Telemetry.Exporter,
		MetricExporter: metricExporter,
		OTLPEndpoint:   s.cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	s.closers = append(s.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})
	return nil
}

// OpenStore opens the turn.Store selected by cfg.Storage.
//
// # Outputs
//
//   - turn.Store: The store.
//   - func() error: Releases the store. Never nil.
//   - error: Non-nil if the backend cannot open.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (turn.Store, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	noop := func() error { return nil }

	switch cfg.Storage.Backend {
	case config.BackendBadger:
		dbCfg := badgerstore.DefaultConfig(cfg.Storage.BadgerPath)
		dbCfg.Logger = logger.With("component", "badger")
		db, err := badgerstore.Open(dbCfg)
		if err != nil {
			return nil, noop, err
		}
		return badgerstore.NewTurnStore(db), db.Close, nil
	case config.BackendWeaviate:
		client, err := weaviatestore.NewClient(cfg.Storage.WeaviateURL)
		if err != nil {
			return nil, noop, err
		}
		if err := weaviatestore.EnsureSchema(ctx, client, cfg.Storage.Vectorizer, logger); err != nil {
			return nil, noop, fmt.Errorf("bootstrap weaviate schema: %w", err)
		}
		return weaviatestore.NewTurnStore(client), noop, nil
	default:
		return turn.NewMemoryStore(), noop, nil
	}
}

// Turns returns the turn orchestrator.
func (s *Service) Turns() *turn.Orchestrator {
	return s.turns
}

// Store returns the turn store.
func (s *Service) Store() turn.Store {
	return s.store
}

// Router returns the gin engine.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Config returns the active config snapshot.
func (s *Service) Config() *config.Config {
	return s.watcher.Current()
}

// Run serves HTTP until ctx ends, then shuts down gracefully.
//
// # Outputs
//
//   - error: Nil after a clean shutdown, otherwise the listen or shutdown
//     failure.
func (s *Service) Run(ctx context.Context) error {
	if err := s.watcher.Start(ctx); err != nil {
		return err
	}
	defer s.watcher.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("starting orchestrator server", "port", s.cfg.Server.Port)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down orchestrator server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases storage and flushes telemetry. Safe to call twice.
func (s *Service) Close() error {
	var errs []error
	s.once.Do(func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
