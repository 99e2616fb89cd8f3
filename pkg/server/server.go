// Package server provides the public entry point for initializing the
// flywheel engine server.
//
// It lives in pkg/ (not internal/) so deployments can embed the engine and
// compose the handler with their own middleware:
//
//	srv, err := server.New(ctx, cfg)
//	if err != nil { ... }
//	srv.Start()        // blocks until Shutdown
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flywheelhq/flywheel/internal/adapt"
	"github.com/flywheelhq/flywheel/internal/api"
	"github.com/flywheelhq/flywheel/internal/api/handlers"
	"github.com/flywheelhq/flywheel/internal/audit"
	"github.com/flywheelhq/flywheel/internal/config"
	"github.com/flywheelhq/flywheel/internal/contexts"
	"github.com/flywheelhq/flywheel/internal/decision"
	"github.com/flywheelhq/flywheel/internal/orchestrator"
	"github.com/flywheelhq/flywheel/internal/retention"
	"github.com/flywheelhq/flywheel/internal/shadow"
	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/internal/telemetry"
)

// Server holds the initialized flywheel engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the primary data store.
	Store store.Store

	// ContextStore backs the per-agent context version chains. It may be
	// the primary store or a dedicated engine.
	ContextStore store.ContextStore

	// Orchestrator drives learning cycles; exposed for embedders and the CLI.
	Orchestrator *orchestrator.Orchestrator

	cfg       config.Config
	http      *http.Server
	sink      audit.Sink
	scheduler *orchestrator.Scheduler
	janitor   *retention.Janitor
	cancelBg  context.CancelFunc

	// ownsContextStore is true when the context chain lives in a dedicated
	// engine that must be closed separately from the primary store.
	ownsContextStore bool

	// shutdownTelemetry flushes spans; nil when telemetry is disabled.
	shutdownTelemetry func(context.Context) error
}

// New wires every engine component from the configuration.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	primary, err := openPrimaryStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	contextStore, err := openContextStore(ctx, cfg.ContextStore, primary)
	if err != nil {
		primary.Close()
		return nil, err
	}

	cm := contexts.NewManager(contextStore, cfg.Context.SummaryLimit)
	engine := decision.NewEngine(decision.FromConfig(cfg.Thresholds))
	evaluator, retrainer := buildEvaluator(cfg.Evaluator, primary)
	executor := adapt.NewExecutor(primary, cm, evaluator, retrainer, cfg.Evaluator.Timeout)
	sink := buildSink(cfg.Audit, primary)

	orch := orchestrator.New(primary, cm, engine, executor,
		cfg.SchemaVersions, sink, cfg.Backoff)

	h := handlers.New(orch, primary, contextStore)
	router := api.NewRouter(&cfg, h)

	srv := &Server{
		Handler:           router,
		Store:             primary,
		ContextStore:      contextStore,
		Orchestrator:      orch,
		cfg:               cfg,
		sink:              sink,
		ownsContextStore:  cfg.ContextStore.Driver != "" && cfg.ContextStore.Driver != "store",
		shutdownTelemetry: shutdownTelemetry,
		http: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	srv.cancelBg = cancel

	if cfg.Batch.Enabled {
		srv.scheduler = orchestrator.NewScheduler(orch, cfg.Batch.Interval, cfg.Batch.Workers)
		srv.scheduler.Start(bgCtx)
	}
	if cfg.Retention.Enabled {
		archiver := retention.NewLocalFileArchiver(cfg.Retention.ArchivePath, cfg.Retention.Compress)
		srv.janitor = retention.NewJanitor(primary, archiver, cfg.Retention)
		srv.janitor.Start(bgCtx)
	}

	return srv, nil
}

// Start serves HTTP and blocks until Shutdown is called.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.cfg.Server.Addr).
		Str("store", s.cfg.Store.Driver).
		Str("evaluator", s.cfg.Evaluator.Driver).
		Msg("flywheel engine listening")

	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listener, the background loops, the audit sink,
// and the stores, in that order, so in-flight cycles finish before their
// dependencies go away.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := s.http.Shutdown(ctx); err != nil {
		firstErr = err
	}

	s.cancelBg()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.janitor != nil {
		s.janitor.Stop()
	}

	s.sink.Close()

	if s.shutdownTelemetry != nil {
		if err := s.shutdownTelemetry(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.ownsContextStore {
		if err := s.ContextStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func openPrimaryStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		log.Info().Str("snapshot", cfg.SnapshotPath).Msg("in-memory store initialized")
		return store.NewMemoryStore(cfg.SnapshotPath), nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.Path).Msg("sqlite store initialized")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openContextStore(ctx context.Context, cfg config.ContextStoreConfig, primary store.Store) (store.ContextStore, error) {
	switch cfg.Driver {
	case "", "store":
		cs, ok := primary.(store.ContextStore)
		if !ok {
			return nil, fmt.Errorf("primary store cannot hold context chains; configure a context_store driver")
		}
		return cs, nil
	case "sqlite":
		cs, err := store.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite context store: %w", err)
		}
		log.Info().Str("path", cfg.DSN).Msg("dedicated sqlite context store initialized")
		return cs, nil
	case "postgres":
		cs, err := store.NewPostgresContextStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres context store: %w", err)
		}
		log.Info().Msg("postgres context store initialized")
		return cs, nil
	default:
		return nil, fmt.Errorf("unknown context store driver %q", cfg.Driver)
	}
}

func buildEvaluator(cfg config.EvaluatorConfig, primary store.Store) (shadow.Evaluator, shadow.Retrainer) {
	switch cfg.Driver {
	case "backend":
		log.Info().Str("endpoint", cfg.Endpoint).Msg("backend shadow evaluator initialized")
		return shadow.NewBackendEvaluator(cfg.Endpoint, cfg.Timeout),
			shadow.NewBackendRetrainer(cfg.Endpoint, cfg.Timeout)
	default:
		return shadow.NewReplayEvaluator(primary, cfg.Window, cfg.MinSamples), shadow.NopRetrainer{}
	}
}

func buildSink(cfg config.AuditConfig, primary store.Store) audit.Sink {
	sinks := audit.MultiSink{audit.NewStoreSink(primary)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, audit.NewWebhookSink(cfg.WebhookURL, cfg.Secret))
		log.Info().Str("url", cfg.WebhookURL).Msg("audit webhook sink enabled")
	}
	return sinks
}
