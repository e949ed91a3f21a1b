package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haukened/blockmirror/internal/blocks/common/clock"
	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/config"
	"github.com/haukened/blockmirror/internal/blocks/domain"
	"github.com/haukened/blockmirror/internal/blocks/gateways/httpapi"
	"github.com/haukened/blockmirror/internal/blocks/gateways/xrpc"
	"github.com/haukened/blockmirror/internal/blocks/repos/cachestore"
	"github.com/haukened/blockmirror/internal/blocks/repos/kv"
	"github.com/haukened/blockmirror/internal/blocks/repos/kv/bolt"
	"github.com/haukened/blockmirror/internal/blocks/repos/kv/memory"
	"github.com/haukened/blockmirror/internal/blocks/repos/kv/valkey"
	"github.com/haukened/blockmirror/internal/blocks/services/deep"
	"github.com/haukened/blockmirror/internal/blocks/services/engine"
	"github.com/haukened/blockmirror/internal/blocks/services/fetch"
	"github.com/haukened/blockmirror/internal/blocks/services/lookup"
	"github.com/haukened/blockmirror/internal/blocks/services/syncer"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "blockmirrord"

	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 5 * time.Second
)

// Application holds all the components of the daemon
type Application struct {
	config  *config.AppConfig
	storage kv.Storage
	engine  *engine.Engine
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	// bg tracks scheduled deep resolves
	bg sync.WaitGroup
}

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure global logging
	err = log.Configure(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":         version,
		"env":             cfg.Env,
		"log_level":       cfg.LogLevel,
		"actor":           cfg.Actor,
		"listen_addr":     cfg.ListenAddr,
		"storage_backend": cfg.StorageBackend,
		"sync_interval":   cfg.SyncInterval.String(),
		"deep_interval":   cfg.DeepInterval.String(),
	}, "Starting "+appName)

	// Build application with all dependencies
	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Daemon failed")
	}

	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := &clock.RealClock{}
	logger := log.GetLogger()

	storage, err := buildStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build storage: %w", err)
	}

	store, err := cachestore.Open(cachestore.Options{
		Storage:    storage,
		Logger:     logger,
		Clock:      clk,
		MaxEntries: cfg.MaxEntries,
	})
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	reader, err := xrpc.New(xrpc.Options{
		AppviewURL:         cfg.AppviewURL,
		PLCURL:             cfg.PLCURL,
		Retries:            cfg.HTTPRetries,
		Backoff:            cfg.HTTPBackoff,
		ServerURLTTL:       cfg.ServerURLTTL,
		ServerURLCacheSize: cfg.ServerURLCacheSize,
		FollowsTTL:         cfg.FollowsTTL,
		Logger:             logger,
	})
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("failed to create xrpc client: %w", err)
	}

	eng, err := buildServices(cfg, store, reader, clk, logger)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	return &Application{
		config:  cfg,
		storage: storage,
		engine:  eng,
		handler: httpapi.NewHandler(httpapi.Options{Service: eng, Logger: logger}),
	}, nil
}

// buildStorage opens the configured PersistedStorage backend
func buildStorage(cfg *config.AppConfig) (kv.Storage, error) {
	switch cfg.StorageBackend {
	case "bolt":
		s, err := bolt.New(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt database %s: %w", cfg.StoragePath, err)
		}
		log.Info(map[string]any{"path": cfg.StoragePath}, "Bolt storage opened")
		return s, nil
	case "valkey":
		s, err := valkey.New(valkey.Options{Address: cfg.ValkeyAddress, TLS: cfg.ValkeyTLS})
		if err != nil {
			return nil, err
		}
		log.Info(map[string]any{"address": cfg.ValkeyAddress, "tls": cfg.ValkeyTLS}, "Valkey storage connected")
		return s, nil
	case "memory":
		log.Warn(nil, "Memory storage selected, the cache will not survive a restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// buildServices wires the sync pipeline, lookups and deep resolver into the engine
func buildServices(cfg *config.AppConfig, store *cachestore.Store, reader *xrpc.Client, clk clock.Clock, logger log.Logger) (*engine.Engine, error) {
	strategy, err := fetch.New(fetch.Options{
		Source:         reader,
		HeavyThreshold: cfg.HeavyThreshold,
		MaxRecords:     cfg.MaxRecords,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch strategy: %w", err)
	}

	ctrl, err := syncer.NewController(syncer.ControllerOptions{
		Cache:   store,
		Remote:  reader,
		Fetcher: strategy,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sync controller: %w", err)
	}

	batch, err := syncer.NewProcessor(syncer.ProcessorOptions{
		Syncer:       ctrl,
		KnownHeavy:   ctrl.IsKnownHeavy,
		Concurrency:  cfg.Concurrency,
		BatchDelay:   cfg.BatchDelay,
		ShortTimeout: cfg.ShortTimeout,
		LongTimeout:  cfg.LongTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch processor: %w", err)
	}

	lk, err := lookup.New(lookup.Options{Cache: store, Resolver: reader, Fetcher: strategy, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup engine: %w", err)
	}

	dr, err := deep.New(deep.Options{
		Cache:        store,
		Source:       reader,
		CreatorDelay: cfg.CreatorDelay,
		Timeout:      cfg.LongTimeout,
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create deep resolver: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Actor:      cfg.Actor,
		Store:      store,
		Follows:    reader,
		Batch:      batch,
		Lookup:     lk,
		Deep:       dr,
		MaxEntries: cfg.MaxEntries,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	log.Info(map[string]any{
		"concurrency":     cfg.Concurrency,
		"heavy_threshold": strategy.Threshold(),
		"max_records":     cfg.MaxRecords,
		"max_entries":     cfg.MaxEntries,
	}, "Sync engine configured")
	return eng, nil
}

// Address returns the bound API address, or "" before Run has listened
func (app *Application) Address() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener == nil {
		return ""
	}
	return app.listener.Addr().String()
}

// Run serves the API and the scheduler and blocks until context is cancelled
func (app *Application) Run(ctx context.Context) error {
	var srv *http.Server
	if app.config.ListenAddr != "" {
		ln, err := net.Listen("tcp", app.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", app.config.ListenAddr, err)
		}
		app.mu.Lock()
		app.listener = ln
		app.mu.Unlock()
		srv = &http.Server{Handler: app.handler, ReadHeaderTimeout: readHeaderTimeout}
		log.Info(map[string]any{"address": ln.Addr().String()}, "HTTP API started")
	}

	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error {
			if err := srv.Serve(app.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http api: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		app.schedule(gctx)
		return nil
	})

	// Wait for shutdown signal, or for the API to fail
	<-gctx.Done()
	log.Info(nil, "Shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn(map[string]any{"error": err}, "Error during HTTP shutdown")
		}
	}
	runErr := g.Wait()

	// Stop background work and let it record its status before closing storage
	done := make(chan struct{})
	go func() {
		app.engine.Close()
		app.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout.String()}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}
	if err := app.storage.Close(); err != nil {
		log.Warn(map[string]any{"error": err}, "Error closing storage")
	}
	if runErr != nil {
		return runErr
	}
	log.Info(nil, "Graceful shutdown completed")
	return nil
}

// schedule runs a pass on start and then on the sync and deep intervals
func (app *Application) schedule(ctx context.Context) {
	syncTick := time.NewTicker(app.config.SyncInterval)
	defer syncTick.Stop()
	deepTick := time.NewTicker(app.config.DeepInterval)
	defer deepTick.Stop()

	app.startSync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTick.C:
			app.startSync(ctx)
		case <-deepTick.C:
			app.bg.Add(1)
			go func() {
				defer app.bg.Done()
				app.runDeep(ctx)
			}()
		}
	}
}

// startSync sweeps a stale running flag and triggers a pass
func (app *Application) startSync(ctx context.Context) {
	if cleared, err := app.engine.ClearStaleSync(app.config.StaleAfter); err != nil {
		log.Warn(map[string]any{"error": err}, "Stale sync sweep failed")
	} else if cleared {
		log.Warn(map[string]any{"stale_after": app.config.StaleAfter.String()}, "Cleared stale sync flag")
	}
	if !app.engine.TriggerSync(ctx) {
		log.Info(nil, "Scheduled sync skipped, a pass is already running")
	}
}

func (app *Application) runDeep(ctx context.Context) {
	res, err := app.engine.TriggerDeepResolve(ctx)
	switch {
	case errors.Is(err, domain.ErrDeepResolveInProgress):
		log.Debug(nil, "Scheduled deep resolve skipped, one is already running")
	case err != nil:
		log.Warn(map[string]any{"error": err}, "Deep resolve failed")
	default:
		log.Info(map[string]any{
			"creators": res.CreatorsProcessed,
			"lists":    res.ListsResolved,
			"errors":   len(res.Errors),
		}, "Deep resolve completed")
	}
}
