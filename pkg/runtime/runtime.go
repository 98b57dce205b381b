// Package runtime assembles the subsystem: catalog source, registry,
// resource loader, persistence store and activation manager, with an
// init-at-startup / teardown-at-shutdown lifecycle. It is the caller-facing
// API surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/troupe-dev/troupe/pkg/activation"
	"github.com/troupe-dev/troupe/pkg/agent"
	"github.com/troupe-dev/troupe/pkg/catalog"
	"github.com/troupe-dev/troupe/pkg/config"
	"github.com/troupe-dev/troupe/pkg/event"
	"github.com/troupe-dev/troupe/pkg/observability"
	"github.com/troupe-dev/troupe/pkg/resource"
	"github.com/troupe-dev/troupe/pkg/session"
)

// Runtime owns the wired subsystem. Create with New, start with Start, and
// always Close to flush persistence.
type Runtime struct {
	cfg      *config.Config
	bus      *event.Bus
	registry *agent.Registry
	manager  *activation.Manager
	store    session.Store
	watcher  *catalog.Watcher
	metrics  *observability.Metrics

	sweepCancel context.CancelFunc
}

// Stats combines registry statistics with the active session count.
type Stats struct {
	Registry       agent.Stats `json:"registry"`
	ActiveSessions int         `json:"active_sessions"`
}

// New wires the subsystem from configuration. The persistence store being
// unreachable is downgraded to an in-memory store with a warning: the system
// starts with an empty active set rather than refusing to start.
func New(cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	bus := event.NewBus()

	metrics, err := observability.Init(cfg.Metrics.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	bus.Subscribe(metrics.HandleEvent)

	store := openStore(cfg.Storage)

	source := catalog.NewDirSource(cfg.CatalogRoot)
	loader := resource.NewDirLoader(cfg.CatalogRoot)

	reg := agent.NewRegistry(source, bus,
		agent.WithRetryPolicy(agent.RetryPolicy{
			BaseDelay:   cfg.Registry.RetryBase.Std(),
			MaxAttempts: cfg.Registry.RetryMaxAttempts,
		}))

	mgr := activation.NewManager(reg, loader, store, bus, activation.Config{
		MaxActive:     cfg.Activation.MaxActive,
		IdleTimeout:   cfg.Activation.IdleTimeout.Std(),
		SweepInterval: cfg.Activation.SweepInterval.Std(),
	})
	reg.SetActiveChecker(mgr)

	return &Runtime{
		cfg:      cfg,
		bus:      bus,
		registry: reg,
		manager:  mgr,
		store:    store,
		metrics:  metrics,
	}, nil
}

// openStore opens the configured backend, falling back to in-memory when the
// durable store is unreachable.
func openStore(cfg config.StorageConfig) session.Store {
	switch cfg.Backend {
	case "", "inmemory":
		return session.NewInMemoryStore()
	case "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				slog.Warn("Failed to create storage directory, sessions will not survive restarts",
					"dir", dir, "error", err)
				return session.NewInMemoryStore()
			}
		}
		fallthrough
	default:
		store, err := session.Open(cfg.Backend, cfg.DSN)
		if err != nil {
			slog.Warn("Persistence store unavailable, sessions will not survive restarts",
				"backend", cfg.Backend, "error", err)
			return session.NewInMemoryStore()
		}
		return store
	}
}

// Start registers the catalog, restores persisted sessions and starts the
// background expiry sweep (plus the catalog watcher when enabled).
func (r *Runtime) Start(ctx context.Context) error {
	if _, err := r.RegisterAll(ctx); err != nil {
		return err
	}

	if err := r.manager.Restore(ctx); err != nil {
		return fmt.Errorf("session restoration failed: %w", err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	r.sweepCancel = cancel
	go r.manager.Sweep(sweepCtx)

	if r.cfg.Watch {
		watcher, err := catalog.NewWatcher(r.cfg.CatalogRoot, 0)
		if err != nil {
			slog.Warn("Failed to create catalog watcher", "error", err)
			return nil
		}
		changes, err := watcher.Start(sweepCtx)
		if err != nil {
			slog.Warn("Failed to start catalog watcher", "error", err)
			return nil
		}
		r.watcher = watcher
		go r.rediscoverLoop(sweepCtx, changes)
	}

	return nil
}

// rediscoverLoop re-runs discovery whenever the watcher signals a change.
func (r *Runtime) rediscoverLoop(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			slog.Info("Catalog changed, re-running discovery")
			if _, err := r.RegisterAll(ctx); err != nil {
				slog.Error("Catalog re-discovery failed", "error", err)
			}
		}
	}
}

// RegisterAll runs one discovery-and-registration pass.
func (r *Runtime) RegisterAll(ctx context.Context) (*agent.BatchResult, error) {
	result, err := r.registry.DiscoverAndRegister(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("Registration pass complete",
		"discovered", result.Discovered, "registered", result.Registered,
		"invalid", result.Invalid, "failed", result.Failed,
		"unchanged", result.Unchanged, "removed", result.Removed)
	return result, nil
}

// Activate activates an agent for the given context.
func (r *Runtime) Activate(ctx context.Context, agentID string, actCtx agent.ActivationContext) (activation.Handle, error) {
	start := time.Now()
	handle, err := r.manager.Activate(ctx, agentID, actCtx)
	r.metrics.ObserveActivation(time.Since(start))
	return handle, err
}

// Deactivate terminates an agent's session.
func (r *Runtime) Deactivate(ctx context.Context, agentID string) error {
	return r.manager.Deactivate(ctx, agentID)
}

// Touch records activity on an agent's session.
func (r *Runtime) Touch(ctx context.Context, agentID string) error {
	return r.manager.Touch(ctx, agentID)
}

// Unregister removes an agent from the registry, refusing when an active
// session exists unless force is set.
func (r *Runtime) Unregister(agentID string, force bool) error {
	return r.registry.Unregister(agentID, force)
}

// ListActive returns handles for the current active set.
func (r *Runtime) ListActive() []activation.Handle {
	return r.manager.ListActive()
}

// ListAgents returns all registered descriptors.
func (r *Runtime) ListAgents() []agent.Descriptor {
	return r.registry.List()
}

// Stats returns combined registry and activation statistics.
func (r *Runtime) Stats() Stats {
	return Stats{
		Registry:       r.registry.Stats(),
		ActiveSessions: len(r.manager.ListActive()),
	}
}

// Subscribe adds a lifecycle event handler.
func (r *Runtime) Subscribe(h event.Handler) {
	r.bus.Subscribe(h)
}

// MetricsEnabled reports whether the /metrics endpoint should be exposed.
func (r *Runtime) MetricsEnabled() bool {
	return r.cfg.Metrics.Enabled
}

// Close stops background work, flushes session state and closes the store.
func (r *Runtime) Close() error {
	if r.sweepCancel != nil {
		r.sweepCancel()
	}
	if r.watcher != nil {
		if err := r.watcher.Stop(); err != nil {
			slog.Warn("Failed to stop catalog watcher", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if err := r.manager.Shutdown(ctx); err != nil {
		firstErr = err
		slog.Warn("Failed to flush sessions on shutdown", "error", err)
	}
	if err := r.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close store: %w", err)
	}
	return firstErr
}
