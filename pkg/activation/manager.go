package activation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/troupe-dev/troupe/pkg/agent"
	"github.com/troupe-dev/troupe/pkg/event"
	"github.com/troupe-dev/troupe/pkg/resource"
	"github.com/troupe-dev/troupe/pkg/session"
)

// Config bounds the active set and the session timeout policy.
type Config struct {
	// MaxActive is the ceiling on concurrently active sessions.
	MaxActive int
	// IdleTimeout expires sessions with no activity for this long. Sessions
	// idle past half of it are demoted from Active to Idle by the sweep.
	IdleTimeout time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxActive:     5,
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Manager owns the active set. Every mutation (activate, deactivate, expiry
// sweep, restore) is serialized under one mutex, so the read-decide-write
// sequence of conflict resolution plus commit is atomic.
type Manager struct {
	registry *agent.Registry
	loader   resource.Loader
	store    session.Store
	bus      *event.Bus
	cfg      Config

	mu      sync.Mutex
	byAgent map[string]*Session
}

// NewManager creates a manager over the given collaborators. The loader may
// be nil, in which case dependency resolution is skipped.
func NewManager(reg *agent.Registry, loader resource.Loader, store session.Store, bus *event.Bus, cfg Config) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultConfig().MaxActive
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Manager{
		registry: reg,
		loader:   loader,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		byAgent:  make(map[string]*Session),
	}
}

// Activate runs the activation pipeline: resolve, conflict-check, ceiling
// check, dependency load, commit. The session is persisted before success is
// reported. Activating an already-active agent is idempotent and returns the
// existing session.
func (m *Manager) Activate(ctx context.Context, agentID string, actCtx agent.ActivationContext) (Handle, error) {
	entry, err := m.registry.Resolve(agentID)
	if err != nil {
		return Handle{}, err
	}
	desc := entry.Descriptor

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byAgent[agentID]; ok {
		existing.State = session.StateActive
		existing.LastActivityAt = time.Now()
		if serr := m.store.Save(ctx, existing.snapshot()); serr != nil {
			slog.Warn("Failed to persist session touch", "session_id", existing.ID, "error", serr)
		}
		slog.Debug("Activation is idempotent, reusing session",
			"agent_id", agentID, "session_id", existing.ID)
		return existing.handle(), nil
	}

	if incumbent := m.findConflict(desc); incumbent != nil {
		candScore := specificity(desc.RoleGroup, desc.ExpansionPackID, actCtx)
		incScore := specificity(incumbent.RoleGroup, incumbent.ExpansionPackID, actCtx)

		if candScore > incScore {
			slog.Info("Deactivating incumbent, candidate is more specific",
				"agent_id", agentID, "incumbent", incumbent.AgentID,
				"candidate_score", candScore, "incumbent_score", incScore)
			m.removeLocked(ctx, incumbent, event.TypeDeactivated,
				fmt.Sprintf("superseded by more specific agent '%s'", agentID))
		} else {
			reason := fmt.Sprintf("specificity %d does not beat incumbent '%s' (%d); deactivate one explicitly",
				candScore, incumbent.AgentID, incScore)
			m.bus.Publish(event.Event{
				Type:      event.TypeConflict,
				AgentID:   agentID,
				SessionID: incumbent.ID,
				Reason:    reason,
			})
			return Handle{}, &agent.ConflictError{
				AgentID:     agentID,
				IncumbentID: incumbent.AgentID,
				Reason:      reason,
			}
		}
	}

	if len(m.byAgent) >= m.cfg.MaxActive {
		return Handle{}, &agent.CapacityError{Limit: m.cfg.MaxActive}
	}

	// Unresolved dependencies degrade the activation; they never fail it.
	var degraded []string
	if m.loader != nil {
		res, lerr := m.loader.Load(ctx, desc)
		if lerr != nil {
			slog.Warn("Dependency resolution failed, activating degraded",
				"agent_id", agentID, "error", lerr)
			degraded = []string{"dependency resolution unavailable"}
		} else {
			degraded = res.MissingNames()
			for _, miss := range degraded {
				slog.Warn("Dependency missing, capability degraded",
					"agent_id", agentID, "dependency", miss)
			}
		}
	}

	token, herr := entry.Handler(ctx, actCtx)
	if herr != nil {
		return Handle{}, fmt.Errorf("activation handler for '%s' failed: %w", agentID, herr)
	}

	now := time.Now()
	sess := &Session{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		RoleGroup:       desc.RoleGroup,
		ExpansionPackID: desc.ExpansionPackID,
		Owner:           actCtx,
		Token:           token,
		CreatedAt:       now,
		LastActivityAt:  now,
		State:           session.StateActive,
		Degraded:        degraded,
	}

	if serr := m.store.Save(ctx, sess.snapshot()); serr != nil {
		return Handle{}, fmt.Errorf("failed to persist session for '%s': %w", agentID, serr)
	}

	m.byAgent[agentID] = sess
	slog.Info("Agent activated",
		"agent_id", agentID, "session_id", sess.ID, "degraded", len(degraded))
	m.bus.Publish(event.Event{
		Type:      event.TypeActivated,
		AgentID:   agentID,
		SessionID: sess.ID,
	})

	return sess.handle(), nil
}

// Deactivate terminates the agent's session and removes it from the active
// set.
func (m *Manager) Deactivate(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byAgent[agentID]
	if !ok {
		return &agent.NotFoundError{AgentID: agentID}
	}

	m.removeLocked(ctx, sess, event.TypeDeactivated, "deactivated by caller")
	return nil
}

// Touch records activity on the agent's session, promoting Idle back to
// Active.
func (m *Manager) Touch(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byAgent[agentID]
	if !ok {
		return &agent.NotFoundError{AgentID: agentID}
	}

	sess.State = session.StateActive
	sess.LastActivityAt = time.Now()
	if err := m.store.Save(ctx, sess.snapshot()); err != nil {
		slog.Warn("Failed to persist session touch", "session_id", sess.ID, "error", err)
	}
	return nil
}

// CleanupExpired sweeps the active set: sessions idle past the timeout are
// expired and removed; active sessions idle past half the timeout are demoted
// to Idle. Returns the number of sessions expired.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	expired := 0

	for _, sess := range m.byAgent {
		idle := sess.idleFor(now)

		if idle > m.cfg.IdleTimeout {
			sess.State = session.StateExpired
			slog.Info("Session expired",
				"agent_id", sess.AgentID, "session_id", sess.ID, "idle", idle)
			m.removeLocked(ctx, sess, event.TypeSessionExpired,
				fmt.Sprintf("idle for %s", idle.Round(time.Second)))
			expired++
			continue
		}

		if sess.State == session.StateActive && idle > m.cfg.IdleTimeout/2 {
			sess.State = session.StateIdle
			if err := m.store.Save(ctx, sess.snapshot()); err != nil {
				slog.Warn("Failed to persist idle demotion", "session_id", sess.ID, "error", err)
			}
		}
	}

	return expired
}

// Sweep runs CleanupExpired on the configured interval until the context is
// cancelled.
func (m *Manager) Sweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupExpired(ctx); n > 0 {
				slog.Debug("Expiry sweep completed", "expired", n)
			}
		}
	}
}

// Restore loads persisted snapshots into the active set as Idle sessions.
// Snapshots referencing agents that are no longer registered are dropped with
// a warning. A failing store skips restoration entirely rather than refusing
// to start.
func (m *Manager) Restore(ctx context.Context) error {
	snaps, err := m.store.LoadAll(ctx)
	if err != nil {
		slog.Warn("Persistence store unavailable, starting with empty active set", "error", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for _, snap := range snaps {
		entry, rerr := m.registry.Resolve(snap.AgentID)
		if rerr != nil {
			slog.Warn("Dropping persisted session, agent no longer registered",
				"agent_id", snap.AgentID, "session_id", snap.SessionID)
			if derr := m.store.Delete(ctx, snap.SessionID); derr != nil {
				slog.Warn("Failed to delete stale snapshot", "session_id", snap.SessionID, "error", derr)
			}
			continue
		}

		if len(m.byAgent) >= m.cfg.MaxActive {
			slog.Warn("Ceiling reached during restore, dropping session",
				"agent_id", snap.AgentID, "session_id", snap.SessionID)
			continue
		}

		now := time.Now()
		sess := &Session{
			ID:              snap.SessionID,
			AgentID:         snap.AgentID,
			RoleGroup:       entry.Descriptor.RoleGroup,
			ExpansionPackID: entry.Descriptor.ExpansionPackID,
			Owner:           snap.Owner,
			CreatedAt:       snap.CreatedAt,
			LastActivityAt:  now,
			State:           session.StateIdle,
		}
		m.byAgent[snap.AgentID] = sess
		restored++
	}

	if restored > 0 || len(snaps) > 0 {
		slog.Info("Session restoration complete",
			"persisted", len(snaps), "restored", restored)
	}
	return nil
}

// ListActive returns handles for all sessions in the active set, sorted by
// agent id.
func (m *Manager) ListActive() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := make([]Handle, 0, len(m.byAgent))
	for _, sess := range m.byAgent {
		handles = append(handles, sess.handle())
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].AgentID < handles[j].AgentID })
	return handles
}

// HasActiveSession implements agent.ActiveChecker.
func (m *Manager) HasActiveSession(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byAgent[agentID]
	return ok
}

// Shutdown persists the final state of every session and clears the set.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, sess := range m.byAgent {
		if err := m.store.Save(ctx, sess.snapshot()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to flush session %s: %w", sess.ID, err)
		}
	}
	m.byAgent = make(map[string]*Session)
	return firstErr
}

// findConflict returns a session competing with the descriptor, if any.
// Caller holds the lock.
func (m *Manager) findConflict(desc *agent.Descriptor) *Session {
	for _, sess := range m.byAgent {
		if conflictsWith(sess, desc) {
			return sess
		}
	}
	return nil
}

// removeLocked terminates a session, persists the removal and emits the
// event. Caller holds the lock.
func (m *Manager) removeLocked(ctx context.Context, sess *Session, evType event.Type, reason string) {
	sess.State = session.StateTerminated
	delete(m.byAgent, sess.AgentID)

	if err := m.store.Delete(ctx, sess.ID); err != nil {
		slog.Warn("Failed to delete persisted session", "session_id", sess.ID, "error", err)
	}

	m.bus.Publish(event.Event{
		Type:      evType,
		AgentID:   sess.AgentID,
		SessionID: sess.ID,
		Reason:    reason,
	})
}
