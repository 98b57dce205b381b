package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/troupe-dev/troupe/pkg/catalog"
	"github.com/troupe-dev/troupe/pkg/event"
	"github.com/troupe-dev/troupe/pkg/registry"
)

// ActiveChecker answers whether an agent currently holds an active session.
// Implemented by the activation manager; the registry consults it before
// unregistering or pruning.
type ActiveChecker interface {
	HasActiveSession(agentID string) bool
}

// Registry is the canonical map of agent identifier to descriptor. It pulls
// candidates from a catalog source, validates them, registers them with a
// bounded retry, and emits lifecycle events inline.
type Registry struct {
	source  catalog.Source
	store   *registry.Table[*RegisteredAgent]
	bus     *event.Bus
	factory HandlerFactory
	retry   RetryPolicy
	active  ActiveChecker
}

// Option configures a Registry.
type Option func(*Registry)

// WithHandlerFactory overrides how activation handlers are built.
func WithHandlerFactory(f HandlerFactory) Option {
	return func(r *Registry) { r.factory = f }
}

// WithRetryPolicy overrides the registration retry bounds.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Registry) { r.retry = p }
}

// NewRegistry creates a registry over the given catalog source.
func NewRegistry(source catalog.Source, bus *event.Bus, opts ...Option) *Registry {
	r := &Registry{
		source:  source,
		store:   registry.NewTable[*RegisteredAgent](),
		bus:     bus,
		factory: defaultHandlerFactory,
		retry:   DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetActiveChecker wires the activation manager in after construction. The
// registry and manager reference each other, so one side is set late.
func (r *Registry) SetActiveChecker(ac ActiveChecker) {
	r.active = ac
}

// defaultHandlerFactory issues an opaque instance token per activation.
func defaultHandlerFactory(desc *Descriptor) (ActivationHandler, error) {
	id := desc.ID
	return func(ctx context.Context, actCtx ActivationContext) (InstanceToken, error) {
		return InstanceToken(fmt.Sprintf("%s@%d", id, time.Now().UnixNano())), nil
	}, nil
}

// BatchResult summarizes one DiscoverAndRegister pass.
type BatchResult struct {
	Discovered int
	Registered int
	Invalid    int
	Failed     int
	Unchanged  int
	Removed    int
}

// DiscoverAndRegister pulls candidates from the catalog source and registers
// each one. Invalid entries are marked Failed with a recorded reason and the
// batch continues; registration failures are retried with exponential backoff
// before being marked Failed. The batch itself never aborts on a single
// candidate.
func (r *Registry) DiscoverAndRegister(ctx context.Context) (*BatchResult, error) {
	raws, err := r.source.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog discovery failed: %w", err)
	}

	result := &BatchResult{Discovered: len(raws)}
	seen := make(map[string]bool, len(raws))

	for _, raw := range raws {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		desc := descriptorFromRaw(raw)

		if verr := r.validate(desc, seen); verr != nil {
			desc.State = StateFailed
			desc.FailureReason = verr.Reason
			result.Invalid++
			// A duplicate id must not clobber the entry that won the batch.
			if desc.ID != "" && !seen[desc.ID] {
				r.store.Replace(desc.ID, &RegisteredAgent{Descriptor: desc})
			}
			slog.Warn("Agent definition failed validation",
				"agent_id", desc.ID, "reason", verr.Reason, "path", desc.Path)
			r.bus.Publish(event.Event{
				Type:    event.TypeRegistrationFailed,
				AgentID: desc.ID,
				Reason:  verr.Reason,
			})
			continue
		}
		seen[desc.ID] = true

		// Re-discovery of an unchanged, already-registered agent is a no-op.
		if existing, ok := r.store.Get(desc.ID); ok &&
			existing.Descriptor.State == StateRegistered &&
			existing.Descriptor.ContentHash == desc.ContentHash {
			result.Unchanged++
			continue
		}

		handler, rerr := r.registerWithRetry(ctx, desc)
		if rerr != nil {
			desc.State = StateFailed
			desc.FailureReason = rerr.Error()
			result.Failed++
			r.store.Replace(desc.ID, &RegisteredAgent{Descriptor: desc})
			slog.Error("Agent registration failed",
				"agent_id", desc.ID, "attempts", desc.RetryCount, "error", rerr)
			r.bus.Publish(event.Event{
				Type:    event.TypeRegistrationFailed,
				AgentID: desc.ID,
				Reason:  rerr.Error(),
			})
			continue
		}

		desc.State = StateRegistered
		desc.FailureReason = ""
		result.Registered++
		r.store.Replace(desc.ID, &RegisteredAgent{Descriptor: desc, Handler: handler})
		slog.Info("Agent registered",
			"agent_id", desc.ID, "role_group", desc.RoleGroup, "source", desc.SourceKind)
		r.bus.Publish(event.Event{
			Type:    event.TypeRegistered,
			AgentID: desc.ID,
		})
	}

	result.Removed = r.pruneMissing(seen)
	return result, nil
}

// descriptorFromRaw maps a discovered file to a pending descriptor.
func descriptorFromRaw(raw catalog.RawAgentFile) *Descriptor {
	hash := sha256.Sum256(raw.RawContent)

	kind := SourceCoreBuiltin
	if raw.ExpansionPackID != "" {
		kind = SourceExpansionPack
	}

	var deps []DependencyRef
	for _, t := range raw.Dependencies.Tasks {
		deps = append(deps, DependencyRef{Kind: DependencyTask, Name: t})
	}
	for _, t := range raw.Dependencies.Templates {
		deps = append(deps, DependencyRef{Kind: DependencyTemplate, Name: t})
	}
	for _, c := range raw.Dependencies.Checklists {
		deps = append(deps, DependencyRef{Kind: DependencyChecklist, Name: c})
	}

	return &Descriptor{
		ID:              raw.Identifier,
		DisplayName:     raw.DisplayName,
		RoleGroup:       raw.RoleGroup,
		SourceKind:      kind,
		ExpansionPackID: raw.ExpansionPackID,
		Dependencies:    deps,
		ContentHash:     hex.EncodeToString(hash[:]),
		State:           StatePending,
		Warnings:        raw.Warnings,
		Path:            raw.Path,
	}
}

// validate enforces identifier uniqueness within the batch plus display name
// and role group presence.
func (r *Registry) validate(desc *Descriptor, seen map[string]bool) *ValidationError {
	if desc.ID == "" {
		return &ValidationError{AgentID: desc.Path, Reason: "identifier is empty"}
	}
	if seen[desc.ID] {
		return &ValidationError{AgentID: desc.ID, Reason: "duplicate identifier in batch"}
	}
	if desc.DisplayName == "" {
		return &ValidationError{AgentID: desc.ID, Reason: "display name is empty"}
	}
	if desc.RoleGroup == "" {
		return &ValidationError{AgentID: desc.ID, Reason: "role group is missing"}
	}
	return nil
}

// registerWithRetry builds the activation handler, retrying with exponential
// backoff on failure. The loop is bounded and cancellable; RetryCount on the
// descriptor records the attempts spent.
func (r *Registry) registerWithRetry(ctx context.Context, desc *Descriptor) (ActivationHandler, error) {
	var lastErr error
	delay := r.retry.BaseDelay

	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		desc.RetryCount = attempt

		handler, err := r.factory(desc)
		if err == nil {
			return handler, nil
		}
		lastErr = err

		if attempt == r.retry.MaxAttempts {
			break
		}

		slog.Debug("Registration attempt failed, backing off",
			"agent_id", desc.ID, "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	return nil, &RegistrationError{AgentID: desc.ID, Attempts: desc.RetryCount, Err: lastErr}
}

// pruneMissing drops descriptors the catalog no longer reports. Agents with
// an active session are kept until deactivated.
func (r *Registry) pruneMissing(seen map[string]bool) int {
	removed := 0
	for _, id := range r.store.Keys() {
		if seen[id] {
			continue
		}
		if r.active != nil && r.active.HasActiveSession(id) {
			slog.Warn("Agent no longer in catalog but has an active session, keeping", "agent_id", id)
			continue
		}
		if err := r.store.Remove(id); err == nil {
			removed++
			slog.Info("Agent removed from registry", "agent_id", id)
		}
	}
	return removed
}

// Descriptor returns a copy of the descriptor for the given id.
func (r *Registry) Descriptor(id string) (Descriptor, error) {
	entry, ok := r.store.Get(id)
	if !ok {
		return Descriptor{}, &NotFoundError{AgentID: id}
	}
	return *entry.Descriptor, nil
}

// Resolve returns the registered agent for activation. Agents that exist but
// are not in the Registered state resolve as not found.
func (r *Registry) Resolve(id string) (*RegisteredAgent, error) {
	entry, ok := r.store.Get(id)
	if !ok || entry.Descriptor.State != StateRegistered {
		return nil, &NotFoundError{AgentID: id}
	}
	return entry, nil
}

// Unregister removes an agent. It refuses when an active session exists,
// unless force is set.
func (r *Registry) Unregister(id string, force bool) error {
	if _, ok := r.store.Get(id); !ok {
		return &NotFoundError{AgentID: id}
	}
	if !force && r.active != nil && r.active.HasActiveSession(id) {
		return &ConflictError{AgentID: id, Reason: "agent has an active session"}
	}
	if err := r.store.Remove(id); err != nil {
		return err
	}
	slog.Info("Agent unregistered", "agent_id", id, "forced", force)
	return nil
}

// List returns copies of all descriptors.
func (r *Registry) List() []Descriptor {
	entries := r.store.List()
	descs := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		descs = append(descs, *e.Descriptor)
	}
	return descs
}

// Stats counts descriptors by state and source kind.
func (r *Registry) Stats() Stats {
	stats := Stats{
		ByState:    make(map[RegistrationState]int),
		BySource:   make(map[SourceKind]int),
		LastUpdate: time.Now(),
	}
	for _, e := range r.store.List() {
		stats.Total++
		stats.ByState[e.Descriptor.State]++
		stats.BySource[e.Descriptor.SourceKind]++
	}
	return stats
}
