// Package agent defines agent descriptors and the registry that validates,
// registers and tracks them.
package agent

import (
	"context"
	"time"
)

// SourceKind classifies where an agent definition came from.
type SourceKind string

const (
	SourceCoreBuiltin   SourceKind = "core"
	SourceExpansionPack SourceKind = "expansion-pack"
)

// RegistrationState is the lifecycle state of a descriptor in the registry.
type RegistrationState string

const (
	StatePending    RegistrationState = "pending"
	StateRegistered RegistrationState = "registered"
	StateFailed     RegistrationState = "failed"
)

// DependencyKind is the type of resource an agent declares a need for.
type DependencyKind string

const (
	DependencyTask      DependencyKind = "task"
	DependencyTemplate  DependencyKind = "template"
	DependencyChecklist DependencyKind = "checklist"
)

// DependencyRef names one declared dependency.
type DependencyRef struct {
	Kind DependencyKind `json:"kind"`
	Name string         `json:"name"`
}

// Descriptor is the registry's canonical record for one agent.
type Descriptor struct {
	ID              string            `json:"id"`
	DisplayName     string            `json:"display_name"`
	RoleGroup       string            `json:"role_group"`
	SourceKind      SourceKind        `json:"source_kind"`
	ExpansionPackID string            `json:"expansion_pack_id,omitempty"`
	Dependencies    []DependencyRef   `json:"dependencies,omitempty"`
	ContentHash     string            `json:"content_hash"`
	State           RegistrationState `json:"state"`
	RetryCount      int               `json:"retry_count"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
	Path            string            `json:"path,omitempty"`
}

// ActivationContext carries the caller-side context of an activation request.
type ActivationContext struct {
	Owner string   `json:"owner"`
	Tags  []string `json:"tags,omitempty"`
}

// HasTag reports whether the context carries the given tag.
func (c ActivationContext) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// InstanceToken is the opaque handle an activation handler returns for one
// running agent instance.
type InstanceToken string

// ActivationHandler turns an activation context into a running instance.
type ActivationHandler func(ctx context.Context, actCtx ActivationContext) (InstanceToken, error)

// HandlerFactory builds the activation handler during registration. Factory
// failures are what registration retries guard against.
type HandlerFactory func(desc *Descriptor) (ActivationHandler, error)

// RegisteredAgent couples a descriptor with its activation handler. Owned
// exclusively by the Registry; the activation manager only borrows it.
type RegisteredAgent struct {
	Descriptor *Descriptor
	Handler    ActivationHandler
}

// RetryPolicy bounds registration retries.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy mirrors the documented defaults: 200ms base delay,
// doubling, capped at 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   200 * time.Millisecond,
		MaxAttempts: 3,
	}
}

// Stats summarizes registry contents by state and source.
type Stats struct {
	Total      int                       `json:"total"`
	ByState    map[RegistrationState]int `json:"by_state"`
	BySource   map[SourceKind]int        `json:"by_source"`
	LastUpdate time.Time                 `json:"last_update"`
}
