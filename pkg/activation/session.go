// Package activation manages runtime activation of registered agents:
// conflict resolution against the active set, the concurrency ceiling, and
// session lifecycle with persistence across restarts.
package activation

import (
	"time"

	"github.com/troupe-dev/troupe/pkg/agent"
	"github.com/troupe-dev/troupe/pkg/session"
)

// Session is the runtime record of one activated agent instance bound to an
// owner context. Role group and pack id are denormalized from the descriptor
// so conflict resolution keeps working even if the agent is later pruned from
// the registry.
type Session struct {
	ID              string
	AgentID         string
	RoleGroup       string
	ExpansionPackID string
	Owner           agent.ActivationContext
	Token           agent.InstanceToken
	CreatedAt       time.Time
	LastActivityAt  time.Time
	State           session.State
	Degraded        []string
}

// snapshot converts the session to its persisted form.
func (s *Session) snapshot() session.Snapshot {
	return session.Snapshot{
		SessionID:      s.ID,
		AgentID:        s.AgentID,
		Owner:          s.Owner,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		State:          s.State,
	}
}

// idleFor reports how long the session has been without activity.
func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// Handle is what callers get back from an activation.
type Handle struct {
	SessionID string   `json:"session_id"`
	AgentID   string   `json:"agent_id"`
	State     string   `json:"state"`
	Degraded  []string `json:"degraded_capabilities,omitempty"`
}

func (s *Session) handle() Handle {
	return Handle{
		SessionID: s.ID,
		AgentID:   s.AgentID,
		State:     string(s.State),
		Degraded:  s.Degraded,
	}
}
