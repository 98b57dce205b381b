// Package session defines persisted session snapshots and the durable stores
// that hold them across restarts.
package session

import (
	"context"
	"time"

	"github.com/troupe-dev/troupe/pkg/agent"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive     State = "active"
	StateIdle       State = "idle"
	StateExpired    State = "expired"
	StateTerminated State = "terminated"
)

// Snapshot is the durable record of one session. Only sessions in Active or
// Idle are ever persisted; terminal states are deletes.
type Snapshot struct {
	SessionID      string                  `json:"session_id"`
	AgentID        string                  `json:"agent_id"`
	Owner          agent.ActivationContext `json:"owner"`
	CreatedAt      time.Time               `json:"created_at"`
	LastActivityAt time.Time               `json:"last_activity_at"`
	State          State                   `json:"state"`
}

// Store is durable storage for session snapshots.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	LoadAll(ctx context.Context) ([]Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}
