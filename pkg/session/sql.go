package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/troupe-dev/troupe/pkg/agent"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store using a SQL database. Concurrency is handled by
// database-level locking; the activation manager already serializes writes.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// sessionRow maps to the agent_sessions table.
type sessionRow struct {
	SessionID      string
	AgentID        string
	OwnerJSON      string
	State          string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Separate statements for table and index to keep SQLite happy.
const createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS agent_sessions (
    session_id VARCHAR(255) PRIMARY KEY,
    agent_id VARCHAR(255) NOT NULL,
    owner_json TEXT,
    state VARCHAR(32) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    last_activity_at TIMESTAMP NOT NULL
)`

const createSessionsAgentIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_agent_sessions_agent ON agent_sessions(agent_id)`

// NewSQLStore creates a SQL-backed snapshot store and initializes its schema.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Open opens a database connection for the given backend and returns a store
// over it. For sqlite the DSN is a file path.
func Open(backend, dsn string) (*SQLStore, error) {
	driver := backend
	if backend == "sqlite" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", backend, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", backend, err)
	}
	return NewSQLStore(db, backend)
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range []string{createSessionsTableSQL, createSessionsAgentIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sessions schema: %w", err)
		}
	}
	return nil
}

// Save upserts a snapshot, preserving created_at on update.
func (s *SQLStore) Save(ctx context.Context, snap Snapshot) error {
	ownerJSON, err := json.Marshal(snap.Owner)
	if err != nil {
		return fmt.Errorf("failed to marshal owner context: %w", err)
	}

	query := `
INSERT INTO agent_sessions (session_id, agent_id, owner_json, state, created_at, last_activity_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    agent_id = VALUES(agent_id),
    owner_json = VALUES(owner_json),
    state = VALUES(state),
    last_activity_at = VALUES(last_activity_at)
`
	switch s.dialect {
	case "postgres":
		query = `
INSERT INTO agent_sessions (session_id, agent_id, owner_json, state, created_at, last_activity_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO UPDATE SET
    agent_id = EXCLUDED.agent_id,
    owner_json = EXCLUDED.owner_json,
    state = EXCLUDED.state,
    last_activity_at = EXCLUDED.last_activity_at
`
	case "sqlite":
		query = `
INSERT INTO agent_sessions (session_id, agent_id, owner_json, state, created_at, last_activity_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
    agent_id = excluded.agent_id,
    owner_json = excluded.owner_json,
    state = excluded.state,
    last_activity_at = excluded.last_activity_at
`
	}

	_, err = s.db.ExecContext(ctx, query,
		snap.SessionID, snap.AgentID, string(ownerJSON), string(snap.State),
		snap.CreatedAt, snap.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", snap.SessionID, err)
	}
	return nil
}

// LoadAll returns every persisted snapshot.
func (s *SQLStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, agent_id, owner_json, state, created_at, last_activity_at
FROM agent_sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var row sessionRow
		if err := rows.Scan(&row.SessionID, &row.AgentID, &row.OwnerJSON,
			&row.State, &row.CreatedAt, &row.LastActivityAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		snap, err := rowToSnapshot(&row)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Delete removes a snapshot. Deleting an unknown id is not an error.
func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	query := `DELETE FROM agent_sessions WHERE session_id = ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM agent_sessions WHERE session_id = $1`
	}
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func rowToSnapshot(row *sessionRow) (Snapshot, error) {
	snap := Snapshot{
		SessionID:      row.SessionID,
		AgentID:        row.AgentID,
		State:          State(row.State),
		CreatedAt:      row.CreatedAt,
		LastActivityAt: row.LastActivityAt,
	}
	if row.OwnerJSON != "" {
		var owner agent.ActivationContext
		if err := json.Unmarshal([]byte(row.OwnerJSON), &owner); err != nil {
			return Snapshot{}, fmt.Errorf("failed to unmarshal owner context for %s: %w", row.SessionID, err)
		}
		snap.Owner = owner
	}
	return snap, nil
}

// Compile-time interface compliance check
var _ Store = (*SQLStore)(nil)
