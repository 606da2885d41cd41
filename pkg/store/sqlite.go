package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/taxdesk/taxdesk/pkg/bus"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	customer_id   TEXT PRIMARY KEY,
	state         TEXT NOT NULL,
	turn_buffer   TEXT NOT NULL,
	context       TEXT,
	lock_token    TEXT NOT NULL,
	last_activity TIMESTAMP NOT NULL,
	expires_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
`

// SQLiteStore is the durable session backend. The pure-Go driver keeps the
// binary self-contained; WAL mode lets the webhook path and the supervisor
// read concurrently with writes.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}

	return &SQLiteStore{db: db, ttl: ttl}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, customerID string) (*ConversationSession, error) {
	now := time.Now().UTC()

	// Lazy creation: first inbound message for a customer creates the row.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (customer_id, state, turn_buffer, context, lock_token, last_activity, expires_at)
		 VALUES (?, ?, ?, NULL, ?, ?, ?) ON CONFLICT (customer_id) DO NOTHING`,
		customerID, StateIdle, "[]", uuid.NewString(), now, now.Add(s.ttl),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT state, turn_buffer, context, lock_token, last_activity, expires_at
		 FROM sessions WHERE customer_id = ?`, customerID)

	var (
		state      string
		bufferJSON string
		contextRaw sql.NullString
		lockToken  string
		lastAct    time.Time
		expiresAt  time.Time
	)
	if err := row.Scan(&state, &bufferJSON, &contextRaw, &lockToken, &lastAct, &expiresAt); err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	session := &ConversationSession{
		CustomerID:   customerID,
		State:        SessionState(state),
		LockToken:    lockToken,
		LastActivity: lastAct,
	}
	if err := json.Unmarshal([]byte(bufferJSON), &session.TurnBuffer); err != nil {
		return nil, fmt.Errorf("corrupt turn buffer for %s: %w", customerID, err)
	}
	if session.TurnBuffer == nil {
		session.TurnBuffer = []bus.InboundMessage{}
	}
	if contextRaw.Valid && contextRaw.String != "" {
		session.Context = json.RawMessage(contextRaw.String)
	}

	// An expired row behaves like a fresh session regardless of state:
	// drop its buffer and context and reset in place under CAS so a
	// concurrent reader does not resurrect stale conversation history.
	if now.After(expiresAt) {
		session.State = StateIdle
		session.TurnBuffer = []bus.InboundMessage{}
		session.Context = nil
		if err := s.Update(ctx, session); err != nil {
			return nil, err
		}
		return session, nil
	}

	// TTL refresh on every access.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE customer_id = ?`,
		now.Add(s.ttl), customerID); err != nil {
		return nil, fmt.Errorf("failed to refresh session TTL: %w", err)
	}

	return session, nil
}

// Update writes state, turn buffer, and context in one statement guarded by
// the lock token. Zero rows affected means another writer won the race.
func (s *SQLiteStore) Update(ctx context.Context, session *ConversationSession) error {
	bufferJSON, err := json.Marshal(session.TurnBuffer)
	if err != nil {
		return fmt.Errorf("failed to encode turn buffer: %w", err)
	}

	var contextVal interface{}
	if len(session.Context) > 0 {
		contextVal = string(session.Context)
	}

	now := time.Now().UTC()
	newToken := uuid.NewString()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET state = ?, turn_buffer = ?, context = ?, lock_token = ?, last_activity = ?, expires_at = ?
		 WHERE customer_id = ? AND lock_token = ?`,
		session.State, string(bufferJSON), contextVal, newToken, now, now.Add(s.ttl),
		session.CustomerID, session.LockToken,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session update: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}

	session.LockToken = newToken
	session.LastActivity = now
	return nil
}

func (s *SQLiteStore) ActiveCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE expires_at > ?`, time.Now().UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
