package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/taxdesk/taxdesk/pkg/bus"
)

type SessionState string

const (
	StateIdle       SessionState = "IDLE"
	StateBatching   SessionState = "BATCHING"
	StateProcessing SessionState = "PROCESSING"
)

// ConversationSession is the single shared mutable record per customer.
// LockToken enforces single-writer access across pipeline instances: every
// update is a compare-and-swap against the token observed at read time.
type ConversationSession struct {
	CustomerID   string               `json:"customer_id"`
	State        SessionState         `json:"state"`
	TurnBuffer   []bus.InboundMessage `json:"turn_buffer"`
	Context      json.RawMessage      `json:"context,omitempty"`
	LockToken    string               `json:"lock_token"`
	LastActivity time.Time            `json:"last_activity_at"`
}

var (
	// ErrConflict signals a lost CAS race: another writer updated the
	// session since it was read. Callers re-read and retry.
	ErrConflict = errors.New("session modified concurrently")
)

// SessionStore is durable key-value storage keyed by customer ID. Get
// creates an IDLE session lazily and refreshes the TTL on every access;
// Update writes state, turn buffer and context atomically under CAS and
// installs a fresh lock token on the passed session.
type SessionStore interface {
	Get(ctx context.Context, customerID string) (*ConversationSession, error)
	Update(ctx context.Context, session *ConversationSession) error
	ActiveCount(ctx context.Context) (int, error)
	PurgeExpired(ctx context.Context) (int, error)
	Close() error
}
