package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taxdesk/taxdesk/pkg/bus"
)

// MemoryStore keeps sessions in process memory. Used by the chat REPL and
// tests; production deployments use the SQLite store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memoryEntry
	ttl      time.Duration
}

type memoryEntry struct {
	session   ConversationSession
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		ttl:      ttl,
	}
}

func (s *MemoryStore) Get(ctx context.Context, customerID string) (*ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.sessions[customerID]
	if ok && now.After(entry.expiresAt) {
		delete(s.sessions, customerID)
		ok = false
	}

	if !ok {
		entry = &memoryEntry{
			session: ConversationSession{
				CustomerID:   customerID,
				State:        StateIdle,
				TurnBuffer:   []bus.InboundMessage{},
				LockToken:    uuid.NewString(),
				LastActivity: now,
			},
		}
		s.sessions[customerID] = entry
	}
	entry.expiresAt = now.Add(s.ttl)

	copied := entry.session
	copied.TurnBuffer = append([]bus.InboundMessage(nil), entry.session.TurnBuffer...)
	return &copied, nil
}

func (s *MemoryStore) Update(ctx context.Context, session *ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[session.CustomerID]
	if !ok || entry.session.LockToken != session.LockToken {
		return ErrConflict
	}

	now := time.Now()
	newToken := uuid.NewString()

	stored := *session
	stored.TurnBuffer = append([]bus.InboundMessage(nil), session.TurnBuffer...)
	stored.LockToken = newToken
	stored.LastActivity = now
	entry.session = stored
	entry.expiresAt = now.Add(s.ttl)

	session.LockToken = newToken
	session.LastActivity = now
	return nil
}

func (s *MemoryStore) ActiveCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for _, entry := range s.sessions {
		if now.Before(entry.expiresAt) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	purged := 0
	for id, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			delete(s.sessions, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Close() error { return nil }
