package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/taxdesk/taxdesk/pkg/bus"
)

// storeFactory lets the CAS and lifecycle tests run against every driver.
type storeFactory func(t *testing.T) SessionStore

func allStores(t *testing.T) map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) SessionStore {
			return NewMemoryStore(time.Hour)
		},
		"sqlite": func(t *testing.T) SessionStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), time.Hour)
			if err != nil {
				t.Fatalf("failed to open sqlite store: %v", err)
			}
			return s
		},
	}
}

func TestGetCreatesIdleSession(t *testing.T) {
	for name, open := range allStores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			sess, err := s.Get(context.Background(), "cust-1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if sess.State != StateIdle {
				t.Errorf("expected IDLE, got %s", sess.State)
			}
			if sess.LockToken == "" {
				t.Error("expected a lock token on a fresh session")
			}
			if len(sess.TurnBuffer) != 0 {
				t.Errorf("expected empty buffer, got %d entries", len(sess.TurnBuffer))
			}
		})
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	for name, open := range allStores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			sess, err := s.Get(context.Background(), "cust-1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}

			sess.State = StateBatching
			sess.TurnBuffer = append(sess.TurnBuffer, bus.InboundMessage{
				EventID:    "evt-1",
				CustomerID: "cust-1",
				Content:    "hello",
			})
			if err := s.Update(context.Background(), sess); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			got, err := s.Get(context.Background(), "cust-1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.State != StateBatching {
				t.Errorf("expected BATCHING, got %s", got.State)
			}
			if len(got.TurnBuffer) != 1 || got.TurnBuffer[0].Content != "hello" {
				t.Errorf("turn buffer not persisted: %+v", got.TurnBuffer)
			}
		})
	}
}

func TestUpdateRotatesLockToken(t *testing.T) {
	for name, open := range allStores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			sess, _ := s.Get(context.Background(), "cust-1")
			before := sess.LockToken
			if err := s.Update(context.Background(), sess); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			if sess.LockToken == before {
				t.Error("Update must install a fresh lock token")
			}
			// The rotated token stays valid for a follow-up write.
			if err := s.Update(context.Background(), sess); err != nil {
				t.Errorf("second Update with rotated token failed: %v", err)
			}
		})
	}
}

func TestUpdateConflictOnStaleToken(t *testing.T) {
	for name, open := range allStores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			a, _ := s.Get(context.Background(), "cust-1")
			b, _ := s.Get(context.Background(), "cust-1")

			if err := s.Update(context.Background(), a); err != nil {
				t.Fatalf("first writer failed: %v", err)
			}

			b.State = StateProcessing
			if err := s.Update(context.Background(), b); err != ErrConflict {
				t.Errorf("expected ErrConflict for stale token, got %v", err)
			}

			got, _ := s.Get(context.Background(), "cust-1")
			if got.State == StateProcessing {
				t.Error("losing writer must not be applied")
			}
		})
	}
}

func TestActiveCountAndPurge(t *testing.T) {
	s := NewMemoryStore(30 * time.Millisecond)
	defer s.Close()

	s.Get(context.Background(), "a")
	s.Get(context.Background(), "b")

	n, err := s.ActiveCount(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 active sessions, got %d (err %v)", n, err)
	}

	time.Sleep(50 * time.Millisecond)
	purged, err := s.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if purged != 2 {
		t.Errorf("expected 2 purged, got %d", purged)
	}
}

func TestSQLiteExpiredSessionResetsToIdle(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	defer s.Close()

	sess, _ := s.Get(context.Background(), "cust-1")
	sess.State = StateProcessing
	if err := s.Update(context.Background(), sess); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	// A crashed worker must not wedge the customer in PROCESSING forever.
	got, err := s.Get(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != StateIdle {
		t.Errorf("expected expired session reset to IDLE, got %s", got.State)
	}
}

func TestSQLiteExpiredIdleSessionDropsContext(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	defer s.Close()

	sess, _ := s.Get(context.Background(), "cust-1")
	sess.Context = []byte(`{"messages":["old history"]}`)
	if err := s.Update(context.Background(), sess); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	// Inactivity past the TTL ends the conversation even when the session
	// sat in IDLE; the next message starts from a clean slate.
	got, err := s.Get(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Context) != 0 {
		t.Errorf("expected expired session context cleared, got %s", got.Context)
	}
	if got.State != StateIdle || len(got.TurnBuffer) != 0 {
		t.Errorf("expected fresh session, got state=%s buffer=%d", got.State, len(got.TurnBuffer))
	}
}

func TestTTLSetSeenAndPrune(t *testing.T) {
	set := NewTTLSet(30 * time.Millisecond)

	if set.Seen("evt-1") {
		t.Error("first observation must report unseen")
	}
	if !set.Seen("evt-1") {
		t.Error("second observation must report seen")
	}
	if !set.Contains("evt-1") {
		t.Error("Contains must report the live entry")
	}

	time.Sleep(50 * time.Millisecond)
	if set.Contains("evt-1") {
		t.Error("expired entry must not be reported")
	}
	if set.Seen("evt-1") {
		t.Error("expired entry counts as unseen again")
	}

	time.Sleep(50 * time.Millisecond)
	if pruned := set.Prune(); pruned != 1 {
		t.Errorf("expected 1 pruned entry, got %d", pruned)
	}
	if set.Len() != 0 {
		t.Errorf("expected empty set after prune, got %d", set.Len())
	}
}
