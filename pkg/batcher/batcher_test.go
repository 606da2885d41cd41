package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/store"
)

type recordingProcessor struct {
	mu    sync.Mutex
	turns []Turn
}

func (p *recordingProcessor) ProcessTurn(ctx context.Context, turn Turn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, turn)
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.turns)
}

func (p *recordingProcessor) turn(i int) Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turns[i]
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestBatcher(t *testing.T, debounce, maxWindow time.Duration) (*Batcher, *recordingProcessor, store.SessionStore) {
	sessions := store.NewMemoryStore(time.Hour)
	proc := &recordingProcessor{}
	b := NewBatcher(sessions, bus.NewMessageBus(), proc, debounce, maxWindow)
	return b, proc, sessions
}

func inbound(customerID, msgID, content string) bus.InboundMessage {
	return bus.InboundMessage{
		EventID:          "evt-" + msgID,
		CustomerID:       customerID,
		ChannelMessageID: msgID,
		Channel:          "whatsapp",
		Content:          content,
		Timestamp:        time.Now(),
	}
}

func TestSingleMessageFlushesAfterDebounce(t *testing.T) {
	b, proc, sessions := newTestBatcher(t, 20*time.Millisecond, time.Second)

	b.Enqueue(inbound("cust-1", "m1", "hello"))

	sess, _ := sessions.Get(context.Background(), "cust-1")
	if sess.State != store.StateBatching {
		t.Fatalf("expected BATCHING while debouncing, got %s", sess.State)
	}

	waitFor(t, func() bool { return proc.count() == 1 }, time.Second, "turn never flushed")

	turn := proc.turn(0)
	if turn.CustomerID != "cust-1" || len(turn.Messages) != 1 {
		t.Errorf("unexpected turn: %+v", turn)
	}
	if turn.ID == "" {
		t.Error("turn must carry an id")
	}

	sess, _ = sessions.Get(context.Background(), "cust-1")
	if sess.State != store.StateProcessing {
		t.Errorf("expected PROCESSING after flush, got %s", sess.State)
	}
	if len(sess.TurnBuffer) != 0 {
		t.Errorf("buffer must be cleared at flush, got %d entries", len(sess.TurnBuffer))
	}
}

func TestRapidMessagesCoalesceIntoOneTurn(t *testing.T) {
	b, proc, _ := newTestBatcher(t, 40*time.Millisecond, time.Second)

	b.Enqueue(inbound("cust-1", "m1", "I got a letter"))
	time.Sleep(10 * time.Millisecond)
	b.Enqueue(inbound("cust-1", "m2", "from the IRS"))
	time.Sleep(10 * time.Millisecond)
	b.Enqueue(inbound("cust-1", "m3", "what do I do?"))

	waitFor(t, func() bool { return proc.count() == 1 }, time.Second, "turn never flushed")

	turn := proc.turn(0)
	if len(turn.Messages) != 3 {
		t.Fatalf("expected 3 coalesced messages, got %d", len(turn.Messages))
	}
	if turn.Messages[0].Content != "I got a letter" || turn.Messages[2].Content != "what do I do?" {
		t.Error("messages must keep arrival order")
	}
}

func TestDuplicateChannelMessageAbsorbed(t *testing.T) {
	b, proc, _ := newTestBatcher(t, 20*time.Millisecond, time.Second)

	msg := inbound("cust-1", "m1", "hello")
	b.Enqueue(msg)
	// Redelivery with a fresh event id but the same channel message id.
	dup := msg
	dup.EventID = "evt-redelivery"
	b.Enqueue(dup)

	waitFor(t, func() bool { return proc.count() == 1 }, time.Second, "turn never flushed")
	if got := len(proc.turn(0).Messages); got != 1 {
		t.Errorf("expected duplicate absorbed, got %d messages", got)
	}
}

func TestMaxWindowCapsDebounceExtension(t *testing.T) {
	b, proc, _ := newTestBatcher(t, 50*time.Millisecond, 120*time.Millisecond)

	stop := make(chan struct{})
	go func() {
		// Keep resetting the debounce timer past the hard cap.
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(30 * time.Millisecond):
				b.Enqueue(inbound("cust-1", "m-extra-"+string(rune('a'+i%26)), "more"))
			}
		}
	}()
	b.Enqueue(inbound("cust-1", "m1", "first"))

	waitFor(t, func() bool { return proc.count() >= 1 }, time.Second, "hard cap never forced a flush")
	close(stop)
}

func TestForceFlush(t *testing.T) {
	b, proc, _ := newTestBatcher(t, time.Hour, 2*time.Hour)

	if b.ForceFlush("cust-1") {
		t.Error("ForceFlush with no batch must report false")
	}

	b.Enqueue(inbound("cust-1", "m1", "hello"))
	if !b.ForceFlush("cust-1") {
		t.Fatal("ForceFlush with a pending batch must report true")
	}

	waitFor(t, func() bool { return proc.count() == 1 }, time.Second, "forced turn never processed")
}

func TestConcurrentFlushesFreezeExactlyOneTurn(t *testing.T) {
	// A debounce timer firing at the same moment as a force flush must not
	// hand the supervisor the same buffer twice. The loser sees the
	// BATCHING to PROCESSING transition and backs off.
	for round := 0; round < 20; round++ {
		b, proc, sessions := newTestBatcher(t, time.Hour, time.Hour)

		b.Enqueue(inbound("cust-1", "m1", "hello"))
		b.Enqueue(inbound("cust-1", "m2", "are you there"))

		var wg sync.WaitGroup
		start := make(chan struct{})
		results := make(chan bool, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			forced := i == 0
			go func() {
				defer wg.Done()
				<-start
				if forced {
					results <- b.ForceFlush("cust-1")
				} else {
					results <- b.flush("cust-1", false)
				}
			}()
		}
		close(start)
		wg.Wait()

		won := 0
		for i := 0; i < 2; i++ {
			if <-results {
				won++
			}
		}
		if won != 1 {
			t.Fatalf("round %d: %d flushes claimed the turn, want exactly 1", round, won)
		}

		waitFor(t, func() bool { return proc.count() == 1 }, time.Second, "winning turn never processed")
		time.Sleep(10 * time.Millisecond)
		if proc.count() != 1 {
			t.Fatalf("round %d: %d turns processed, want 1", round, proc.count())
		}
		if turn := proc.turn(0); len(turn.Messages) != 2 {
			t.Fatalf("round %d: frozen turn has %d messages, want 2", round, len(turn.Messages))
		}

		sess, _ := sessions.Get(context.Background(), "cust-1")
		if sess.State != store.StateProcessing || len(sess.TurnBuffer) != 0 {
			t.Fatalf("round %d: session state=%s buffer=%d after freeze", round, sess.State, len(sess.TurnBuffer))
		}
	}
}

func TestMessagesDuringProcessingBufferForNextTurn(t *testing.T) {
	b, proc, sessions := newTestBatcher(t, 20*time.Millisecond, time.Second)

	b.Enqueue(inbound("cust-1", "m1", "first"))
	waitFor(t, func() bool { return proc.count() == 1 }, time.Second, "first turn never flushed")

	// Session is PROCESSING now; new messages must queue without a timer.
	b.Enqueue(inbound("cust-1", "m2", "second"))
	time.Sleep(60 * time.Millisecond)
	if proc.count() != 1 {
		t.Fatal("no turn may start while PROCESSING")
	}

	sess, _ := sessions.Get(context.Background(), "cust-1")
	if len(sess.TurnBuffer) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(sess.TurnBuffer))
	}

	// Supervisor completion: back to BATCHING, then the batcher resumes.
	sess.State = store.StateBatching
	if err := sessions.Update(context.Background(), sess); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	b.ResumeBatching("cust-1")

	waitFor(t, func() bool { return proc.count() == 2 }, time.Second, "queued turn never flushed")
	if got := proc.turn(1).Messages[0].Content; got != "second" {
		t.Errorf("unexpected next-turn content %q", got)
	}
}

func TestRunConsumesInboundBus(t *testing.T) {
	sessions := store.NewMemoryStore(time.Hour)
	proc := &recordingProcessor{}
	broker := bus.NewMessageBus()
	b := NewBatcher(sessions, broker, proc, 20*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	broker.PublishInbound(inbound("cust-1", "m1", "hello"))
	waitFor(t, func() bool { return proc.count() == 1 }, time.Second, "bus message never processed")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
