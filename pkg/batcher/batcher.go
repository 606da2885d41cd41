// TaxDesk - customer support assistant pipeline
// License: MIT
//
// Copyright (c) 2026 TaxDesk contributors

package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/logger"
	"github.com/taxdesk/taxdesk/pkg/store"
)

// Turn is one frozen batch of inbound messages handed to the supervisor.
type Turn struct {
	ID         string
	CustomerID string
	Channel    string
	Messages   []bus.InboundMessage
}

// TurnProcessor consumes frozen turns. The supervisor loop implements it.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, turn Turn)
}

const casRetries = 3

// Batcher coalesces a customer's rapid-fire messages into one logical turn.
// Each inbound message (re)starts a debounce timer of length W; a hard cap
// T_max measured from the oldest buffered message bounds the total delay.
// Messages arriving while a turn is PROCESSING buffer for the next turn.
type Batcher struct {
	sessions  store.SessionStore
	broker    bus.Broker
	processor TurnProcessor

	debounce  time.Duration
	maxWindow time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	baseCtx context.Context

	seen *store.TTLSet // turn-level channel_message_id dedup
	wg   sync.WaitGroup
}

func NewBatcher(sessions store.SessionStore, broker bus.Broker, processor TurnProcessor, debounce, maxWindow time.Duration) *Batcher {
	if maxWindow < debounce {
		maxWindow = debounce
	}
	return &Batcher{
		sessions:  sessions,
		broker:    broker,
		processor: processor,
		debounce:  debounce,
		maxWindow: maxWindow,
		timers:    make(map[string]*time.Timer),
		seen:      store.NewTTLSet(10 * time.Minute),
	}
}

// Run consumes the inbound bus until ctx is cancelled, then waits for
// in-flight turns to finish.
func (b *Batcher) Run(ctx context.Context) error {
	b.mu.Lock()
	b.baseCtx = ctx
	b.mu.Unlock()
	for {
		msg, ok := b.broker.ConsumeInbound(ctx)
		if !ok {
			b.stopTimers()
			b.wg.Wait()
			return nil
		}
		b.Enqueue(msg)
	}
}

// Enqueue appends one verified inbound message to the customer's buffer and
// arms the debounce timer. Safe to call from any goroutine.
func (b *Batcher) Enqueue(msg bus.InboundMessage) {
	if msg.CustomerID == "" {
		logger.WarnC("batcher", "Dropping message without customer id")
		return
	}

	// The provider may redeliver the same logical message under a fresh
	// event id; event-level dedup at the gateway does not catch that.
	if msg.ChannelMessageID != "" && b.seen.Seen(msg.CustomerID+":"+msg.ChannelMessageID) {
		logger.InfoCF("batcher", "Duplicate channel message absorbed",
			map[string]interface{}{
				"customer_id":        msg.CustomerID,
				"channel_message_id": msg.ChannelMessageID,
			})
		return
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		sess, err := b.sessions.Get(context.Background(), msg.CustomerID)
		if err != nil {
			logger.ErrorCF("batcher", "Failed to load session",
				map[string]interface{}{"customer_id": msg.CustomerID, "error": err.Error()})
			return
		}

		sess.TurnBuffer = append(sess.TurnBuffer, msg)
		processing := sess.State == store.StateProcessing
		if !processing {
			sess.State = store.StateBatching
		}

		if err := b.sessions.Update(context.Background(), sess); err != nil {
			if err == store.ErrConflict {
				continue
			}
			logger.ErrorCF("batcher", "Failed to persist session",
				map[string]interface{}{"customer_id": msg.CustomerID, "error": err.Error()})
			return
		}

		if processing {
			// Buffered for the next turn; the supervisor resumes batching
			// when the current turn completes.
			logger.DebugCF("batcher", "Message queued behind in-flight turn",
				map[string]interface{}{"customer_id": msg.CustomerID})
			return
		}

		b.armTimer(msg.CustomerID, sess.TurnBuffer)
		return
	}
	logger.ErrorCF("batcher", "Gave up appending message after CAS conflicts",
		map[string]interface{}{"customer_id": msg.CustomerID, "event_id": msg.EventID})
}

// armTimer (re)starts the debounce timer, clamped so the turn flushes no
// later than maxWindow after the oldest buffered message.
func (b *Batcher) armTimer(customerID string, buffer []bus.InboundMessage) {
	delay := b.debounce
	if len(buffer) > 0 {
		oldest := buffer[0].Timestamp
		if !oldest.IsZero() {
			remaining := b.maxWindow - time.Since(oldest)
			if remaining < delay {
				delay = remaining
			}
		}
	}
	if delay < 0 {
		delay = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.timers[customerID]; ok {
		t.Stop()
	}
	b.timers[customerID] = time.AfterFunc(delay, func() {
		b.flush(customerID, false)
	})
}

// ResumeBatching re-arms the timer for messages that queued up while a turn
// was processing. Called by the supervisor after the session returns to
// BATCHING.
func (b *Batcher) ResumeBatching(customerID string) {
	sess, err := b.sessions.Get(context.Background(), customerID)
	if err != nil {
		logger.ErrorCF("batcher", "Failed to load session for resume",
			map[string]interface{}{"customer_id": customerID, "error": err.Error()})
		return
	}
	if sess.State != store.StateBatching || len(sess.TurnBuffer) == 0 {
		return
	}
	b.armTimer(customerID, sess.TurnBuffer)
}

// ForceFlush bypasses the debounce timer for one customer. Returns whether
// a buffered batch was present. Used for operational recovery.
func (b *Batcher) ForceFlush(customerID string) bool {
	b.mu.Lock()
	if t, ok := b.timers[customerID]; ok {
		t.Stop()
		delete(b.timers, customerID)
	}
	b.mu.Unlock()
	return b.flush(customerID, true)
}

// flush freezes the buffer as a turn and hands it to the supervisor. The
// BATCHING→PROCESSING transition happens under CAS, so at most one pipeline
// instance wins the turn even when two race.
func (b *Batcher) flush(customerID string, forced bool) bool {
	for attempt := 0; attempt < casRetries; attempt++ {
		sess, err := b.sessions.Get(context.Background(), customerID)
		if err != nil {
			logger.ErrorCF("batcher", "Failed to load session for flush",
				map[string]interface{}{"customer_id": customerID, "error": err.Error()})
			return false
		}

		if sess.State != store.StateBatching || len(sess.TurnBuffer) == 0 {
			return false
		}

		frozen := make([]bus.InboundMessage, len(sess.TurnBuffer))
		copy(frozen, sess.TurnBuffer)

		sess.State = store.StateProcessing
		sess.TurnBuffer = nil
		if err := b.sessions.Update(context.Background(), sess); err != nil {
			if err == store.ErrConflict {
				continue
			}
			logger.ErrorCF("batcher", "Failed to freeze turn",
				map[string]interface{}{"customer_id": customerID, "error": err.Error()})
			return false
		}

		b.mu.Lock()
		delete(b.timers, customerID)
		ctx := b.baseCtx
		b.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}

		turn := Turn{
			ID:         uuid.NewString(),
			CustomerID: customerID,
			Channel:    frozen[0].Channel,
			Messages:   frozen,
		}

		logger.InfoCF("batcher", "Turn frozen",
			map[string]interface{}{
				"customer_id": customerID,
				"turn_id":     turn.ID,
				"messages":    len(frozen),
				"forced":      forced,
			})

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.processor.ProcessTurn(ctx, turn)
		}()
		return true
	}

	logger.ErrorCF("batcher", "Gave up freezing turn after CAS conflicts",
		map[string]interface{}{"customer_id": customerID})
	return false
}

func (b *Batcher) stopTimers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
}

// Prune drops expired dedup entries; called by the janitor.
func (b *Batcher) Prune() int {
	return b.seen.Prune()
}
