package stats

import (
	"sync"
	"time"
)

// Collector aggregates pipeline counters for the /stats endpoint.
type Collector struct {
	mu               sync.Mutex
	turnsProcessed   int64
	totalTurnLatency time.Duration
	fallbackTurns    int64
	deliveryFailures int64
	duplicateEvents  int64
	messagesAccepted int64
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) RecordTurn(latency time.Duration, fallback bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnsProcessed++
	c.totalTurnLatency += latency
	if fallback {
		c.fallbackTurns++
	}
}

func (c *Collector) RecordDeliveryFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveryFailures++
}

func (c *Collector) RecordDuplicateEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duplicateEvents++
}

func (c *Collector) RecordAccepted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesAccepted++
}

type Snapshot struct {
	TurnsProcessed   int64 `json:"turns_processed"`
	AvgTurnLatencyMs int64 `json:"avg_turn_latency_ms"`
	FallbackTurns    int64 `json:"fallback_turns"`
	DeliveryFailures int64 `json:"delivery_failures"`
	DuplicateEvents  int64 `json:"duplicate_events"`
	MessagesAccepted int64 `json:"messages_accepted"`
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		TurnsProcessed:   c.turnsProcessed,
		FallbackTurns:    c.fallbackTurns,
		DeliveryFailures: c.deliveryFailures,
		DuplicateEvents:  c.duplicateEvents,
		MessagesAccepted: c.messagesAccepted,
	}
	if c.turnsProcessed > 0 {
		snap.AvgTurnLatencyMs = c.totalTurnLatency.Milliseconds() / c.turnsProcessed
	}
	return snap
}
