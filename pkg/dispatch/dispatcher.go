// TaxDesk - customer support assistant pipeline
// License: MIT
//
// Copyright (c) 2026 TaxDesk contributors

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/logger"
	"github.com/taxdesk/taxdesk/pkg/resilience"
	"github.com/taxdesk/taxdesk/pkg/stats"
	"github.com/taxdesk/taxdesk/pkg/store"
)

// Sender delivers one finalized reply to a chat channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Dispatcher drains the outbound bus and pushes replies to the channel
// senders. Sends are idempotent on IdempotencyKey, and a delivery failure is
// terminal for the message: it is logged and alerted, never fed back into
// the turn pipeline.
type Dispatcher struct {
	broker   bus.Subscriber
	breakers *resilience.Registry
	stats    *stats.Collector

	senders  map[string]Sender
	fallback Sender

	sent *store.TTLSet

	// onFailure is the alerting hook; may be nil.
	onFailure func(msg bus.OutboundMessage, err error)
}

func NewDispatcher(broker bus.Subscriber, breakers *resilience.Registry, collector *stats.Collector) *Dispatcher {
	return &Dispatcher{
		broker:   broker,
		breakers: breakers,
		stats:    collector,
		senders:  make(map[string]Sender),
		sent:     store.NewTTLSet(time.Hour),
	}
}

// RegisterSender routes outbound messages for channel to s. The first
// registered sender also becomes the fallback for unknown channels.
func (d *Dispatcher) RegisterSender(channel string, s Sender) {
	d.senders[channel] = s
	if d.fallback == nil {
		d.fallback = s
	}
}

func (d *Dispatcher) SetFailureHandler(fn func(msg bus.OutboundMessage, err error)) {
	d.onFailure = fn
}

// Run consumes the outbound bus until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		msg, ok := d.broker.SubscribeOutbound(ctx)
		if !ok {
			return nil
		}
		d.deliver(ctx, msg)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg bus.OutboundMessage) {
	if msg.IdempotencyKey != "" && d.sent.Contains(msg.IdempotencyKey) {
		logger.InfoCF("dispatch", "Suppressed duplicate send",
			map[string]interface{}{
				"customer_id":     msg.CustomerID,
				"idempotency_key": msg.IdempotencyKey,
			})
		return
	}

	sender := d.senders[msg.Channel]
	if sender == nil {
		sender = d.fallback
	}
	if sender == nil {
		d.fail(msg, fmt.Errorf("no sender registered for channel %q", msg.Channel))
		return
	}

	err := d.breakers.Get("delivery:"+sender.Name()).Do(ctx, func(ctx context.Context) error {
		return sender.Send(ctx, msg)
	})
	if err != nil {
		d.fail(msg, err)
		return
	}

	// Mark only after success so a failed key can be re-published.
	if msg.IdempotencyKey != "" {
		d.sent.Seen(msg.IdempotencyKey)
	}
	msg.DeliveryState = bus.DeliverySent
	logger.InfoCF("dispatch", "Reply delivered",
		map[string]interface{}{
			"customer_id":     msg.CustomerID,
			"channel":         msg.Channel,
			"sender":          sender.Name(),
			"idempotency_key": msg.IdempotencyKey,
			"body_length":     len(msg.Body),
		})
}

// fail records a terminal delivery failure. The turn that produced the
// message stays closed; the customer's next message starts a fresh turn.
func (d *Dispatcher) fail(msg bus.OutboundMessage, err error) {
	msg.DeliveryState = bus.DeliveryFailed
	d.stats.RecordDeliveryFailure()
	logger.ErrorCF("dispatch", "Delivery failed, dropping reply",
		map[string]interface{}{
			"customer_id":     msg.CustomerID,
			"channel":         msg.Channel,
			"idempotency_key": msg.IdempotencyKey,
			"error":           err.Error(),
		})
	if d.onFailure != nil {
		d.onFailure(msg, err)
	}
}

// Prune drops expired sent-key entries; called by the janitor.
func (d *Dispatcher) Prune() int {
	return d.sent.Prune()
}
