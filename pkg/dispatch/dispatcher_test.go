package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/resilience"
	"github.com/taxdesk/taxdesk/pkg/stats"
)

type fakeSender struct {
	mu    sync.Mutex
	name  string
	sent  []bus.OutboundMessage
	fail  error
	calls int
}

func (s *fakeSender) Name() string { return s.name }

func (s *fakeSender) Send(ctx context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, msg)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *bus.MessageBus, *stats.Collector) {
	broker := bus.NewMessageBus()
	t.Cleanup(broker.Close)
	breakers := resilience.NewRegistry(resilience.Options{
		FailureThreshold: 2,
		Cooldown:         time.Second,
		MaxRetries:       0,
		BackoffBase:      time.Millisecond,
	})
	collector := stats.NewCollector()
	return NewDispatcher(broker, breakers, collector), broker, collector
}

func reply(customerID, key, body string) bus.OutboundMessage {
	return bus.OutboundMessage{
		CustomerID:     customerID,
		Channel:        "whatsapp",
		Body:           body,
		IdempotencyKey: key,
		DeliveryState:  bus.DeliveryPending,
	}
}

func TestDeliverSendsThroughChannelSender(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	sender := &fakeSender{name: "whatsapp"}
	d.RegisterSender("whatsapp", sender)

	d.deliver(context.Background(), reply("cust-1", "cust-1:turn-1", "hello"))

	if len(sender.sent) != 1 || sender.sent[0].Body != "hello" {
		t.Fatalf("message not delivered: %+v", sender.sent)
	}
}

func TestDeliverSuppressesDuplicateIdempotencyKey(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	sender := &fakeSender{name: "whatsapp"}
	d.RegisterSender("whatsapp", sender)

	msg := reply("cust-1", "cust-1:turn-1", "hello")
	d.deliver(context.Background(), msg)
	d.deliver(context.Background(), msg)

	if sender.calls != 1 {
		t.Errorf("expected exactly 1 send for the same key, got %d", sender.calls)
	}
}

func TestDeliverFailureIsTerminal(t *testing.T) {
	d, _, collector := newTestDispatcher(t)
	sender := &fakeSender{name: "whatsapp", fail: errors.New("provider 500")}
	d.RegisterSender("whatsapp", sender)

	var failed bus.OutboundMessage
	var failedErr error
	d.SetFailureHandler(func(msg bus.OutboundMessage, err error) {
		failed = msg
		failedErr = err
	})

	d.deliver(context.Background(), reply("cust-1", "cust-1:turn-1", "hello"))

	if failedErr == nil {
		t.Fatal("failure handler not invoked")
	}
	if failed.DeliveryState != bus.DeliveryFailed {
		t.Errorf("expected FAILED state, got %s", failed.DeliveryState)
	}
	if collector.Snapshot().DeliveryFailures != 1 {
		t.Errorf("delivery failure not recorded")
	}
}

func TestFailedSendDoesNotConsumeIdempotencyKey(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	sender := &fakeSender{name: "whatsapp", fail: errors.New("provider 500")}
	d.RegisterSender("whatsapp", sender)

	msg := reply("cust-1", "cust-1:turn-1", "hello")
	d.deliver(context.Background(), msg)

	// The sender recovers; a re-publish of the same key must go out
	// instead of being suppressed as already sent.
	sender.mu.Lock()
	sender.fail = nil
	sender.mu.Unlock()

	d.deliver(context.Background(), msg)
	if len(sender.sent) != 1 {
		t.Fatalf("re-published message not delivered after recovery, sent=%d", len(sender.sent))
	}

	d.deliver(context.Background(), msg)
	if sender.calls != 2 {
		t.Errorf("expected third attempt suppressed by sent key, got %d calls", sender.calls)
	}
}

func TestDeliverFallsBackForUnknownChannel(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	sender := &fakeSender{name: "whatsapp"}
	d.RegisterSender("whatsapp", sender)

	msg := reply("cust-1", "cust-1:turn-1", "hello")
	msg.Channel = "cli"
	d.deliver(context.Background(), msg)

	if len(sender.sent) != 1 {
		t.Errorf("unknown channel must use the fallback sender, got %d sends", len(sender.sent))
	}
}

func TestDeliverOpenBreakerFailsFast(t *testing.T) {
	d, _, collector := newTestDispatcher(t)
	sender := &fakeSender{name: "whatsapp", fail: errors.New("provider down")}
	d.RegisterSender("whatsapp", sender)

	// Threshold is 2; the third message must not reach the sender.
	d.deliver(context.Background(), reply("cust-1", "k1", "a"))
	d.deliver(context.Background(), reply("cust-1", "k2", "b"))
	d.deliver(context.Background(), reply("cust-1", "k3", "c"))

	if sender.calls != 2 {
		t.Errorf("expected 2 attempts before fail-fast, got %d", sender.calls)
	}
	if collector.Snapshot().DeliveryFailures != 3 {
		t.Errorf("expected all 3 recorded as failures, got %d", collector.Snapshot().DeliveryFailures)
	}
}

func TestRunConsumesOutboundBus(t *testing.T) {
	d, broker, _ := newTestDispatcher(t)
	sender := &fakeSender{name: "whatsapp"}
	d.RegisterSender("whatsapp", sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	broker.PublishOutbound(reply("cust-1", "cust-1:turn-1", "hello"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sender.mu.Lock()
		n := len(sender.sent)
		sender.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sender.mu.Lock()
	if len(sender.sent) != 1 {
		t.Error("bus message never delivered")
	}
	sender.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
