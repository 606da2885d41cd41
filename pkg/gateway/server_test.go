package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taxdesk/taxdesk/pkg/batcher"
	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/config"
	"github.com/taxdesk/taxdesk/pkg/resilience"
	"github.com/taxdesk/taxdesk/pkg/stats"
	"github.com/taxdesk/taxdesk/pkg/store"
)

type nopProcessor struct{}

func (nopProcessor) ProcessTurn(ctx context.Context, turn batcher.Turn) {}

func newTestGateway(t *testing.T) (*Gateway, *bus.MessageBus, *stats.Collector) {
	cfg := config.DefaultConfig()
	cfg.Channel.VerifyToken = "verify-me"
	cfg.Channel.AppSecret = "app-secret"

	broker := bus.NewMessageBus()
	t.Cleanup(broker.Close)

	sessions := store.NewMemoryStore(time.Hour)
	b := batcher.NewBatcher(sessions, broker, nopProcessor{}, time.Hour, 2*time.Hour)
	breakers := resilience.NewRegistry(resilience.Options{})
	collector := stats.NewCollector()

	return NewGateway(cfg, broker, b, sessions, breakers, collector), broker, collector
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func envelope(eventID, msgID, from, text string) []byte {
	payload := map[string]interface{}{
		"object":   "whatsapp_business_account",
		"event_id": eventID,
		"entry": []map[string]interface{}{{
			"id": "entry-1",
			"changes": []map[string]interface{}{{
				"field": "messages",
				"value": map[string]interface{}{
					"messaging_product": "whatsapp",
					"contacts": []map[string]interface{}{{
						"wa_id":   from,
						"profile": map[string]string{"name": "Dana"},
					}},
					"messages": []map[string]interface{}{{
						"from":      from,
						"id":        msgID,
						"timestamp": "1756700000",
						"type":      "text",
						"text":      map[string]string{"body": text},
					}},
				},
			}},
		}},
	}
	data, _ := json.Marshal(payload)
	return data
}

func TestHandshakeReturnsChallenge(t *testing.T) {
	g, _, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	g.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "12345" {
		t.Errorf("expected challenge echoed, got %q", w.Body.String())
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	g, _, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	g.handleWebhook(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestDeliveryRejectsBadSignature(t *testing.T) {
	g, broker, _ := newTestGateway(t)

	body := envelope("evt-1", "msg-1", "15551234567", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()
	g.handleWebhook(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := broker.ConsumeInbound(ctx); ok {
		t.Error("unsigned payload must not reach the bus")
	}
}

func TestDeliveryRejectsMissingSignature(t *testing.T) {
	g, _, _ := newTestGateway(t)

	body := envelope("evt-1", "msg-1", "15551234567", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	w := httptest.NewRecorder()
	g.handleWebhook(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without signature header, got %d", w.Code)
	}
}

func TestDeliveryAcceptsAndPublishes(t *testing.T) {
	g, broker, _ := newTestGateway(t)

	body := envelope("evt-1", "msg-1", "15551234567", "I need help with my back taxes")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
	w := httptest.NewRecorder()
	g.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := broker.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("message never published")
	}
	if msg.CustomerID != "15551234567" {
		t.Errorf("unexpected customer id %q", msg.CustomerID)
	}
	if msg.ChannelMessageID != "msg-1" {
		t.Errorf("unexpected channel message id %q", msg.ChannelMessageID)
	}
	if msg.Content != "I need help with my back taxes" {
		t.Errorf("unexpected content %q", msg.Content)
	}
	if msg.Metadata["customer_name"] != "Dana" {
		t.Errorf("contact name not carried: %v", msg.Metadata)
	}
}

func TestDeliveryDeduplicatesEventID(t *testing.T) {
	g, broker, collector := newTestGateway(t)

	body := envelope("evt-1", "msg-1", "15551234567", "hello")
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
		w := httptest.NewRecorder()
		g.handleWebhook(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("redelivery must still be acknowledged, got %d", w.Code)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := broker.ConsumeInbound(ctx); !ok {
		t.Fatal("first delivery never published")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, ok := broker.ConsumeInbound(ctx2); ok {
		t.Error("duplicate event must not be published")
	}

	if got := collector.Snapshot().DuplicateEvents; got != 1 {
		t.Errorf("expected 1 duplicate recorded, got %d", got)
	}
}

func TestMalformedPayloadStillAcknowledged(t *testing.T) {
	g, _, _ := newTestGateway(t)

	body := []byte("not json")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
	w := httptest.NewRecorder()
	g.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("verified but malformed payload must get 200, got %d", w.Code)
	}
}

func TestForceProcessEndpoint(t *testing.T) {
	g, _, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/force-process-batch/cust-1", nil)
	w := httptest.NewRecorder()
	g.handleForceProcess(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["flushed"] != false {
		t.Errorf("expected flushed=false with empty batch, got %v", resp["flushed"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	g, _, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	g.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected ok status, got %v", resp["status"])
	}
}
