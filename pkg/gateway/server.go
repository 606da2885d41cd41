// TaxDesk - customer support assistant pipeline
// License: MIT
//
// Copyright (c) 2026 TaxDesk contributors

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taxdesk/taxdesk/pkg/batcher"
	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/config"
	"github.com/taxdesk/taxdesk/pkg/logger"
	"github.com/taxdesk/taxdesk/pkg/resilience"
	"github.com/taxdesk/taxdesk/pkg/stats"
	"github.com/taxdesk/taxdesk/pkg/store"
)

const maxWebhookBody = 1 << 20

// Gateway is the HTTP ingress: webhook verification and receipt, plus the
// operational endpoints. It acknowledges verified deliveries immediately and
// hands the work to the bus; all slow processing happens downstream.
type Gateway struct {
	cfg      *config.Config
	broker   bus.Publisher
	batcher  *batcher.Batcher
	sessions store.SessionStore
	breakers *resilience.Registry
	stats    *stats.Collector

	seen   *store.TTLSet // event_id dedup across redeliveries
	server *http.Server
}

func NewGateway(cfg *config.Config, broker bus.Publisher, b *batcher.Batcher, sessions store.SessionStore, breakers *resilience.Registry, collector *stats.Collector) *Gateway {
	dedupTTL := time.Duration(cfg.Channel.DedupTTLSeconds) * time.Second
	if dedupTTL <= 0 {
		dedupTTL = 10 * time.Minute
	}
	return &Gateway{
		cfg:      cfg,
		broker:   broker,
		batcher:  b,
		sessions: sessions,
		breakers: breakers,
		stats:    collector,
		seen:     store.NewTTLSet(dedupTTL),
	}
}

func (g *Gateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Channel.WebhookPath, g.handleWebhook)
	mux.HandleFunc("/force-process-batch/", g.handleForceProcess)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/stats", g.handleStats)

	addr := fmt.Sprintf("%s:%d", g.cfg.Server.Host, g.cfg.Server.Port)
	g.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.InfoCF("gateway", "Webhook server starting",
		map[string]interface{}{"addr": addr, "path": g.cfg.Channel.WebhookPath})

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("gateway", "Webhook server failed",
				map[string]interface{}{"error": err.Error()})
		}
	}()
	return nil
}

func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	logger.InfoC("gateway", "Webhook server stopping")
	return g.server.Shutdown(ctx)
}

// Prune drops expired dedup entries; called by the janitor.
func (g *Gateway) Prune() int {
	return g.seen.Prune()
}

func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleHandshake(w, r)
	case http.MethodPost:
		g.handleDelivery(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHandshake answers the provider's subscription challenge.
func (g *Gateway) handleHandshake(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token == "" || token != g.cfg.Channel.VerifyToken {
		logger.WarnCF("gateway", "Webhook handshake rejected",
			map[string]interface{}{"mode": mode, "remote": r.RemoteAddr})
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}

	logger.InfoC("gateway", "Webhook handshake verified")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

func (g *Gateway) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !verifySignature(g.cfg.Channel.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		logger.WarnCF("gateway", "Webhook signature rejected",
			map[string]interface{}{"remote": r.RemoteAddr, "bytes": len(body)})
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	msgs, err := parseEnvelope(body)
	if err != nil {
		logger.WarnCF("gateway", "Webhook payload unparseable",
			map[string]interface{}{"error": err.Error()})
		// Verified but malformed. Acknowledge so the provider does not
		// retry a payload that will never parse.
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, msg := range msgs {
		if g.seen.Seen(msg.EventID) {
			g.stats.RecordDuplicateEvent()
			logger.InfoCF("gateway", "Duplicate event absorbed",
				map[string]interface{}{"event_id": msg.EventID, "customer_id": msg.CustomerID})
			continue
		}
		g.stats.RecordAccepted()
		g.broker.PublishInbound(msg)
	}

	w.WriteHeader(http.StatusOK)
}

// handleForceProcess flushes a customer's pending batch immediately,
// bypassing the debounce timer. Operational escape hatch.
func (g *Gateway) handleForceProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	customerID := strings.TrimPrefix(r.URL.Path, "/force-process-batch/")
	if customerID == "" || strings.Contains(customerID, "/") {
		http.Error(w, "missing customer id", http.StatusBadRequest)
		return
	}

	flushed := g.batcher.ForceFlush(customerID)
	logger.InfoCF("gateway", "Force flush requested",
		map[string]interface{}{"customer_id": customerID, "flushed": flushed})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"customer_id": customerID,
		"flushed":     flushed,
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, err := g.sessions.ActiveCount(r.Context())

	status := "ok"
	code := http.StatusOK
	if err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          status,
		"active_sessions": active,
		"breakers":        g.breakers.Snapshots(),
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pipeline":      g.stats.Snapshot(),
		"breaker_trips": g.breakers.TotalTrips(),
		"breakers":      g.breakers.Snapshots(),
	})
}
