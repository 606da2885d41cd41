package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/logger"
)

// BridgeSender delivers replies over a persistent websocket to a self-hosted
// channel bridge, for deployments that do not use the Cloud API directly.
// The connection is dialed lazily and redialed after a write failure.
type BridgeSender struct {
	url  string
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewBridgeSender(url string) *BridgeSender {
	return &BridgeSender{url: url}
}

func (s *BridgeSender) Name() string { return "bridge" }

func (s *BridgeSender) Send(ctx context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		if err := s.dialLocked(ctx); err != nil {
			return err
		}
	}

	payload := map[string]interface{}{
		"type":            "message",
		"to":              msg.CustomerID,
		"content":         msg.Body,
		"idempotency_key": msg.IdempotencyKey,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// Drop the connection so the next attempt redials.
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("bridge write failed: %w", err)
	}
	return nil
}

func (s *BridgeSender) dialLocked(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to bridge: %w", err)
	}
	s.conn = conn
	logger.InfoCF("dispatch", "Bridge connected", map[string]interface{}{"url": s.url})
	return nil
}

func (s *BridgeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
