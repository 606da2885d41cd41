package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/config"
)

// WhatsAppSender delivers replies through the Cloud API messages endpoint.
type WhatsAppSender struct {
	apiBase       string
	phoneNumberID string
	accessToken   string
	client        *http.Client
}

func NewWhatsAppSender(cfg config.ChannelConfig) *WhatsAppSender {
	return &WhatsAppSender{
		apiBase:       cfg.APIBase,
		phoneNumberID: cfg.PhoneNumberID,
		accessToken:   cfg.AccessToken,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *WhatsAppSender) Name() string { return "whatsapp" }

func (s *WhatsAppSender) Send(ctx context.Context, msg bus.OutboundMessage) error {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                msg.CustomerID,
		"type":              "text",
		"text":              map[string]string{"body": msg.Body},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.apiBase, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send rejected: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
