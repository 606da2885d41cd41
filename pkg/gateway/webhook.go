package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/taxdesk/taxdesk/pkg/bus"
)

// webhookEnvelope mirrors the Cloud API webhook payload shape. EventID is
// the per-delivery identifier; providers that omit it get one derived from
// the message id and timestamp instead.
type webhookEnvelope struct {
	Object  string         `json:"object"`
	EventID string         `json:"event_id,omitempty"`
	Entry   []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []webhookContact `json:"contacts"`
	Messages         []webhookMessage `json:"messages"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
}

// verifySignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the raw body. Constant-time compare; any malformed header
// fails closed.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// parseEnvelope flattens the nested webhook payload into inbound messages.
// Non-text message types are skipped.
func parseEnvelope(body []byte) ([]bus.InboundMessage, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	var msgs []bus.InboundMessage
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range change.Value.Messages {
				if m.Type != "" && m.Type != "text" {
					continue
				}

				ts := time.Now()
				if m.Timestamp != "" {
					if unix, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
						ts = time.Unix(unix, 0)
					}
				}

				eventID := env.EventID
				if eventID == "" {
					eventID = m.ID + ":" + m.Timestamp
				}

				metadata := map[string]string{}
				if name := names[m.From]; name != "" {
					metadata["customer_name"] = name
				}

				msgs = append(msgs, bus.InboundMessage{
					EventID:          eventID,
					CustomerID:       m.From,
					ChannelMessageID: m.ID,
					Channel:          "whatsapp",
					Content:          m.Text.Body,
					Timestamp:        ts,
					Metadata:         metadata,
				})
			}
		}
	}
	return msgs, nil
}
