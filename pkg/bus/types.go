package bus

import "time"

// InboundMessage is one chat-provider delivery after signature verification.
// EventID is the globally unique delivery identifier; ChannelMessageID
// identifies the logical message, which the provider may redeliver under a
// fresh EventID.
type InboundMessage struct {
	EventID          string            `json:"event_id"`
	CustomerID       string            `json:"customer_id"`
	ChannelMessageID string            `json:"channel_message_id"`
	Channel          string            `json:"channel"`
	Content          string            `json:"content"`
	Timestamp        time.Time         `json:"timestamp"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type DeliveryState string

const (
	DeliveryPending DeliveryState = "PENDING"
	DeliverySent    DeliveryState = "SENT"
	DeliveryFailed  DeliveryState = "FAILED"
)

// OutboundMessage is one finalized reply headed for the channel.
// IdempotencyKey is derived from (customer_id, turn_id) so a retried send
// never duplicates content at the provider.
type OutboundMessage struct {
	CustomerID     string            `json:"customer_id"`
	Channel        string            `json:"channel"`
	Body           string            `json:"body"`
	IdempotencyKey string            `json:"idempotency_key"`
	DeliveryState  DeliveryState     `json:"delivery_state,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
