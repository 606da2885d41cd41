package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// PaymentLinkTool issues a hosted payment link for the customer's balance.
type PaymentLinkTool struct {
	client *BackofficeClient
}

func NewPaymentLinkTool(client *BackofficeClient) *PaymentLinkTool {
	return &PaymentLinkTool{client: client}
}

func (t *PaymentLinkTool) Name() string {
	return "payment_link"
}

func (t *PaymentLinkTool) Description() string {
	return "Generate a secure payment link for the customer. Use when the customer wants to pay an invoice or installment."
}

func (t *PaymentLinkTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"amount": map[string]interface{}{
				"type":        "number",
				"description": "Optional: payment amount in dollars. Defaults to the open balance.",
			},
		},
	}
}

func (t *PaymentLinkTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	inv, ok := InvocationFrom(ctx)
	if !ok {
		return ErrorResult("no customer in scope for payment link")
	}

	// The turn ID doubles as the back-office idempotency reference so a
	// retried tool call reuses the same link.
	body := map[string]interface{}{
		"customer_id": inv.CustomerID,
		"reference":   inv.TurnID,
	}
	if amount, ok := args["amount"].(float64); ok && amount > 0 {
		body["amount"] = amount
	}

	var out struct {
		URL       string `json:"url"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := t.client.PostJSON(ctx, "/payment-links", body, &out); err != nil {
		return ErrorResult(fmt.Sprintf("payment link creation failed: %v", err)).WithError(err)
	}

	payload, _ := json.Marshal(out)
	return SuccessResult(string(payload))
}
