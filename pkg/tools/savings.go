package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// SavingsEstimateTool asks the back-office calculator for an estimated
// settlement range. The calculation itself is server-side; replies must
// carry the returned disclaimer verbatim.
type SavingsEstimateTool struct {
	client *BackofficeClient
}

func NewSavingsEstimateTool(client *BackofficeClient) *SavingsEstimateTool {
	return &SavingsEstimateTool{client: client}
}

func (t *SavingsEstimateTool) Name() string {
	return "savings_estimate"
}

func (t *SavingsEstimateTool) Description() string {
	return "Estimate how much the customer could save on their tax debt. Use when the customer asks what they might save or settle for."
}

func (t *SavingsEstimateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"debt_amount": map[string]interface{}{
				"type":        "number",
				"description": "The customer's stated tax debt in dollars, if they mentioned one.",
			},
		},
	}
}

func (t *SavingsEstimateTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	inv, ok := InvocationFrom(ctx)
	if !ok {
		return ErrorResult("no customer in scope for savings estimate")
	}

	body := map[string]interface{}{"customer_id": inv.CustomerID}
	if amount, ok := args["debt_amount"].(float64); ok && amount > 0 {
		body["debt_amount"] = amount
	}

	var out struct {
		EstimatedLow  float64 `json:"estimated_low"`
		EstimatedHigh float64 `json:"estimated_high"`
		Disclaimer    string  `json:"disclaimer"`
	}
	if err := t.client.PostJSON(ctx, "/estimates", body, &out); err != nil {
		return ErrorResult(fmt.Sprintf("savings estimate failed: %v", err)).WithError(err)
	}

	payload, _ := json.Marshal(out)
	return SuccessResult(string(payload))
}
