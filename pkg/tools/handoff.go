package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// HumanHandoffTool opens a ticket for a human agent when the conversation
// needs judgment the assistant cannot provide.
type HumanHandoffTool struct {
	client *BackofficeClient
}

func NewHumanHandoffTool(client *BackofficeClient) *HumanHandoffTool {
	return &HumanHandoffTool{client: client}
}

func (t *HumanHandoffTool) Name() string {
	return "human_handoff"
}

func (t *HumanHandoffTool) Description() string {
	return "Escalate the conversation to a human case manager. Use when the customer asks for a person, is upset, or the request is outside supported topics."
}

func (t *HumanHandoffTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Short reason for the escalation.",
			},
		},
		"required": []string{"reason"},
	}
}

func (t *HumanHandoffTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	reason, ok := args["reason"].(string)
	if !ok || reason == "" {
		return ErrorResult("reason is required")
	}
	inv, ok := InvocationFrom(ctx)
	if !ok {
		return ErrorResult("no customer in scope for handoff")
	}

	var out struct {
		TicketID string `json:"ticket_id"`
		ETA      string `json:"eta"`
	}
	err := t.client.PostJSON(ctx, "/handoffs", map[string]interface{}{
		"customer_id": inv.CustomerID,
		"reason":      reason,
	}, &out)
	if err != nil {
		return ErrorResult(fmt.Sprintf("handoff ticket creation failed: %v", err)).WithError(err)
	}

	payload, _ := json.Marshal(out)
	return SuccessResult(string(payload))
}
