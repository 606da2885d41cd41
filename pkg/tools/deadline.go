package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// DeadlineLookupTool answers "when is my deadline" style questions from the
// back-office case record.
type DeadlineLookupTool struct {
	client *BackofficeClient
}

func NewDeadlineLookupTool(client *BackofficeClient) *DeadlineLookupTool {
	return &DeadlineLookupTool{client: client}
}

func (t *DeadlineLookupTool) Name() string {
	return "deadline_lookup"
}

func (t *DeadlineLookupTool) Description() string {
	return "Look up the customer's next filing or payment deadline. Use when the customer asks about due dates or time limits."
}

func (t *DeadlineLookupTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"deadline_type": map[string]interface{}{
				"type":        "string",
				"description": "Optional: filing, payment, or appeal. Defaults to the nearest deadline.",
			},
		},
	}
}

func (t *DeadlineLookupTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	inv, ok := InvocationFrom(ctx)
	if !ok {
		return ErrorResult("no customer in scope for deadline lookup")
	}

	query := url.Values{}
	if dt, ok := args["deadline_type"].(string); ok && dt != "" {
		query.Set("type", dt)
	}

	var out struct {
		Deadline    string `json:"deadline"`
		Type        string `json:"type"`
		Description string `json:"description"`
	}
	err := t.client.GetJSON(ctx, "/cases/"+url.PathEscape(inv.CustomerID)+"/deadline", query, &out)
	if err != nil {
		return ErrorResult(fmt.Sprintf("deadline lookup failed: %v", err)).WithError(err)
	}

	payload, _ := json.Marshal(out)
	return SuccessResult(string(payload))
}
