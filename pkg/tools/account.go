package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// AccountStatusTool reports where the customer's case stands.
type AccountStatusTool struct {
	client *BackofficeClient
}

func NewAccountStatusTool(client *BackofficeClient) *AccountStatusTool {
	return &AccountStatusTool{client: client}
}

func (t *AccountStatusTool) Name() string {
	return "account_status"
}

func (t *AccountStatusTool) Description() string {
	return "Fetch the customer's case stage, open balance, and next required action. Use for questions about case progress or what happens next."
}

func (t *AccountStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *AccountStatusTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	inv, ok := InvocationFrom(ctx)
	if !ok {
		return ErrorResult("no customer in scope for account status")
	}

	var out struct {
		Stage       string  `json:"stage"`
		OpenBalance float64 `json:"open_balance"`
		NextAction  string  `json:"next_action"`
	}
	err := t.client.GetJSON(ctx, "/accounts/"+url.PathEscape(inv.CustomerID), nil, &out)
	if err != nil {
		return ErrorResult(fmt.Sprintf("account status lookup failed: %v", err)).WithError(err)
	}

	payload, _ := json.Marshal(out)
	return SuccessResult(string(payload))
}
