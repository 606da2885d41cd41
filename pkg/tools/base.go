package tools

import "context"

// Tool is the interface that all tools must implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// Invocation identifies the customer and turn a single tool call serves.
// It travels on the context so registered tools carry no per-call state and
// concurrent turns cannot see each other's identity.
type Invocation struct {
	CustomerID string
	TurnID     string
}

type invocationKey struct{}

func WithInvocation(ctx context.Context, customerID, turnID string) context.Context {
	return context.WithValue(ctx, invocationKey{}, Invocation{CustomerID: customerID, TurnID: turnID})
}

func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok && inv.CustomerID != ""
}

// ToolResult separates what the decision step sees (ForLLM) from what may be
// relayed to the customer (ForUser). Err carries an infrastructure failure
// (timeout, 5xx) that counts against the tool's breaker; IsError without Err
// is a data error (bad arguments, unknown tool) and does not.
type ToolResult struct {
	ForLLM  string
	ForUser string
	IsError bool
	Err     error
}

func SuccessResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

func ErrorResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, IsError: true}
}

func (r *ToolResult) WithError(err error) *ToolResult {
	r.Err = err
	r.IsError = true
	return r
}

func ToolToSchema(tool Tool) map[string]interface{} {
	return map[string]interface{}{
		"type": "function",
		"function": map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"parameters":  tool.Parameters(),
		},
	}
}
