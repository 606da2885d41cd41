package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taxdesk/taxdesk/pkg/logger"
	"github.com/taxdesk/taxdesk/pkg/providers"
	"github.com/taxdesk/taxdesk/pkg/resilience"
)

// ErrUnknownTool marks a router miss: the decision step named a tool that is
// not registered. It is reported back as a failed invocation, never a crash.
var ErrUnknownTool = errors.New("unknown tool")

type ToolRegistry struct {
	tools    map[string]Tool
	breakers *resilience.Registry
	mu       sync.RWMutex
}

// NewToolRegistry routes symbolic tool names to implementations. Every
// execution goes through a breaker keyed by tool name so one misbehaving
// tool cannot exhaust the whole retry budget.
func NewToolRegistry(breakers *resilience.Registry) *ToolRegistry {
	return &ToolRegistry{
		tools:    make(map[string]Tool),
		breakers: breakers,
	}
}

func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) *ToolResult {
	return r.ExecuteWithContext(ctx, name, args, "", "")
}

// ExecuteWithContext dispatches one tool invocation for the given customer
// and turn. Infrastructure failures are retried by the tool's breaker; an
// open breaker fails fast with a synthetic unavailable result.
func (r *ToolRegistry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, customerID, turnID string) *ToolResult {
	tool, ok := r.Get(name)
	if !ok {
		logger.ErrorCF("tool", "Tool not found",
			map[string]interface{}{"tool": name})
		return ErrorResult(fmt.Sprintf("tool %q not found", name)).WithError(ErrUnknownTool)
	}

	if customerID != "" {
		ctx = WithInvocation(ctx, customerID, turnID)
	}

	logger.InfoCF("tool", "Tool execution started",
		map[string]interface{}{"tool": name, "customer_id": customerID})

	start := time.Now()
	var result *ToolResult
	err := r.breakers.Get("tool:"+name).Do(ctx, func(ctx context.Context) error {
		result = tool.Execute(ctx, args)
		return result.Err
	})
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, resilience.ErrUnavailable) {
			logger.WarnCF("tool", "Tool circuit open, failing fast",
				map[string]interface{}{"tool": name})
			return ErrorResult(fmt.Sprintf("tool %q temporarily unavailable", name)).WithError(err)
		}
		if result == nil {
			result = ErrorResult(err.Error()).WithError(err)
		}
	}

	if result.IsError {
		logger.ErrorCF("tool", "Tool execution failed",
			map[string]interface{}{
				"tool":        name,
				"duration_ms": duration.Milliseconds(),
				"error":       result.ForLLM,
			})
	} else {
		logger.InfoCF("tool", "Tool execution completed",
			map[string]interface{}{
				"tool":          name,
				"duration_ms":   duration.Milliseconds(),
				"result_length": len(result.ForLLM),
			})
	}

	return result
}

// ToProviderDefs converts registered tools to the format the reply-generation
// API expects.
func (r *ToolRegistry) ToProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		definitions = append(definitions, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return definitions
}

func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
