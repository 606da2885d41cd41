// TaxDesk - customer support assistant pipeline
// License: MIT
//
// Copyright (c) 2026 TaxDesk contributors

package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taxdesk/taxdesk/pkg/batcher"
	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/config"
	"github.com/taxdesk/taxdesk/pkg/logger"
	"github.com/taxdesk/taxdesk/pkg/providers"
	"github.com/taxdesk/taxdesk/pkg/resilience"
	"github.com/taxdesk/taxdesk/pkg/stats"
	"github.com/taxdesk/taxdesk/pkg/store"
	"github.com/taxdesk/taxdesk/pkg/tools"
	"github.com/taxdesk/taxdesk/pkg/utils"
)

const casRetries = 5

// Supervisor runs the decide/act loop for one frozen turn: ask the reply
// model what to do, execute any tool calls it requests, feed results back,
// and repeat until it produces a final reply or hits the iteration cap.
type Supervisor struct {
	cfg      *config.Config
	sessions store.SessionStore
	broker   bus.Publisher
	provider providers.LLMProvider
	registry *tools.ToolRegistry
	breakers *resilience.Registry
	stats    *stats.Collector

	// resume re-arms the debounce timer when messages queued up behind
	// this turn. Set by the wiring code to break the batcher cycle.
	resume func(customerID string)
}

func NewSupervisor(cfg *config.Config, sessions store.SessionStore, broker bus.Publisher, provider providers.LLMProvider, registry *tools.ToolRegistry, breakers *resilience.Registry, collector *stats.Collector) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		sessions: sessions,
		broker:   broker,
		provider: provider,
		registry: registry,
		breakers: breakers,
		stats:    collector,
	}
}

func (s *Supervisor) SetResumeFunc(fn func(customerID string)) {
	s.resume = fn
}

// ProcessTurn handles one frozen turn end to end. The session is already in
// PROCESSING when this runs; no lock is held across the external calls below,
// only the CAS token guards the final write-back.
func (s *Supervisor) ProcessTurn(ctx context.Context, turn batcher.Turn) {
	start := time.Now()

	timeout := time.Duration(s.cfg.Agent.TurnTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	userContent := combineMessages(turn.Messages)
	logger.InfoCF("agent", fmt.Sprintf("Processing turn: %s", utils.Truncate(userContent, 80)),
		map[string]interface{}{
			"customer_id": turn.CustomerID,
			"turn_id":     turn.ID,
			"messages":    len(turn.Messages),
		})

	sess, err := s.sessions.Get(ctx, turn.CustomerID)
	if err != nil {
		logger.ErrorCF("agent", "Failed to load session for turn",
			map[string]interface{}{"customer_id": turn.CustomerID, "error": err.Error()})
		return
	}
	turnCtx := loadContext(sess)

	reply, fallback := s.runDecideActLoop(ctx, turn, turnCtx, userContent)

	turnCtx.appendTurn(turn.ID, userContent, reply, s.cfg.Agent.MaxContextTurns)
	pending := s.completeTurn(turn.CustomerID, turnCtx)

	s.broker.PublishOutbound(bus.OutboundMessage{
		CustomerID:     turn.CustomerID,
		Channel:        turn.Channel,
		Body:           reply,
		IdempotencyKey: turn.CustomerID + ":" + turn.ID,
		DeliveryState:  bus.DeliveryPending,
	})

	s.stats.RecordTurn(time.Since(start), fallback)
	logger.InfoCF("agent", fmt.Sprintf("Turn completed: %s", utils.Truncate(reply, 120)),
		map[string]interface{}{
			"customer_id": turn.CustomerID,
			"turn_id":     turn.ID,
			"duration_ms": time.Since(start).Milliseconds(),
			"fallback":    fallback,
			"pending":     pending,
		})

	if pending && s.resume != nil {
		s.resume(turn.CustomerID)
	}
}

// ProcessDirect runs one synchronous turn for a single message and returns
// the reply. Used by the interactive chat command; the webhook pipeline goes
// through ProcessTurn instead.
func (s *Supervisor) ProcessDirect(ctx context.Context, customerID, content string) (string, error) {
	sess, err := s.sessions.Get(ctx, customerID)
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	turnCtx := loadContext(sess)

	turn := batcher.Turn{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Channel:    "cli",
		Messages:   []bus.InboundMessage{{CustomerID: customerID, Channel: "cli", Content: content}},
	}

	reply, _ := s.runDecideActLoop(ctx, turn, turnCtx, content)
	turnCtx.appendTurn(turn.ID, content, reply, s.cfg.Agent.MaxContextTurns)
	s.completeTurn(customerID, turnCtx)
	return reply, nil
}

// runDecideActLoop drives the model/tool iteration. Returns the reply text
// and whether it is the fallback apology.
func (s *Supervisor) runDecideActLoop(ctx context.Context, turn batcher.Turn, turnCtx *TurnContext, userContent string) (string, bool) {
	systemPrompt := s.cfg.Agent.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	messages := make([]providers.Message, 0, len(turnCtx.Messages)+2)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, turnCtx.Messages...)
	messages = append(messages, providers.Message{Role: "user", Content: userContent})

	toolDefs := s.registry.ToProviderDefs()
	model := s.cfg.Agent.Model
	if model == "" {
		model = s.provider.GetDefaultModel()
	}

	for iteration := 1; iteration <= s.cfg.Agent.MaxIterations; iteration++ {
		logger.DebugCF("agent", "Decision step",
			map[string]interface{}{
				"turn_id":   turn.ID,
				"iteration": iteration,
				"max":       s.cfg.Agent.MaxIterations,
				"messages":  len(messages),
			})

		var response *providers.LLMResponse
		callStart := time.Now()
		err := s.breakers.Get("llm").Do(ctx, func(ctx context.Context) error {
			var callErr error
			response, callErr = s.provider.Chat(ctx, messages, toolDefs, model, map[string]interface{}{
				"max_tokens":  s.cfg.Agent.MaxTokens,
				"temperature": s.cfg.Agent.Temperature,
			})
			return callErr
		})
		if err != nil {
			logger.ErrorCF("agent", "Reply model call failed",
				map[string]interface{}{
					"turn_id":     turn.ID,
					"iteration":   iteration,
					"error":       err.Error(),
					"duration_ms": time.Since(callStart).Milliseconds(),
				})
			return fallbackReply, true
		}

		if len(response.ToolCalls) == 0 {
			if response.Content == "" {
				return fallbackReply, true
			}
			return response.Content, false
		}

		toolNames := make([]string, 0, len(response.ToolCalls))
		for _, tc := range response.ToolCalls {
			toolNames = append(toolNames, tc.Name)
		}
		logger.InfoCF("agent", "Decision requested tool calls",
			map[string]interface{}{
				"turn_id":     turn.ID,
				"iteration":   iteration,
				"tools":       toolNames,
				"duration_ms": time.Since(callStart).Milliseconds(),
			})

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		for _, tc := range response.ToolCalls {
			result := s.registry.ExecuteWithContext(ctx, tc.Name, tc.Arguments, turn.CustomerID, turn.ID)
			content := result.ForLLM
			if content == "" && result.Err != nil {
				content = result.Err.Error()
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			})
		}
	}

	logger.WarnCF("agent", "Iteration cap reached without final reply",
		map[string]interface{}{
			"customer_id": turn.CustomerID,
			"turn_id":     turn.ID,
			"cap":         s.cfg.Agent.MaxIterations,
		})
	return fallbackReply, true
}

// completeTurn writes the updated context back and moves the session out of
// PROCESSING: to BATCHING when messages arrived mid-turn, otherwise IDLE.
// Returns whether a next turn is pending. Runs on a fresh read so messages
// appended during the turn are never lost.
func (s *Supervisor) completeTurn(customerID string, turnCtx *TurnContext) bool {
	for attempt := 0; attempt < casRetries; attempt++ {
		sess, err := s.sessions.Get(context.Background(), customerID)
		if err != nil {
			logger.ErrorCF("agent", "Failed to reload session after turn",
				map[string]interface{}{"customer_id": customerID, "error": err.Error()})
			return false
		}

		pending := len(sess.TurnBuffer) > 0
		if pending {
			sess.State = store.StateBatching
		} else {
			sess.State = store.StateIdle
		}
		if err := turnCtx.save(sess); err != nil {
			logger.ErrorCF("agent", "Failed to encode turn context",
				map[string]interface{}{"customer_id": customerID, "error": err.Error()})
		}

		err = s.sessions.Update(context.Background(), sess)
		if err == nil {
			return pending
		}
		if err == store.ErrConflict {
			continue
		}
		logger.ErrorCF("agent", "Failed to persist session after turn",
			map[string]interface{}{"customer_id": customerID, "error": err.Error()})
		return pending
	}

	logger.ErrorCF("agent", "Gave up closing turn after CAS conflicts",
		map[string]interface{}{"customer_id": customerID})
	return false
}

// combineMessages joins a turn's buffered messages into a single user
// utterance, oldest first.
func combineMessages(msgs []bus.InboundMessage) string {
	if len(msgs) == 1 {
		return msgs[0].Content
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}
