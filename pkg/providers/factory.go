package providers

import (
	"fmt"

	"github.com/taxdesk/taxdesk/pkg/config"
)

// CreateProvider builds the reply-generation client named by the agent
// config. Unknown provider names fail at startup rather than mid-turn.
func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	switch cfg.Agent.Provider {
	case "anthropic":
		if cfg.Providers.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider selected but no API key configured")
		}
		return NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase), nil
	case "openai":
		if cfg.Providers.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai provider selected but no API key configured")
		}
		return NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (expected anthropic or openai)", cfg.Agent.Provider)
	}
}
