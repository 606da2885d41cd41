package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Channel    ChannelConfig    `json:"channel"`
	Agent      AgentConfig      `json:"agent"`
	Providers  ProvidersConfig  `json:"providers"`
	Batcher    BatcherConfig    `json:"batcher"`
	Store      StoreConfig      `json:"store"`
	Resilience ResilienceConfig `json:"resilience"`
	Tools      ToolsConfig      `json:"tools"`
	Alerts     AlertsConfig     `json:"alerts"`
	Janitor    JanitorConfig    `json:"janitor"`
	Logging    LoggingConfig    `json:"logging"`
}

type ServerConfig struct {
	Host string `json:"host" env:"TAXDESK_SERVER_HOST"`
	Port int    `json:"port" env:"TAXDESK_SERVER_PORT"`
}

// ChannelConfig configures the customer-facing chat channel. The webhook
// fields cover the provider handshake and signature; exactly one of the
// Cloud API or bridge delivery modes is used for outbound sends.
type ChannelConfig struct {
	WebhookPath     string `json:"webhook_path" env:"TAXDESK_CHANNEL_WEBHOOK_PATH"`
	VerifyToken     string `json:"verify_token" env:"TAXDESK_CHANNEL_VERIFY_TOKEN"`
	AppSecret       string `json:"app_secret" env:"TAXDESK_CHANNEL_APP_SECRET"`
	AccessToken     string `json:"access_token" env:"TAXDESK_CHANNEL_ACCESS_TOKEN"`
	PhoneNumberID   string `json:"phone_number_id" env:"TAXDESK_CHANNEL_PHONE_NUMBER_ID"`
	APIBase         string `json:"api_base" env:"TAXDESK_CHANNEL_API_BASE"`
	BridgeURL       string `json:"bridge_url" env:"TAXDESK_CHANNEL_BRIDGE_URL"`
	DedupTTLSeconds int    `json:"dedup_ttl_seconds" env:"TAXDESK_CHANNEL_DEDUP_TTL_SECONDS"`

	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" env:"TAXDESK_CHANNEL_TELEGRAM_ENABLED"`
	Token   string `json:"token" env:"TAXDESK_CHANNEL_TELEGRAM_TOKEN"`
}

type AgentConfig struct {
	Provider           string  `json:"provider" env:"TAXDESK_AGENT_PROVIDER"`
	Model              string  `json:"model" env:"TAXDESK_AGENT_MODEL"`
	MaxTokens          int     `json:"max_tokens" env:"TAXDESK_AGENT_MAX_TOKENS"`
	Temperature        float64 `json:"temperature" env:"TAXDESK_AGENT_TEMPERATURE"`
	MaxIterations      int     `json:"max_iterations" env:"TAXDESK_AGENT_MAX_ITERATIONS"`
	TurnTimeoutSeconds int     `json:"turn_timeout_seconds" env:"TAXDESK_AGENT_TURN_TIMEOUT_SECONDS"`
	MaxContextTurns    int     `json:"max_context_turns" env:"TAXDESK_AGENT_MAX_CONTEXT_TURNS"`
	SystemPrompt       string  `json:"system_prompt" env:"TAXDESK_AGENT_SYSTEM_PROMPT"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic" envPrefix:"TAXDESK_PROVIDERS_ANTHROPIC_"`
	OpenAI    ProviderConfig `json:"openai" envPrefix:"TAXDESK_PROVIDERS_OPENAI_"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"API_KEY"`
	APIBase string `json:"api_base" env:"API_BASE"`
}

type BatcherConfig struct {
	DebounceMs  int `json:"debounce_ms" env:"TAXDESK_BATCHER_DEBOUNCE_MS"`
	MaxWindowMs int `json:"max_window_ms" env:"TAXDESK_BATCHER_MAX_WINDOW_MS"`
}

type StoreConfig struct {
	Driver            string `json:"driver" env:"TAXDESK_STORE_DRIVER"` // "sqlite" or "memory"
	Path              string `json:"path" env:"TAXDESK_STORE_PATH"`
	SessionTTLSeconds int    `json:"session_ttl_seconds" env:"TAXDESK_STORE_SESSION_TTL_SECONDS"`
}

type ResilienceConfig struct {
	FailureThreshold int `json:"failure_threshold" env:"TAXDESK_RESILIENCE_FAILURE_THRESHOLD"`
	CooldownSeconds  int `json:"cooldown_seconds" env:"TAXDESK_RESILIENCE_COOLDOWN_SECONDS"`
	MaxRetries       int `json:"max_retries" env:"TAXDESK_RESILIENCE_MAX_RETRIES"`
	BackoffBaseMs    int `json:"backoff_base_ms" env:"TAXDESK_RESILIENCE_BACKOFF_BASE_MS"`
}

type ToolsConfig struct {
	BackofficeURL    string `json:"backoffice_url" env:"TAXDESK_TOOLS_BACKOFFICE_URL"`
	BackofficeAPIKey string `json:"backoffice_api_key" env:"TAXDESK_TOOLS_BACKOFFICE_API_KEY"`
	TimeoutSeconds   int    `json:"timeout_seconds" env:"TAXDESK_TOOLS_TIMEOUT_SECONDS"`
}

type AlertsConfig struct {
	SlackToken   string `json:"slack_token" env:"TAXDESK_ALERTS_SLACK_TOKEN"`
	SlackChannel string `json:"slack_channel" env:"TAXDESK_ALERTS_SLACK_CHANNEL"`
}

type JanitorConfig struct {
	Schedule string `json:"schedule" env:"TAXDESK_JANITOR_SCHEDULE"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"TAXDESK_LOGGING_LEVEL"`
	File  string `json:"file" env:"TAXDESK_LOGGING_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8088,
		},
		Channel: ChannelConfig{
			WebhookPath:     "/webhook",
			APIBase:         "https://graph.facebook.com/v19.0",
			DedupTTLSeconds: 600,
		},
		Agent: AgentConfig{
			Provider:           "anthropic",
			Model:              "claude-sonnet-4.6",
			MaxTokens:          4096,
			Temperature:        0.3,
			MaxIterations:      5,
			TurnTimeoutSeconds: 120,
			MaxContextTurns:    20,
		},
		Batcher: BatcherConfig{
			DebounceMs:  3000,
			MaxWindowMs: 15000,
		},
		Store: StoreConfig{
			Driver:            "sqlite",
			Path:              "taxdesk.db",
			SessionTTLSeconds: 86400,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			CooldownSeconds:  30,
			MaxRetries:       3,
			BackoffBaseMs:    500,
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 15,
		},
		Janitor: JanitorConfig{
			Schedule: "*/10 * * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file (if present), applies env overrides, and
// validates the result. A missing file is not an error: defaults plus env
// are enough for containerized deployments.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Batcher.DebounceMs <= 0 {
		return fmt.Errorf("batcher.debounce_ms must be positive, got %d", c.Batcher.DebounceMs)
	}
	if c.Batcher.MaxWindowMs < c.Batcher.DebounceMs {
		return fmt.Errorf("batcher.max_window_ms (%d) must be >= debounce_ms (%d)",
			c.Batcher.MaxWindowMs, c.Batcher.DebounceMs)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Resilience.FailureThreshold <= 0 {
		return fmt.Errorf("resilience.failure_threshold must be positive, got %d", c.Resilience.FailureThreshold)
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite or memory, got %q", c.Store.Driver)
	}
	return nil
}

// ConfigPath returns the default config file location, honoring TAXDESK_CONFIG.
func ConfigPath() string {
	if p := os.Getenv("TAXDESK_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".taxdesk", "config.json")
}
