package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/tronagent/pkg/llm"
	"github.com/harun/tronagent/pkg/moderation"
)

// Config represents the main tronagent configuration
type Config struct {
	// AI provider profiles and the active selection
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// MCP tool server
	MCP MCPConfig `json:"mcp" mapstructure:"mcp"`

	// Agent loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Connected wallet folded into the system prompt
	Wallet WalletConfig `json:"wallet" mapstructure:"wallet"`

	// Tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Session transcripts
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Trace export
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`

	// Prompt screening before provider calls
	Moderation moderation.Config `json:"moderation" mapstructure:"moderation"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Active   string      `json:"active" mapstructure:"active"`
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID          string            `json:"id" mapstructure:"id"`
	Provider    string            `json:"provider" mapstructure:"provider"` // openai, deepseek, openrouter, ollama, anthropic, gemini
	APIKey      string            `json:"api_key" mapstructure:"api_key"`
	BaseURL     string            `json:"base_url,omitempty" mapstructure:"base_url"`
	Model       string            `json:"model" mapstructure:"model"`
	Temperature float64           `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens   int               `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Headers     map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Timeout     int               `json:"timeout,omitempty" mapstructure:"timeout"` // seconds
}

// MCPConfig holds the tool server connection settings
type MCPConfig struct {
	Endpoint       string            `json:"endpoint" mapstructure:"endpoint"`
	Headers        map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	RequestTimeout int               `json:"request_timeout" mapstructure:"request_timeout"` // seconds
	ConnectTimeout int               `json:"connect_timeout" mapstructure:"connect_timeout"` // seconds
}

// AgentConfig holds agent loop settings
type AgentConfig struct {
	MaxIterations int    `json:"max_iterations" mapstructure:"max_iterations"`
	SystemPrompt  string `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
}

// WalletConfig describes the wallet the assistant answers about
type WalletConfig struct {
	Address string `json:"address,omitempty" mapstructure:"address"`
	Network string `json:"network,omitempty" mapstructure:"network"` // mainnet, shasta, nile
}

// ToolsConfig holds tool configuration
type ToolsConfig struct {
	Allow          []string `json:"allow" mapstructure:"allow"`
	Deny           []string `json:"deny" mapstructure:"deny"`
	Timeout        int      `json:"timeout" mapstructure:"timeout"` // seconds
	MaxOutputBytes int      `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// SessionsConfig holds transcript storage settings
type SessionsConfig struct {
	Dir             string `json:"dir" mapstructure:"dir"`
	CleanupDays     int    `json:"cleanup_days" mapstructure:"cleanup_days"`
	MaxMessages     int    `json:"max_messages" mapstructure:"max_messages"`
	CleanupSchedule string `json:"cleanup_schedule,omitempty" mapstructure:"cleanup_schedule"` // cron spec, e.g. "@daily" or "0 3 * * *"
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int      `json:"port" mapstructure:"port"`
	Host              string   `json:"host" mapstructure:"host"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty" mapstructure:"allowed_origins"`
	SharedSecret      string   `json:"shared_secret,omitempty" mapstructure:"shared_secret"` // empty disables auth
	RunsPerMinute     int      `json:"runs_per_minute,omitempty" mapstructure:"runs_per_minute"`
	MaxConcurrentRuns int      `json:"max_concurrent_runs,omitempty" mapstructure:"max_concurrent_runs"` // per client
	MaxRuns           int      `json:"max_runs,omitempty" mapstructure:"max_runs"`                       // whole server
}

// TelemetryConfig holds OpenTelemetry export settings
type TelemetryConfig struct {
	OTLPEndpoint string            `json:"otlp_endpoint,omitempty" mapstructure:"otlp_endpoint"` // e.g. http://localhost:4318/v1/traces
	Protocol     string            `json:"protocol,omitempty" mapstructure:"protocol"`           // http (default) or grpc
	Headers      map[string]string `json:"headers,omitempty" mapstructure:"headers"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Active: llm.ProviderOpenAI,
			Profiles: []AIProfile{
				{ID: llm.ProviderOpenAI, Provider: llm.ProviderOpenAI, Model: "gpt-4o-mini"},
				{ID: llm.ProviderAnthropic, Provider: llm.ProviderAnthropic, Model: "claude-3-5-sonnet-latest"},
				{ID: llm.ProviderGemini, Provider: llm.ProviderGemini, Model: "gemini-2.0-flash"},
				{ID: llm.ProviderDeepSeek, Provider: llm.ProviderDeepSeek, Model: "deepseek-chat"},
				{ID: llm.ProviderOpenRouter, Provider: llm.ProviderOpenRouter, Model: "openai/gpt-4o-mini"},
				{ID: llm.ProviderOllama, Provider: llm.ProviderOllama, Model: "llama3.1"},
			},
		},
		MCP: MCPConfig{
			Endpoint:       "http://localhost:3001/sse",
			RequestTimeout: 60,
			ConnectTimeout: 30,
		},
		Agent: AgentConfig{
			MaxIterations: 10,
		},
		Wallet: WalletConfig{
			Network: "mainnet",
		},
		Tools: ToolsConfig{
			Allow:          []string{"*"},
			Deny:           []string{},
			Timeout:        30,
			MaxOutputBytes: 32 * 1024,
		},
		Sessions: SessionsConfig{
			CleanupDays:     30,
			MaxMessages:     500,
			CleanupSchedule: "@daily",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Moderation: moderation.Config{
			Enabled:     true,
			SecretGuard: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Profile returns the profile with the given id
func (c *Config) Profile(id string) (AIProfile, bool) {
	for _, p := range c.AI.Profiles {
		if strings.EqualFold(p.ID, id) {
			return p, true
		}
	}
	return AIProfile{}, false
}

// ProviderName returns the adapter family, defaulting to the profile id
func (p AIProfile) ProviderName() string {
	if p.Provider != "" {
		return strings.ToLower(p.Provider)
	}
	return strings.ToLower(p.ID)
}

// ProviderConfig converts the profile into an adapter config
func (p AIProfile) ProviderConfig() llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider:    p.ProviderName(),
		APIKey:      p.APIKey,
		BaseURL:     p.BaseURL,
		Model:       p.Model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Headers:     p.Headers,
		Timeout:     seconds(p.Timeout),
	}
}

// WalletContext returns the configured wallet, or nil when no address is set
func (c *Config) WalletContext() *llm.WalletContext {
	if c.Wallet.Address == "" {
		return nil
	}
	return &llm.WalletContext{Address: c.Wallet.Address, Network: c.Wallet.Network}
}

// RequestTimeoutDuration returns the MCP request timeout
func (m MCPConfig) RequestTimeoutDuration() time.Duration {
	return seconds(m.RequestTimeout)
}

// ConnectTimeoutDuration returns the MCP connect timeout
func (m MCPConfig) ConnectTimeoutDuration() time.Duration {
	return seconds(m.ConnectTimeout)
}

// TimeoutDuration returns the per-call tool timeout
func (t ToolsConfig) TimeoutDuration() time.Duration {
	return seconds(t.Timeout)
}

// CleanupAge returns how long an idle transcript is kept
func (s SessionsConfig) CleanupAge() time.Duration {
	return time.Duration(s.CleanupDays) * 24 * time.Hour
}

// Addr returns host:port for the gateway listener
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI providers configured: at least one AI profile is required")
	}

	seen := make(map[string]bool, len(c.AI.Profiles))
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		id := strings.ToLower(profile.ID)
		if seen[id] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[id] = true

		if !llm.IsSupported(profile.ProviderName()) {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: openai, deepseek, openrouter, ollama, anthropic, gemini)", profile.ID, profile.ProviderName())
		}
	}

	active, ok := c.Profile(c.AI.Active)
	if !ok {
		return fmt.Errorf("active AI profile %q is not configured", c.AI.Active)
	}
	if llm.RequiresAPIKey(active.ProviderName()) && strings.TrimSpace(active.APIKey) == "" {
		return fmt.Errorf("AI profile %s: api_key is required", active.ID)
	}

	if c.MCP.Endpoint == "" {
		return fmt.Errorf("mcp endpoint is required")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Tools.Timeout < 0 {
		return fmt.Errorf("tools.timeout must be >= 0")
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	switch strings.ToLower(c.Telemetry.Protocol) {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("telemetry.protocol must be http or grpc, got %q", c.Telemetry.Protocol)
	}

	return nil
}
