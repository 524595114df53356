package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/tronagent/pkg/llm"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. TRONAGENT_MCP_ENDPOINT
const EnvPrefix = "TRONAGENT"

// apiKeyEnv lists the conventional key variables per provider family
var apiKeyEnv = map[string][]string{
	llm.ProviderOpenAI:     {"OPENAI_API_KEY"},
	llm.ProviderAnthropic:  {"ANTHROPIC_API_KEY"},
	llm.ProviderGemini:     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	llm.ProviderDeepSeek:   {"DEEPSEEK_API_KEY"},
	llm.ProviderOpenRouter: {"OPENROUTER_API_KEY"},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment. A missing file
// yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if v.IsSet("ai.profiles") {
		// A configured list replaces the built-in profiles instead of merging by index
		cfg.AI.Profiles = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "tronagent.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = filepath.Join(cfg.DataDir, "sessions")
	}

	applyKeyFallbacks(cfg)

	return cfg, nil
}

// setDefaults registers scalar defaults so that environment overrides are
// visible to Unmarshal even when the file omits the key.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("ai.active", cfg.AI.Active)
	v.SetDefault("mcp.endpoint", cfg.MCP.Endpoint)
	v.SetDefault("mcp.request_timeout", cfg.MCP.RequestTimeout)
	v.SetDefault("mcp.connect_timeout", cfg.MCP.ConnectTimeout)
	v.SetDefault("agent.max_iterations", cfg.Agent.MaxIterations)
	v.SetDefault("agent.system_prompt", cfg.Agent.SystemPrompt)
	v.SetDefault("wallet.address", cfg.Wallet.Address)
	v.SetDefault("wallet.network", cfg.Wallet.Network)
	v.SetDefault("tools.timeout", cfg.Tools.Timeout)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)
	v.SetDefault("telemetry.otlp_endpoint", cfg.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.protocol", cfg.Telemetry.Protocol)
	v.SetDefault("gateway.max_runs", cfg.Gateway.MaxRuns)
	v.SetDefault("moderation.enabled", cfg.Moderation.Enabled)
	v.SetDefault("moderation.secret_guard", cfg.Moderation.SecretGuard)
	v.SetDefault("data_dir", cfg.DataDir)
}

// applyKeyFallbacks fills empty profile keys from the conventional
// per-vendor environment variables
func applyKeyFallbacks(cfg *Config) {
	for i := range cfg.AI.Profiles {
		profile := &cfg.AI.Profiles[i]
		if profile.APIKey != "" {
			continue
		}
		for _, name := range apiKeyEnv[profile.ProviderName()] {
			if key := os.Getenv(name); key != "" {
				profile.APIKey = key
				break
			}
		}
	}
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("ai", cfg.AI)
	v.Set("mcp", cfg.MCP)
	v.Set("agent", cfg.Agent)
	v.Set("wallet", cfg.Wallet)
	v.Set("tools", cfg.Tools)
	v.Set("sessions", cfg.Sessions)
	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("telemetry", cfg.Telemetry)
	v.Set("moderation", cfg.Moderation)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	// Keys live in this file
	return os.Chmod(configPath, 0600)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tronagent", "tronagent.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
