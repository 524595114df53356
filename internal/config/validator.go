package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/harun/tronagent/pkg/llm"
)

var tronAddressPattern = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if !llm.RequiresAPIKey(provider) {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case llm.ProviderAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case llm.ProviderOpenRouter:
		if !strings.HasPrefix(key, "sk-or-") {
			return fmt.Errorf("invalid OpenRouter API key format (should start with sk-or-)")
		}
	case llm.ProviderOpenAI, llm.ProviderDeepSeek:
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid %s API key format (should start with sk-)", provider)
		}
	}

	return nil
}

// ValidateEndpoint validates the MCP SSE endpoint URL
func (v *Validator) ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("mcp endpoint cannot be empty")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid mcp endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid mcp endpoint scheme: %s (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid mcp endpoint: missing host")
	}

	return nil
}

// ValidateWalletAddress validates a base58 TRON address
func (v *Validator) ValidateWalletAddress(address string) error {
	if address == "" {
		return nil // Wallet is optional
	}
	if !tronAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid TRON address: %s", address)
	}
	return nil
}

// ValidateNetwork validates a TRON network name
func (v *Validator) ValidateNetwork(network string) error {
	if network == "" {
		return nil
	}

	validNetworks := []string{"mainnet", "shasta", "nile"}
	for _, valid := range validNetworks {
		if network == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid network: %s (must be one of: %s)", network, strings.Join(validNetworks, ", "))
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation and returns every problem
// found. Unlike Config.Validate it also checks inactive profiles.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.AI.Profiles {
		provider := profile.ProviderName()
		if !llm.IsSupported(provider) {
			errors = append(errors, fmt.Errorf("AI profile %d (%s): unsupported provider %s", i, profile.ID, provider))
			continue
		}
		// Only keys that were actually set are checked; absent keys matter for the active profile alone
		if profile.APIKey != "" {
			if err := v.ValidateAPIKey(profile.APIKey, provider); err != nil {
				errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
		if profile.Temperature != 0 {
			if err := v.ValidateTemperature(profile.Temperature); err != nil {
				errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
		if profile.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(profile.MaxTokens); err != nil {
				errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	if err := v.ValidateEndpoint(cfg.MCP.Endpoint); err != nil {
		errors = append(errors, err)
	}
	if cfg.MCP.RequestTimeout < 0 {
		errors = append(errors, fmt.Errorf("mcp.request_timeout must be >= 0"))
	}
	if cfg.MCP.ConnectTimeout < 0 {
		errors = append(errors, fmt.Errorf("mcp.connect_timeout must be >= 0"))
	}

	if err := v.ValidateWalletAddress(cfg.Wallet.Address); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateNetwork(cfg.Wallet.Network); err != nil {
		errors = append(errors, err)
	}

	if cfg.Tools.MaxOutputBytes < 0 {
		errors = append(errors, fmt.Errorf("tools.max_output_bytes must be >= 0"))
	}
	if cfg.Sessions.MaxMessages < 0 {
		errors = append(errors, fmt.Errorf("sessions.max_messages must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
