package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider names accepted by NewProvider
const (
	ProviderOpenAI     = "openai"
	ProviderDeepSeek   = "deepseek"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
)

// Provider is an interface for LLM API providers
type Provider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request Request) (*Response, error)

	// Provider returns the provider name
	Provider() string
}

// ProviderConfig is the resolved configuration of one provider.
// Switching providers swaps base URL, key and model together.
type ProviderConfig struct {
	Provider    string            `json:"provider" mapstructure:"provider"`
	APIKey      string            `json:"api_key" mapstructure:"api_key"`
	BaseURL     string            `json:"base_url,omitempty" mapstructure:"base_url"`
	Model       string            `json:"model" mapstructure:"model"`
	Temperature float64           `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens   int               `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Headers     map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Timeout     time.Duration     `json:"timeout,omitempty" mapstructure:"timeout"`

	// HTTPClient overrides the transport, mostly for tests
	HTTPClient *http.Client `json:"-" mapstructure:"-"`
}

// Request contains the request parameters for an LLM call
type Request struct {
	Messages     []Message
	Tools        []Tool
	SystemPrompt string
	Wallet       *WalletContext
}

// Response contains the normalized response from an LLM
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// Factory creates LLM providers
type Factory struct{}

// NewProvider creates a new LLM provider based on the provider config
func (f *Factory) NewProvider(cfg ProviderConfig) (Provider, error) {
	return NewProvider(cfg)
}

// NewProvider selects the adapter for cfg.Provider
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, ProviderDeepSeek, ProviderOpenRouter:
		return NewOpenAIProvider(cfg)
	case ProviderOllama:
		return NewOllamaProvider(cfg)
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg)
	case ProviderGemini:
		return NewGeminiProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// IsSupported reports whether name is a known provider
func IsSupported(name string) bool {
	switch strings.ToLower(name) {
	case ProviderOpenAI, ProviderDeepSeek, ProviderOpenRouter, ProviderOllama, ProviderAnthropic, ProviderGemini:
		return true
	}
	return false
}

// RequiresAPIKey reports whether the provider needs a credential
func RequiresAPIKey(name string) bool {
	return strings.ToLower(name) != ProviderOllama
}

func requireAPIKey(cfg ProviderConfig) error {
	if RequiresAPIKey(cfg.Provider) && strings.TrimSpace(cfg.APIKey) == "" {
		return &ConfigurationError{Provider: cfg.Provider, Field: "api_key"}
	}
	return nil
}

func httpClientFor(cfg ProviderConfig) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
