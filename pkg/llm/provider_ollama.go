package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "llama3.1"
	ollamaChatPath       = "api/chat"
)

// OllamaProvider implements Provider for the native Ollama chat API.
// The request mirrors the function-calling family, but the endpoint is /api/chat,
// arguments are objects and the response carries a single message instead of choices.
// Calls go through the generic POST of the openai-go client, which shares transport,
// headers and status handling with the other adapters.
type OllamaProvider struct {
	cfg    ProviderConfig
	client openai.Client
}

type ollamaRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Tools    []ollamaTool           `json:"tools,omitempty"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCall `json:"function"`
}

type ollamaFunctionCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaFunctionDecl `json:"function"`
}

type ollamaFunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type ollamaResponse struct {
	Model           string         `json:"model"`
	Message         *ollamaMessage `json:"message"`
	Done            bool           `json:"done"`
	PromptEvalCount int            `json:"prompt_eval_count"`
	EvalCount       int            `json:"eval_count"`
	Error           string         `json:"error,omitempty"`
}

// NewOllamaProvider creates a new Ollama provider. No API key is required.
func NewOllamaProvider(cfg ProviderConfig) (*OllamaProvider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}

	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/") + "/"),
		option.WithHTTPClient(httpClientFor(cfg)),
		option.WithMaxRetries(0),
		option.WithMiddleware(statusMiddleware(ProviderOllama)),
		// Drop the auth and org headers the SDK picks up from OPENAI_* variables
		option.WithHeaderDel("Authorization"),
		option.WithHeaderDel("OpenAI-Organization"),
		option.WithHeaderDel("OpenAI-Project"),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithHeader("Authorization", "Bearer "+cfg.APIKey))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &OllamaProvider{cfg: cfg, client: openai.NewClient(opts...)}, nil
}

// Provider returns the provider name
func (p *OllamaProvider) Provider() string {
	return ProviderOllama
}

// Call makes a non-streaming /api/chat call
func (p *OllamaProvider) Call(ctx context.Context, request Request) (*Response, error) {
	body, err := json.Marshal(p.buildRequest(request))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	var res *http.Response
	if err := p.client.Post(ctx, ollamaChatPath, json.RawMessage(body), &res); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return nil, httpErr
		}
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer res.Body.Close()

	var decoded ollamaResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, &ResponseFormatError{Provider: ProviderOllama, Reason: fmt.Sprintf("decode: %v", err)}
	}
	return p.parseResponse(&decoded)
}

func (p *OllamaProvider) buildRequest(request Request) ollamaRequest {
	messages := []ollamaMessage{
		{Role: string(RoleSystem), Content: BuildSystemPrompt(request.SystemPrompt, request.Wallet)},
	}

	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, ollamaMessage{Role: string(RoleUser), Content: msg.Content})
		case RoleAssistant:
			out := ollamaMessage{Role: string(RoleAssistant), Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, ollamaToolCall{
					Function: ollamaFunctionCall{Name: tc.Name, Arguments: argsOrEmpty(tc.Arguments)},
				})
			}
			messages = append(messages, out)
		case RoleTool:
			messages = append(messages, ollamaMessage{Role: string(RoleTool), Content: msg.Content, ToolName: msg.ToolName})
		}
	}

	req := ollamaRequest{
		Model:    p.cfg.Model,
		Messages: messages,
		Stream:   false,
	}

	options := map[string]interface{}{}
	if p.cfg.Temperature > 0 {
		options["temperature"] = p.cfg.Temperature
	}
	if p.cfg.MaxTokens > 0 {
		options["num_predict"] = p.cfg.MaxTokens
	}
	if len(options) > 0 {
		req.Options = options
	}

	for _, tool := range request.Tools {
		req.Tools = append(req.Tools, ollamaTool{
			Type: "function",
			Function: ollamaFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaOrEmpty(tool.InputSchema),
			},
		})
	}

	return req
}

func (p *OllamaProvider) parseResponse(res *ollamaResponse) (*Response, error) {
	if res.Error != "" {
		return nil, &ResponseFormatError{Provider: ProviderOllama, Reason: res.Error}
	}
	if res.Message == nil {
		return nil, &ResponseFormatError{Provider: ProviderOllama, Reason: "missing message"}
	}

	// Ollama does not issue call ids; one random prefix per response keeps
	// ids unique across responses while the index preserves call order.
	prefix, err := gonanoid.New(10)
	if err != nil {
		prefix = strings.TrimPrefix(NewCallID(), "call_")
	}

	toolCalls := []ToolCall{}
	for i, tc := range res.Message.ToolCalls {
		if tc.Function.Name == "" {
			return nil, &ResponseFormatError{Provider: ProviderOllama, Reason: "tool call without function name"}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%s_%d", prefix, i),
			Name:      tc.Function.Name,
			Arguments: argsOrEmpty(tc.Function.Arguments),
		})
	}

	return &Response{
		Content:   res.Message.Content,
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			InputTokens:  res.PromptEvalCount,
			OutputTokens: res.EvalCount,
		},
	}, nil
}
