package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var openAICompatibleDefaults = map[string]struct {
	baseURL string
	model   string
}{
	ProviderOpenAI:     {baseURL: "https://api.openai.com/v1", model: "gpt-4o-mini"},
	ProviderDeepSeek:   {baseURL: "https://api.deepseek.com/v1", model: "deepseek-chat"},
	ProviderOpenRouter: {baseURL: "https://openrouter.ai/api/v1", model: "openai/gpt-4o-mini"},
}

// OpenAIProvider implements Provider for the chat-completions family
// (OpenAI, DeepSeek, OpenRouter and other compatible endpoints)
type OpenAIProvider struct {
	client openai.Client
	name   string
	cfg    ProviderConfig
}

// NewOpenAIProvider creates a new OpenAI-compatible provider
func NewOpenAIProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	if err := requireAPIKey(cfg); err != nil {
		return nil, err
	}

	name := strings.ToLower(cfg.Provider)
	if name == "" {
		name = ProviderOpenAI
	}
	defaults, ok := openAICompatibleDefaults[name]
	if !ok {
		defaults = openAICompatibleDefaults[ProviderOpenAI]
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.model
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(httpClientFor(cfg)),
		option.WithMaxRetries(0),
		option.WithMiddleware(statusMiddleware(name)),
	}
	if name == ProviderOpenRouter {
		opts = append(opts,
			option.WithHeader("HTTP-Referer", "https://github.com/harun/tronagent"),
			option.WithHeader("X-Title", "tronagent"),
		)
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		name:   name,
		cfg:    cfg,
	}, nil
}

// Provider returns the provider name
func (p *OpenAIProvider) Provider() string {
	return p.name
}

// Call makes a chat-completions call
func (p *OpenAIProvider) Call(ctx context.Context, request Request) (*Response, error) {
	params, err := p.buildParams(request)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	return p.parseResponse(response)
}

func (p *OpenAIProvider) buildParams(request Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(BuildSystemPrompt(request.SystemPrompt, request.Wallet)),
	}

	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(argsOrEmpty(tc.Arguments))
				if err != nil {
					return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.cfg.Model),
		Messages: messages,
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.cfg.MaxTokens))
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = openai.Float(p.cfg.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(request.Tools))
		for _, tool := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(schemaOrEmpty(tool.InputSchema)),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func (p *OpenAIProvider) parseResponse(response *openai.ChatCompletion) (*Response, error) {
	if response == nil || len(response.Choices) == 0 {
		return nil, &ResponseFormatError{Provider: p.name, Reason: "no choices returned"}
	}

	choice := response.Choices[0]
	toolCalls := []ToolCall{}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name == "" {
			return nil, &ResponseFormatError{Provider: p.name, Reason: "tool call without function name"}
		}
		args := map[string]interface{}{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, &ResponseFormatError{Provider: p.name, Reason: fmt.Sprintf("tool %s arguments: %v", tc.Function.Name, err)}
			}
		}
		id := tc.ID
		if id == "" {
			id = NewCallID()
		}
		toolCalls = append(toolCalls, ToolCall{ID: id, Name: tc.Function.Name, Arguments: args})
	}

	return &Response{
		Content:   choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

func (p *OpenAIProvider) wrapError(err error) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		body := apiErr.RawJSON()
		if body == "" {
			body = apiErr.Message
		}
		return &HTTPError{Provider: p.name, StatusCode: apiErr.StatusCode, Body: body}
	}
	return fmt.Errorf("%s request failed: %w", p.name, err)
}
