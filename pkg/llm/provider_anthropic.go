package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-3-5-sonnet-latest"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider implements Provider for the content-block family
type AnthropicProvider struct {
	client anthropic.Client
	cfg    ProviderConfig
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg ProviderConfig) (*AnthropicProvider, error) {
	if err := requireAPIKey(cfg); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClientFor(cfg)),
		option.WithMaxRetries(0),
		option.WithMiddleware(statusMiddleware(ProviderAnthropic)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return ProviderAnthropic
}

// Call makes an API call to Anthropic Claude
func (p *AnthropicProvider) Call(ctx context.Context, request Request) (*Response, error) {
	response, err := p.client.Messages.New(ctx, p.buildParams(request))
	if err != nil {
		return nil, p.wrapError(err)
	}
	return p.parseResponse(response)
}

func (p *AnthropicProvider) buildParams(request Request) anthropic.MessageNewParams {
	messages := []anthropic.MessageParam{}

	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleTool:
			// No tool role: results travel as tool_result blocks in a user message.
			// Consecutive results share one user message.
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError)
			if n := len(messages); n > 0 && messages[n-1].Role == anthropic.MessageParamRoleUser && isToolResultMessage(messages[n-1]) {
				messages[n-1].Content = append(messages[n-1].Content, block)
				continue
			}
			messages = append(messages, anthropic.NewUserMessage(block))
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, argsOrEmpty(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		Messages:  messages,
		MaxTokens: int64(p.cfg.MaxTokens),
		System: []anthropic.TextBlockParam{
			{Text: BuildSystemPrompt(request.SystemPrompt, request.Wallet)},
		},
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(p.cfg.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(request.Tools))
		for _, tool := range request.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropicInputSchema(tool.InputSchema),
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params
}

func (p *AnthropicProvider) parseResponse(response *anthropic.Message) (*Response, error) {
	if response == nil {
		return nil, &ResponseFormatError{Provider: ProviderAnthropic, Reason: "empty response"}
	}

	content := ""
	toolCalls := []ToolCall{}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			if b.Name == "" {
				return nil, &ResponseFormatError{Provider: ProviderAnthropic, Reason: "tool_use block without name"}
			}
			args := map[string]interface{}{}
			if len(b.Input) > 0 && string(b.Input) != "null" {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, &ResponseFormatError{Provider: ProviderAnthropic, Reason: fmt.Sprintf("tool %s input: %v", b.Name, err)}
				}
			}
			id := b.ID
			if id == "" {
				id = NewCallID()
			}
			toolCalls = append(toolCalls, ToolCall{ID: id, Name: b.Name, Arguments: args})
		}
	}

	return &Response{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

func (p *AnthropicProvider) wrapError(err error) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &HTTPError{Provider: ProviderAnthropic, StatusCode: apiErr.StatusCode, Body: apiErr.RawJSON()}
	}
	return fmt.Errorf("anthropic request failed: %w", err)
}

func isToolResultMessage(msg anthropic.MessageParam) bool {
	if len(msg.Content) == 0 {
		return false
	}
	for _, block := range msg.Content {
		if block.OfToolResult == nil {
			return false
		}
	}
	return true
}

// anthropicInputSchema keeps every schema keyword: properties and required map
// onto typed fields, the rest travels through ExtraFields.
func anthropicInputSchema(schema map[string]interface{}) anthropic.ToolInputSchemaParam {
	schema = schemaOrEmpty(schema)
	out := anthropic.ToolInputSchemaParam{Properties: schema["properties"]}
	if out.Properties == nil {
		out.Properties = map[string]interface{}{}
	}

	switch required := schema["required"].(type) {
	case []string:
		out.Required = append([]string(nil), required...)
	case []interface{}:
		for _, v := range required {
			if s, ok := v.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}

	extra := map[string]any{}
	for k, v := range schema {
		switch k {
		case "type", "properties", "required":
			continue
		}
		extra[k] = v
	}
	if len(extra) > 0 {
		out.ExtraFields = extra
	}
	return out
}
