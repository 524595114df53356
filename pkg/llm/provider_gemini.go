package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider implements Provider for the candidate/parts family (Google Gemini)
type GeminiProvider struct {
	client *genai.Client
	cfg    ProviderConfig
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(cfg ProviderConfig) (*GeminiProvider, error) {
	if err := requireAPIKey(cfg); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClientFor(cfg),
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	if len(cfg.Headers) > 0 {
		clientCfg.HTTPOptions.Headers = http.Header{}
		for k, v := range cfg.Headers {
			clientCfg.HTTPOptions.Headers.Set(k, v)
		}
	}

	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{client: client, cfg: cfg}, nil
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return ProviderGemini
}

// Call makes a generateContent call
func (p *GeminiProvider) Call(ctx context.Context, request Request) (*Response, error) {
	contents, config := p.buildRequest(request)

	response, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, config)
	if err != nil {
		return nil, p.wrapError(err)
	}
	return p.parseResponse(response)
}

func (p *GeminiProvider) buildRequest(request Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := []*genai.Content{}

	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case RoleAssistant:
			parts := []*genai.Part{}
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, argsOrEmpty(tc.Arguments)))
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
		case RoleTool:
			response := map[string]any{"content": msg.Content}
			if msg.IsError {
				response["error"] = true
			}
			part := genai.NewPartFromFunctionResponse(msg.ToolName, response)
			// Results answering one model turn share a single function entry.
			if n := len(contents); n > 0 && contents[n-1].Role == "function" {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: "function", Parts: []*genai.Part{part}})
		}
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(BuildSystemPrompt(request.SystemPrompt, request.Wallet), genai.RoleUser),
	}
	if p.cfg.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(p.cfg.Temperature))
	}
	if p.cfg.MaxTokens > 0 {
		config.MaxOutputTokens = int32(p.cfg.MaxTokens)
	}

	if len(request.Tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, 0, len(request.Tools))
		for _, tool := range request.Tools {
			declarations = append(declarations, &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: schemaOrEmpty(tool.InputSchema),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}

	return contents, config
}

func (p *GeminiProvider) parseResponse(response *genai.GenerateContentResponse) (*Response, error) {
	if response == nil || len(response.Candidates) == 0 {
		reason := "no candidates returned"
		if response != nil && response.PromptFeedback != nil && response.PromptFeedback.BlockReason != "" {
			reason = fmt.Sprintf("prompt blocked: %s", response.PromptFeedback.BlockReason)
		}
		return nil, &ResponseFormatError{Provider: ProviderGemini, Reason: reason}
	}

	candidate := response.Candidates[0]
	if candidate == nil || candidate.Content == nil {
		return nil, &ResponseFormatError{Provider: ProviderGemini, Reason: "candidate without content"}
	}

	content := ""
	toolCalls := []ToolCall{}
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.FunctionCall != nil {
			if part.FunctionCall.Name == "" {
				return nil, &ResponseFormatError{Provider: ProviderGemini, Reason: "function call without name"}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        NewCallID(),
				Name:      part.FunctionCall.Name,
				Arguments: argsOrEmpty(part.FunctionCall.Args),
			})
			continue
		}
		if part.Text != "" && !part.Thought {
			content += part.Text
		}
	}

	usage := &TokenUsage{}
	if response.UsageMetadata != nil {
		usage.InputTokens = int(response.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(response.UsageMetadata.CandidatesTokenCount)
	}

	return &Response{Content: content, ToolCalls: toolCalls, Usage: usage}, nil
}

func (p *GeminiProvider) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPError{Provider: ProviderGemini, StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
