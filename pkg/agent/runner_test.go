package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/harun/tronagent/pkg/llm"
	"github.com/harun/tronagent/pkg/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns queued responses in order and records every request
type scriptedProvider struct {
	mu        sync.Mutex
	responses []scriptedReply
	requests  []llm.Request
	onCall    func(n int)
}

type scriptedReply struct {
	response *llm.Response
	err      error
}

func (p *scriptedProvider) Call(ctx context.Context, request llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, request)
	var reply scriptedReply
	if n < len(p.responses) {
		reply = p.responses[n]
	} else {
		reply = scriptedReply{err: fmt.Errorf("unexpected call %d", n+1)}
	}
	onCall := p.onCall
	p.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	return reply.response, reply.err
}

func (p *scriptedProvider) Provider() string { return "stub" }

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type stubCreator struct {
	provider llm.Provider
	err      error
	configs  []llm.ProviderConfig
}

func (c *stubCreator) NewProvider(cfg llm.ProviderConfig) (llm.Provider, error) {
	c.configs = append(c.configs, cfg)
	return c.provider, c.err
}

type toolInvocation struct {
	name string
	args map[string]interface{}
}

// stubTools answers tool calls from a handler and records them
type stubTools struct {
	mu      sync.Mutex
	calls   []toolInvocation
	handler func(name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

func (s *stubTools) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, toolInvocation{name: name, args: args})
	s.mu.Unlock()
	if s.handler == nil {
		return mcp.TextResult("ok", false), nil
	}
	return s.handler(name, args)
}

func toolCallReply(calls ...llm.ToolCall) scriptedReply {
	return scriptedReply{response: &llm.Response{ToolCalls: calls}}
}

func textReply(text string) scriptedReply {
	return scriptedReply{response: &llm.Response{Content: text, Usage: &llm.TokenUsage{InputTokens: 10, OutputTokens: 5}}}
}

func accountCall(id string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "get_account_info", Arguments: map[string]interface{}{"address": "TXYZ"}}
}

func newTestRunner(t *testing.T, provider *scriptedProvider, tools ToolCaller, maxIterations int) *Runner {
	t.Helper()
	runner, err := NewRunner(Config{
		Providers:     &stubCreator{provider: provider},
		Source:        StaticSource(llm.ProviderConfig{Provider: "stub", Model: "stub-model"}),
		Tools:         tools,
		Logger:        zerolog.New(io.Discard),
		MaxIterations: maxIterations,
	})
	require.NoError(t, err)
	return runner
}

func kinds(steps []Step) []StepKind {
	out := make([]StepKind, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Kind)
	}
	return out
}

func TestNewRunner(t *testing.T) {
	t.Run("should apply defaults", func(t *testing.T) {
		runner, err := NewRunner(Config{
			Source: StaticSource(llm.ProviderConfig{Provider: "ollama"}),
			Tools:  &stubTools{},
		})
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxIterations, runner.MaxIterations())
		assert.IsType(t, &llm.Factory{}, runner.providers)
	})

	t.Run("should fail without provider source", func(t *testing.T) {
		_, err := NewRunner(Config{Tools: &stubTools{}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "provider source")
	})

	t.Run("should fail without tool caller", func(t *testing.T) {
		_, err := NewRunner(Config{Source: StaticSource{}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "tool caller")
	})

	t.Run("should reject negative iterations", func(t *testing.T) {
		_, err := NewRunner(Config{Source: StaticSource{}, Tools: &stubTools{}, MaxIterations: -1})
		assert.Error(t, err)
	})
}

func TestRunner_SingleToolScenario(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedReply{
		toolCallReply(accountCall("call_1")),
		textReply("Balance is 100"),
	}}
	tools := &stubTools{handler: func(name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		return mcp.TextResult(`{"balance":100}`, false), nil
	}}
	runner := newTestRunner(t, provider, tools, 0)

	result, err := runner.Run(context.Background(), RunParams{
		Prompt: "What is the balance of TXYZ?",
		Tools:  []llm.Tool{{Name: "get_account_info", Description: "Get account info"}},
		Wallet: &llm.WalletContext{Address: "TWallet", Network: "mainnet"},
	})
	require.NoError(t, err)

	t.Run("should answer after two iterations", func(t *testing.T) {
		assert.Equal(t, "Balance is 100", result.Answer)
		assert.Equal(t, 2, result.Iterations)
		assert.NoError(t, result.Err)
		assert.Equal(t, "stub", result.Provider)
		assert.Equal(t, llm.TokenUsage{InputTokens: 10, OutputTokens: 5}, result.Usage)
	})

	t.Run("should record the step trace", func(t *testing.T) {
		assert.Equal(t, []StepKind{StepThinking, StepToolCall, StepToolResult, StepThinking, StepAnswer}, kinds(result.Steps))
		for _, step := range result.Steps {
			assert.NotEmpty(t, step.ID)
			assert.True(t, step.Done(), "step %s should be completed", step.Kind)
		}
		assert.Equal(t, 0, result.Steps[0].Iteration)
		assert.Equal(t, 1, result.Steps[3].Iteration)
		assert.Equal(t, "call_1", result.Steps[1].ToolCallID)
		assert.Equal(t, `{"balance":100}`, result.Steps[2].Content)
		assert.False(t, result.Steps[2].IsError)
	})

	t.Run("should feed the tool result back to the model", func(t *testing.T) {
		require.Equal(t, 2, provider.calls())
		second := provider.request(1)
		require.Len(t, second.Messages, 3)
		assert.Equal(t, llm.RoleUser, second.Messages[0].Role)
		assert.Equal(t, llm.RoleAssistant, second.Messages[1].Role)
		assert.Equal(t, "call_1", second.Messages[1].ToolCalls[0].ID)
		assert.Equal(t, llm.RoleTool, second.Messages[2].Role)
		assert.Equal(t, "call_1", second.Messages[2].ToolCallID)
		assert.Equal(t, "get_account_info", second.Messages[2].ToolName)
		assert.Equal(t, `{"balance":100}`, second.Messages[2].Content)
		assert.Len(t, second.Tools, 1)
		assert.Equal(t, "TWallet", second.Wallet.Address)
	})

	t.Run("should return the messages added by the turn", func(t *testing.T) {
		require.Len(t, result.Messages, 4)
		assert.Equal(t, llm.RoleUser, result.Messages[0].Role)
		assert.Equal(t, "Balance is 100", result.Messages[3].Content)
	})

	t.Run("should pass arguments to the tool caller", func(t *testing.T) {
		require.Len(t, tools.calls, 1)
		assert.Equal(t, "get_account_info", tools.calls[0].name)
		assert.Equal(t, "TXYZ", tools.calls[0].args["address"])
	})
}

func TestRunner_IterationLimit(t *testing.T) {
	t.Run("should issue exactly one summary call", func(t *testing.T) {
		provider := &scriptedProvider{responses: []scriptedReply{
			toolCallReply(accountCall("call_1")),
			textReply("Here is what I found"),
		}}
		runner := newTestRunner(t, provider, &stubTools{}, 1)

		result, err := runner.Run(context.Background(), RunParams{
			Prompt: "Dig deep",
			Tools:  []llm.Tool{{Name: "get_account_info"}},
		})
		require.NoError(t, err)

		assert.Equal(t, 2, provider.calls())
		assert.Equal(t, "Here is what I found", result.Answer)
		assert.Equal(t, 1, result.Iterations)
		assert.ErrorIs(t, result.Err, ErrIterationLimit)
		assert.Equal(t, []StepKind{StepThinking, StepToolCall, StepToolResult, StepError, StepThinking, StepAnswer}, kinds(result.Steps))

		summary := provider.request(1)
		assert.Empty(t, summary.Tools)
		last := summary.Messages[len(summary.Messages)-1]
		assert.Equal(t, llm.RoleUser, last.Role)
		assert.Equal(t, llm.SummaryInstruction, last.Content)
	})

	t.Run("should fall back to apology when summary fails", func(t *testing.T) {
		provider := &scriptedProvider{responses: []scriptedReply{
			toolCallReply(accountCall("call_1")),
			toolCallReply(accountCall("call_2")),
			{err: errors.New("upstream down")},
		}}
		runner := newTestRunner(t, provider, &stubTools{}, 2)

		result, err := runner.Run(context.Background(), RunParams{Prompt: "Loop"})
		require.NoError(t, err)

		assert.Equal(t, 3, provider.calls())
		assert.Equal(t, IterationLimitAnswer, result.Answer)
		assert.Equal(t, 2, result.Iterations)
		assert.ErrorIs(t, result.Err, ErrIterationLimit)
		assert.Equal(t, StepAnswer, result.Steps[len(result.Steps)-1].Kind)
	})
}

func TestRunner_ToolFailures(t *testing.T) {
	t.Run("should feed hard tool errors back as error results", func(t *testing.T) {
		provider := &scriptedProvider{responses: []scriptedReply{
			toolCallReply(accountCall("call_1")),
			textReply("The node is unreachable"),
		}}
		tools := &stubTools{handler: func(string, map[string]interface{}) (*mcp.CallToolResult, error) {
			return nil, errors.New("dial tcp 10.0.0.1:443: connection refused")
		}}
		runner := newTestRunner(t, provider, tools, 0)

		result, err := runner.Run(context.Background(), RunParams{Prompt: "Balance?"})
		require.NoError(t, err)

		toolResult := result.Steps[2]
		require.Equal(t, StepToolResult, toolResult.Kind)
		assert.True(t, toolResult.IsError)
		assert.Contains(t, toolResult.Content, "connection refused")

		toolMessage := provider.request(1).Messages[2]
		assert.True(t, toolMessage.IsError)
		assert.Contains(t, toolMessage.Content, "dial tcp 10.0.0.1:443: connection refused")
		assert.Equal(t, "The node is unreachable", result.Answer)
	})

	t.Run("should keep soft error content", func(t *testing.T) {
		provider := &scriptedProvider{responses: []scriptedReply{
			toolCallReply(accountCall("call_1")),
			textReply("Account not found"),
		}}
		tools := &stubTools{handler: func(string, map[string]interface{}) (*mcp.CallToolResult, error) {
			return mcp.TextResult("account not found", true), nil
		}}
		runner := newTestRunner(t, provider, tools, 0)

		result, err := runner.Run(context.Background(), RunParams{Prompt: "Balance?"})
		require.NoError(t, err)
		assert.True(t, result.Steps[2].IsError)
		assert.Equal(t, "account not found", provider.request(1).Messages[2].Content)
	})

	t.Run("should send empty arguments as an object", func(t *testing.T) {
		provider := &scriptedProvider{responses: []scriptedReply{
			toolCallReply(llm.ToolCall{ID: "call_1", Name: "get_latest_block"}),
			textReply("done"),
		}}
		tools := &stubTools{}
		runner := newTestRunner(t, provider, tools, 0)

		_, err := runner.Run(context.Background(), RunParams{Prompt: "Latest block?"})
		require.NoError(t, err)
		require.Len(t, tools.calls, 1)
		assert.NotNil(t, tools.calls[0].args)
	})
}

func TestRunner_MultipleToolCalls(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedReply{
		toolCallReply(
			llm.ToolCall{ID: "a", Name: "get_account_info", Arguments: map[string]interface{}{"address": "T1"}},
			llm.ToolCall{ID: "b", Name: "get_block", Arguments: map[string]interface{}{"num": 1}},
			llm.ToolCall{ID: "c", Name: "get_account_info", Arguments: map[string]interface{}{"address": "T2"}},
		),
		textReply("All done"),
	}}
	tools := &stubTools{}
	runner := newTestRunner(t, provider, tools, 0)

	result, err := runner.Run(context.Background(), RunParams{Prompt: "Compare"})
	require.NoError(t, err)

	t.Run("should interleave call and result steps in request order", func(t *testing.T) {
		var ids []string
		for _, step := range result.Steps {
			if step.Kind == StepToolCall || step.Kind == StepToolResult {
				ids = append(ids, string(step.Kind)+":"+step.ToolCallID)
			}
		}
		assert.Equal(t, []string{
			"tool_call:a", "tool_result:a",
			"tool_call:b", "tool_result:b",
			"tool_call:c", "tool_result:c",
		}, ids)
	})

	t.Run("should append one assistant message and one tool message per call", func(t *testing.T) {
		messages := provider.request(1).Messages
		require.Len(t, messages, 5)
		assert.Len(t, messages[1].ToolCalls, 3)
		assert.Equal(t, "a", messages[2].ToolCallID)
		assert.Equal(t, "b", messages[3].ToolCallID)
		assert.Equal(t, "c", messages[4].ToolCallID)
	})
}

func TestRunner_LLMFailure(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedReply{
		{err: &llm.HTTPError{Provider: "stub", StatusCode: 500, Body: "boom"}},
	}}
	runner := newTestRunner(t, provider, &stubTools{}, 0)

	result, err := runner.Run(context.Background(), RunParams{Prompt: "Hello"})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.calls())
	assert.NotEmpty(t, result.Answer)
	assert.Contains(t, result.Answer, "500")
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 500, llm.StatusCode(result.Err))
	assert.Equal(t, []StepKind{StepThinking, StepError}, kinds(result.Steps))
	assert.True(t, result.Steps[0].Done())
}

func TestRunner_ProviderConfigurationError(t *testing.T) {
	runner, err := NewRunner(Config{
		Source: StaticSource(llm.ProviderConfig{Provider: "anthropic"}),
		Tools:  &stubTools{},
		Logger: zerolog.New(io.Discard),
	})
	require.NoError(t, err)

	result, err := runner.Run(context.Background(), RunParams{Prompt: "Hello"})
	require.NoError(t, err)
	assert.True(t, llm.IsConfigurationError(result.Err))
	assert.NotEmpty(t, result.Answer)
	assert.Equal(t, StepError, result.Steps[len(result.Steps)-1].Kind)
}

func TestRunner_Cancellation(t *testing.T) {
	t.Run("should stop before the first iteration", func(t *testing.T) {
		provider := &scriptedProvider{}
		runner := newTestRunner(t, provider, &stubTools{}, 0)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := runner.Run(ctx, RunParams{Prompt: "Hello"})
		require.NoError(t, err)

		assert.Equal(t, 0, provider.calls())
		assert.Equal(t, 0, result.Iterations)
		assert.Equal(t, CancelledAnswer, result.Answer)
		assert.ErrorIs(t, result.Err, ErrCancelled)
		require.Len(t, result.Steps, 1)
		assert.Equal(t, StepError, result.Steps[0].Kind)
	})

	t.Run("should stop at the next iteration boundary after abort", func(t *testing.T) {
		provider := &scriptedProvider{responses: []scriptedReply{
			toolCallReply(accountCall("call_1")),
			textReply("never"),
		}}
		tools := &stubTools{}
		runner := newTestRunner(t, provider, tools, 0)
		tools.handler = func(string, map[string]interface{}) (*mcp.CallToolResult, error) {
			require.True(t, runner.IsRunning("s1"))
			require.NoError(t, runner.Abort("s1"))
			return mcp.TextResult("ok", false), nil
		}

		result, err := runner.Run(context.Background(), RunParams{Prompt: "Hello", SessionKey: "s1"})
		require.NoError(t, err)

		assert.Equal(t, 1, provider.calls())
		assert.Equal(t, 1, result.Iterations)
		assert.ErrorIs(t, result.Err, ErrCancelled)
		assert.Equal(t, StepError, result.Steps[len(result.Steps)-1].Kind)
		assert.Equal(t, []StepKind{StepThinking, StepToolCall, StepToolResult, StepError}, kinds(result.Steps))
		assert.False(t, runner.IsRunning("s1"))
	})

	t.Run("should ignore abort without active run", func(t *testing.T) {
		runner := newTestRunner(t, &scriptedProvider{}, &stubTools{}, 0)
		assert.NoError(t, runner.Abort("missing"))
	})
}

func TestRunner_StepEmission(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedReply{
		toolCallReply(accountCall("call_1")),
		textReply("Balance is 100"),
	}}
	runner := newTestRunner(t, provider, &stubTools{}, 0)

	var emitted []Step
	result, err := runner.Run(context.Background(), RunParams{
		Prompt: "Balance?",
		OnStep: func(step Step) { emitted = append(emitted, step) },
	})
	require.NoError(t, err)

	t.Run("should re-emit open steps with the same id", func(t *testing.T) {
		// thinking, thinking', tool_call, tool_call', tool_result, thinking, thinking', answer
		require.Len(t, emitted, 8)
		assert.Equal(t, emitted[0].ID, emitted[1].ID)
		assert.False(t, emitted[0].Done())
		assert.True(t, emitted[1].Done())
		assert.Equal(t, "Thinking", emitted[0].Label)
		assert.NotEqual(t, emitted[0].Label, emitted[1].Label)
		assert.Equal(t, emitted[2].ID, emitted[3].ID)
		assert.Equal(t, StepToolCall, emitted[2].Kind)
	})

	t.Run("should keep unique ids in the final trace", func(t *testing.T) {
		seen := map[string]bool{}
		for _, step := range result.Steps {
			assert.False(t, seen[step.ID])
			seen[step.ID] = true
		}
		assert.Len(t, seen, 5)
	})
}

func TestRunner_InvalidParams(t *testing.T) {
	runner := newTestRunner(t, &scriptedProvider{}, &stubTools{}, 0)

	t.Run("should reject empty prompt", func(t *testing.T) {
		_, err := runner.Run(context.Background(), RunParams{Prompt: "  "})
		assert.Error(t, err)
	})

	t.Run("should reject concurrent runs on one session", func(t *testing.T) {
		release := make(chan struct{})
		entered := make(chan struct{})
		provider := &scriptedProvider{responses: []scriptedReply{textReply("first")}}
		provider.onCall = func(int) {
			close(entered)
			<-release
		}
		busy := newTestRunner(t, provider, &stubTools{}, 0)

		done := make(chan *RunResult)
		go func() {
			result, _ := busy.Run(context.Background(), RunParams{Prompt: "one", SessionKey: "k"})
			done <- result
		}()
		<-entered

		_, err := busy.Run(context.Background(), RunParams{Prompt: "two", SessionKey: "k"})
		assert.Error(t, err)

		close(release)
		assert.Equal(t, "first", (<-done).Answer)
	})

	t.Run("should keep the session busy until an aborted run returns", func(t *testing.T) {
		release := make(chan struct{})
		entered := make(chan struct{})
		provider := &scriptedProvider{responses: []scriptedReply{textReply("first"), textReply("second")}}
		provider.onCall = func(n int) {
			if n == 0 {
				close(entered)
				<-release
			}
		}
		busy := newTestRunner(t, provider, &stubTools{}, 0)

		done := make(chan *RunResult)
		go func() {
			result, _ := busy.Run(context.Background(), RunParams{Prompt: "one", SessionKey: "s"})
			done <- result
		}()
		<-entered

		require.NoError(t, busy.Abort("s"))
		assert.True(t, busy.IsRunning("s"))

		_, err := busy.Run(context.Background(), RunParams{Prompt: "two", SessionKey: "s"})
		assert.ErrorIs(t, err, ErrSessionBusy)

		close(release)
		require.NotNil(t, <-done)
		assert.False(t, busy.IsRunning("s"))

		result, err := busy.Run(context.Background(), RunParams{Prompt: "three", SessionKey: "s"})
		require.NoError(t, err)
		assert.Equal(t, "second", result.Answer)
		assert.False(t, busy.IsRunning("s"))
	})
}

func TestRunner_HistoryAndProviderSwitch(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedReply{textReply("hi again")}}
	creator := &stubCreator{provider: provider}
	source := &switchingSource{cfg: llm.ProviderConfig{Provider: "openai", Model: "gpt-4o-mini"}}
	runner, err := NewRunner(Config{Providers: creator, Source: source, Tools: &stubTools{}, Logger: zerolog.New(io.Discard), SystemPrompt: "custom"})
	require.NoError(t, err)

	history := []llm.Message{llm.UserMessage("hello"), llm.AssistantMessage("hi", nil)}
	source.set(llm.ProviderConfig{Provider: "gemini", Model: "gemini-2.0-flash"})

	result, err := runner.Run(context.Background(), RunParams{Prompt: "again", History: history})
	require.NoError(t, err)

	assert.Equal(t, "gemini", creator.configs[0].Provider)
	assert.Equal(t, "gemini", result.Provider)
	assert.Len(t, provider.request(0).Messages, 3)
	assert.Equal(t, "custom", provider.request(0).SystemPrompt)
	assert.Len(t, result.Messages, 2)
	assert.Len(t, history, 2)
}

type switchingSource struct {
	mu  sync.Mutex
	cfg llm.ProviderConfig
}

func (s *switchingSource) Active() (llm.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, nil
}

func (s *switchingSource) set(cfg llm.ProviderConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}
