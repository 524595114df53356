package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tronagent/internal/observability"
	"github.com/harun/tronagent/internal/tracing"
	"github.com/harun/tronagent/pkg/llm"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Runner drives the think, act, observe loop for single turns
type Runner struct {
	providers     ProviderCreator
	source        ProviderSource
	tools         ToolCaller
	logger        zerolog.Logger
	maxIterations int
	systemPrompt  string

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// Config holds runner configuration
type Config struct {
	Providers     ProviderCreator
	Source        ProviderSource
	Tools         ToolCaller
	Logger        zerolog.Logger
	MaxIterations int
	SystemPrompt  string
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Source == nil {
		return nil, fmt.Errorf("provider source is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool caller is required")
	}
	if cfg.MaxIterations < 0 {
		return nil, fmt.Errorf("max iterations must not be negative")
	}

	providers := cfg.Providers
	if providers == nil {
		providers = &llm.Factory{}
	}
	maxIterations := cfg.MaxIterations
	if maxIterations == 0 {
		maxIterations = DefaultMaxIterations
	}

	return &Runner{
		providers:     providers,
		source:        cfg.Source,
		tools:         cfg.Tools,
		logger:        cfg.Logger,
		maxIterations: maxIterations,
		systemPrompt:  cfg.SystemPrompt,
		activeRuns:    make(map[string]context.CancelFunc),
	}, nil
}

// MaxIterations returns the iteration cap of a turn
func (r *Runner) MaxIterations() int {
	return r.maxIterations
}

// Abort cancels the running turn of a session. The turn stops at the next
// iteration boundary and the session stays busy until it has returned.
func (r *Runner) Abort(sessionKey string) error {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	cancel, exists := r.activeRuns[sessionKey]
	if !exists {
		r.logger.Debug().Str("session_key", sessionKey).Msg("No active run to abort")
		return nil
	}

	r.logger.Info().Str("session_key", sessionKey).Msg("Aborting agent run")
	cancel()

	return nil
}

// IsRunning checks if a turn is currently running for a session
func (r *Runner) IsRunning(sessionKey string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	_, exists := r.activeRuns[sessionKey]
	return exists
}

// Run executes one turn. The error is non-nil only when the turn could not
// start; every started turn returns a result with a non-empty answer.
func (r *Runner) Run(ctx context.Context, params RunParams) (*RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	if tracing.GetRunID(ctx) == "" {
		ctx = tracing.NewRunContext(ctx, params.SessionKey)
	} else if params.SessionKey != "" {
		ctx = tracing.WithSessionKey(ctx, params.SessionKey)
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"tronagent.agent",
		"agent.run",
		attribute.String("session_key", params.SessionKey),
		attribute.Int("tools", len(params.Tools)),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if params.SessionKey != "" {
		r.runsMu.Lock()
		if _, busy := r.activeRuns[params.SessionKey]; busy {
			r.runsMu.Unlock()
			err := fmt.Errorf("session %s: %w", params.SessionKey, ErrSessionBusy)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		r.activeRuns[params.SessionKey] = cancel
		r.runsMu.Unlock()

		defer func() {
			r.runsMu.Lock()
			delete(r.activeRuns, params.SessionKey)
			r.runsMu.Unlock()
		}()
	}

	t := &turn{
		runner: r,
		params: params,
		logger: tracing.LoggerFromContext(ctx, r.logger),
		start:  time.Now(),
	}
	t.conversation = make([]llm.Message, 0, len(params.History)+1)
	t.conversation = append(t.conversation, params.History...)
	t.conversation = append(t.conversation, llm.UserMessage(params.Prompt))

	result, outcome := t.run(runCtx)

	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("iterations", result.Iterations),
	)
	if result.Err != nil && !errors.Is(result.Err, ErrIterationLimit) {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	observability.RecordAgentTurn(result.Provider, outcome, result.Duration, result.Iterations)

	t.logger.Info().
		Str("outcome", outcome).
		Int("iterations", result.Iterations).
		Int("steps", len(result.Steps)).
		Dur("duration", result.Duration).
		Msg("Agent turn finished")

	return result, nil
}

// turn holds the mutable state of a single Run
type turn struct {
	runner *Runner
	params RunParams
	logger zerolog.Logger
	start  time.Time

	conversation []llm.Message
	steps        []Step
	provider     string
	usage        llm.TokenUsage
}

func (t *turn) run(ctx context.Context) (*RunResult, string) {
	maxIterations := t.runner.maxIterations

	for iteration := 0; iteration < maxIterations; iteration++ {
		if ctx.Err() != nil {
			return t.cancelled(iteration), "cancelled"
		}

		thinking := t.open(Step{Kind: StepThinking, Label: "Thinking", Iteration: iteration})

		response, err := t.callLLM(ctx, iteration, true)
		if err != nil {
			t.close(thinking, func(s *Step) { s.Label = "Model call failed" })
			if ctx.Err() != nil {
				return t.cancelled(iteration + 1), "cancelled"
			}
			return t.failed(iteration, err), "llm_error"
		}

		if len(response.ToolCalls) == 0 {
			t.close(thinking, func(s *Step) { s.Label = "Composing answer" })
			t.conversation = append(t.conversation, llm.AssistantMessage(response.Content, nil))
			t.emit(t.done(Step{Kind: StepAnswer, Label: "Answer", Content: response.Content, Iteration: iteration}))
			return t.result(iteration+1, response.Content, nil), "answer"
		}

		t.close(thinking, func(s *Step) {
			s.Label = fmt.Sprintf("Calling %d tool(s)", len(response.ToolCalls))
			s.Content = response.Content
		})

		results := make([]llm.Message, 0, len(response.ToolCalls))
		for _, call := range response.ToolCalls {
			results = append(results, t.executeTool(ctx, iteration, call))
		}

		t.conversation = append(t.conversation, llm.AssistantMessage(response.Content, response.ToolCalls))
		t.conversation = append(t.conversation, results...)
	}

	return t.summarize(ctx, maxIterations), "iteration_limit"
}

// executeTool runs one call and returns the tool message answering it
func (t *turn) executeTool(ctx context.Context, iteration int, call llm.ToolCall) llm.Message {
	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	idx := t.open(Step{
		Kind:       StepToolCall,
		Label:      "Calling " + call.Name,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Arguments:  args,
		Iteration:  iteration,
	})

	var (
		content string
		isError bool
	)
	res, err := t.runner.tools.CallTool(ctx, call.Name, args)
	switch {
	case err != nil:
		toolErr := &ToolExecutionError{Tool: call.Name, Err: err}
		t.logger.Warn().Err(toolErr).Str("tool_call_id", call.ID).Msg("Tool execution failed")
		content = "Error: " + err.Error()
		isError = true
	case res == nil:
		content = "Error: tool returned no result"
		isError = true
	default:
		content = res.Text()
		isError = res.IsError
		if isError && strings.TrimSpace(content) == "" {
			content = "Error: tool reported a failure without details"
		}
	}

	t.close(idx, nil)

	label := "Result from " + call.Name
	if isError {
		label = "Error from " + call.Name
	}
	t.emit(t.done(Step{
		Kind:       StepToolResult,
		Label:      label,
		Content:    content,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		IsError:    isError,
		Iteration:  iteration,
	}))

	return llm.ToolResultMessage(call, content, isError)
}

// summarize issues the single extra call allowed once the cap is reached
func (t *turn) summarize(ctx context.Context, iterations int) *RunResult {
	t.logger.Warn().Int("max_iterations", iterations).Msg("Iteration limit reached, requesting summary")
	t.emit(t.done(Step{
		Kind:      StepError,
		Label:     "Iteration limit reached",
		Content:   fmt.Sprintf("Stopped after %d iterations; asking the model for a summary.", iterations),
		IsError:   true,
		Iteration: iterations,
	}))

	thinking := t.open(Step{Kind: StepThinking, Label: "Summarizing", Iteration: iterations})
	response, err := t.callLLM(ctx, iterations, false)

	answer := IterationLimitAnswer
	if err != nil {
		t.logger.Error().Err(err).Msg("Summary call failed")
		t.close(thinking, func(s *Step) { s.Label = "Summary failed" })
	} else {
		t.close(thinking, func(s *Step) { s.Label = "Composing answer" })
		if strings.TrimSpace(response.Content) != "" {
			answer = response.Content
		}
	}

	t.conversation = append(t.conversation, llm.AssistantMessage(answer, nil))
	t.emit(t.done(Step{Kind: StepAnswer, Label: "Answer", Content: answer, Iteration: iterations}))
	return t.result(iterations, answer, ErrIterationLimit)
}

func (t *turn) cancelled(iterations int) *RunResult {
	t.logger.Info().Int("iteration", iterations).Msg("Agent turn cancelled")
	t.emit(t.done(Step{
		Kind:      StepError,
		Label:     "Cancelled",
		Content:   CancelledAnswer,
		IsError:   true,
		Iteration: iterations,
	}))
	return t.result(iterations, CancelledAnswer, ErrCancelled)
}

func (t *turn) failed(iteration int, err error) *RunResult {
	t.logger.Error().Err(err).Int("iteration", iteration).Msg("LLM call failed")
	answer := fmt.Sprintf(providerErrorFormat, err.Error())
	t.emit(t.done(Step{
		Kind:      StepError,
		Label:     "Model call failed",
		Content:   err.Error(),
		IsError:   true,
		Iteration: iteration,
	}))
	return t.result(iteration+1, answer, err)
}

// callLLM resolves the active provider and performs one call
func (t *turn) callLLM(ctx context.Context, iteration int, withTools bool) (*llm.Response, error) {
	cfg, err := t.runner.source.Active()
	if err != nil {
		return nil, fmt.Errorf("resolve provider: %w", err)
	}
	t.provider = cfg.Provider

	ctx, span := tracing.StartSpan(
		ctx,
		"tronagent.agent",
		"agent.llm_call",
		attribute.String("provider", cfg.Provider),
		attribute.String("model", cfg.Model),
		attribute.Int("iteration", iteration),
	)
	defer span.End()

	provider, err := t.runner.providers.NewProvider(cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	request := llm.Request{
		Messages:     t.conversation,
		SystemPrompt: t.runner.systemPrompt,
		Wallet:       t.params.Wallet,
	}
	if withTools {
		request.Tools = t.params.Tools
	} else {
		request.Messages = append(cloneMessages(t.conversation), llm.UserMessage(llm.SummaryInstruction))
	}

	start := time.Now()
	response, err := provider.Call(ctx, request)
	duration := time.Since(start)
	if err != nil {
		observability.RecordLLMCall(cfg.Provider, duration, false, 0, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var in, out int
	if response.Usage != nil {
		in, out = response.Usage.InputTokens, response.Usage.OutputTokens
		t.usage.InputTokens += in
		t.usage.OutputTokens += out
	}
	observability.RecordLLMCall(cfg.Provider, duration, true, in, out)

	t.logger.Debug().
		Str("provider", cfg.Provider).
		Int("iteration", iteration).
		Int("tool_calls", len(response.ToolCalls)).
		Dur("duration", duration).
		Msg("LLM call completed")

	return response, nil
}

// open appends a pending step and emits it, returning its index
func (t *turn) open(step Step) int {
	step.ID = uuid.NewString()
	step.StartedAt = time.Now()
	t.steps = append(t.steps, step)
	t.emitAt(len(t.steps) - 1)
	return len(t.steps) - 1
}

// close completes the step at idx in place and re-emits it
func (t *turn) close(idx int, mutate func(*Step)) {
	step := &t.steps[idx]
	if mutate != nil {
		mutate(step)
	}
	now := time.Now()
	step.CompletedAt = &now
	t.emitAt(idx)
}

// done stamps a step that is complete at creation
func (t *turn) done(step Step) Step {
	now := time.Now()
	step.ID = uuid.NewString()
	step.StartedAt = now
	step.CompletedAt = &now
	return step
}

func (t *turn) emit(step Step) {
	t.steps = append(t.steps, step)
	t.emitAt(len(t.steps) - 1)
}

func (t *turn) emitAt(idx int) {
	if t.params.OnStep == nil {
		return
	}
	step := t.steps[idx]
	if step.CompletedAt != nil {
		completed := *step.CompletedAt
		step.CompletedAt = &completed
	}
	t.params.OnStep(step)
}

func (t *turn) result(iterations int, answer string, err error) *RunResult {
	steps := make([]Step, len(t.steps))
	copy(steps, t.steps)
	added := cloneMessages(t.conversation[len(t.params.History):])

	return &RunResult{
		Answer:     answer,
		Steps:      steps,
		Iterations: iterations,
		Duration:   time.Since(t.start),
		Provider:   t.provider,
		Usage:      t.usage,
		Messages:   added,
		Err:        err,
	}
}

func cloneMessages(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	copy(out, messages)
	return out
}
