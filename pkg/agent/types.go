package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/tronagent/pkg/llm"
	"github.com/harun/tronagent/pkg/mcp"
)

// StepKind classifies a trace step
type StepKind string

const (
	StepThinking   StepKind = "thinking"
	StepToolCall   StepKind = "tool_call"
	StepToolResult StepKind = "tool_result"
	StepAnswer     StepKind = "answer"
	StepError      StepKind = "error"
)

// Step is one observable event of a run. Open steps (thinking, tool_call) are
// completed in place and re-emitted with the same ID.
type Step struct {
	ID          string                 `json:"id"`
	Kind        StepKind               `json:"kind"`
	Label       string                 `json:"label"`
	Content     string                 `json:"content,omitempty"`
	ToolName    string                 `json:"tool_name,omitempty"`
	ToolCallID  string                 `json:"tool_call_id,omitempty"`
	Arguments   map[string]interface{} `json:"arguments,omitempty"`
	IsError     bool                   `json:"is_error,omitempty"`
	Iteration   int                    `json:"iteration"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Done reports whether the step has been completed
func (s Step) Done() bool {
	return s.CompletedAt != nil
}

// StepHandler receives every step emission, synchronously
type StepHandler func(Step)

// RunParams contains input parameters for one turn
type RunParams struct {
	Prompt     string
	SessionKey string
	History    []llm.Message
	Tools      []llm.Tool
	Wallet     *llm.WalletContext
	OnStep     StepHandler
}

// RunResult is produced once per turn
type RunResult struct {
	Answer     string         `json:"answer"`
	Steps      []Step         `json:"steps"`
	Iterations int            `json:"iterations"`
	Duration   time.Duration  `json:"duration"`
	Provider   string         `json:"provider,omitempty"`
	Usage      llm.TokenUsage `json:"usage"`

	// Messages holds the messages this turn added to the conversation,
	// starting with the user prompt.
	Messages []llm.Message `json:"messages,omitempty"`

	// Err is ErrCancelled, ErrIterationLimit, or the provider failure that ended the turn
	Err error `json:"-"`
}

// ToolCaller executes tools on behalf of the loop
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// ProviderSource resolves the active provider configuration
type ProviderSource interface {
	Active() (llm.ProviderConfig, error)
}

// ProviderCreator creates LLM providers from resolved configuration
type ProviderCreator interface {
	NewProvider(cfg llm.ProviderConfig) (llm.Provider, error)
}

// StaticSource always returns the same configuration
type StaticSource llm.ProviderConfig

// Active implements ProviderSource
func (s StaticSource) Active() (llm.ProviderConfig, error) {
	return llm.ProviderConfig(s), nil
}

var (
	// ErrCancelled is reported when a turn stops at an iteration boundary
	ErrCancelled = errors.New("run cancelled")

	// ErrIterationLimit is reported when the loop ran out of iterations
	ErrIterationLimit = errors.New("maximum iterations reached")

	// ErrSessionBusy rejects a turn for a session that already has one running
	ErrSessionBusy = errors.New("session already has an active run")
)

// ToolExecutionError wraps a hard tool failure. It is fed back to the model
// as an error result and never ends the turn.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// User-facing answers for terminal paths without a model answer
const (
	CancelledAnswer      = "Request cancelled."
	IterationLimitAnswer = "Sorry, I couldn't finish within the allowed number of steps. Please try a more specific question."

	providerErrorFormat = "Sorry, something went wrong while talking to the language model: %s"
)

// DefaultMaxIterations bounds a turn when the config leaves it unset
const DefaultMaxIterations = 10
