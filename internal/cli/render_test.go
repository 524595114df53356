package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/harun/tronagent/pkg/agent"
	"github.com/harun/tronagent/pkg/llm"
	"github.com/stretchr/testify/assert"
)

func TestPrintStep(t *testing.T) {
	now := time.Now()

	t.Run("should skip open steps", func(t *testing.T) {
		var out bytes.Buffer
		printStep(&out, agent.Step{Kind: agent.StepThinking, Label: "Thinking"})
		assert.Empty(t, out.String())
	})

	t.Run("should skip the answer", func(t *testing.T) {
		var out bytes.Buffer
		printStep(&out, agent.Step{Kind: agent.StepAnswer, Content: "done", CompletedAt: &now})
		assert.Empty(t, out.String())
	})

	t.Run("should print tool calls with arguments", func(t *testing.T) {
		var out bytes.Buffer
		printStep(&out, agent.Step{
			Kind:        agent.StepToolCall,
			ToolName:    "get_account_info",
			Arguments:   map[string]interface{}{"address": "TXYZ"},
			CompletedAt: &now,
		})
		assert.Equal(t, "  → get_account_info {\"address\":\"TXYZ\"}\n", out.String())
	})

	t.Run("should mark failed tool results", func(t *testing.T) {
		var out bytes.Buffer
		printStep(&out, agent.Step{
			Kind:        agent.StepToolResult,
			ToolName:    "get_account_info",
			Content:     "network error",
			IsError:     true,
			CompletedAt: &now,
		})
		assert.Contains(t, out.String(), "✗ get_account_info: network error")
	})

	t.Run("should print completed thinking labels", func(t *testing.T) {
		var out bytes.Buffer
		printStep(&out, agent.Step{Kind: agent.StepThinking, Label: "Calling 2 tool(s)", CompletedAt: &now})
		assert.Equal(t, "  · Calling 2 tool(s)\n", out.String())
	})
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, &agent.RunResult{
		Iterations: 2,
		Duration:   3 * time.Second,
		Provider:   "anthropic",
		Usage:      llm.TokenUsage{InputTokens: 100, OutputTokens: 20},
	})
	assert.Equal(t, "  (2 iteration(s), 3s, anthropic, 120 tokens)\n", out.String())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", preview("a\n  b\tc"))

	long := strings.Repeat("x", previewLimit+10)
	got := preview(long)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Equal(t, previewLimit+len("…"), len(got))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "(none)", maskKey(""))
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "sk-…wxyz", maskKey("sk-abcdefghijklmnopqrstuvwxyz"))
}
