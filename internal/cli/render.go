package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/tronagent/pkg/agent"
)

const previewLimit = 240

// printStep writes completed steps as they happen. Open steps are skipped;
// their completed re-emission carries the final label.
func printStep(w io.Writer, step agent.Step) {
	if !step.Done() || step.Kind == agent.StepAnswer {
		return
	}

	switch step.Kind {
	case agent.StepThinking:
		fmt.Fprintf(w, "  · %s\n", step.Label)
	case agent.StepToolCall:
		args := ""
		if len(step.Arguments) > 0 {
			if data, err := json.Marshal(step.Arguments); err == nil {
				args = " " + string(data)
			}
		}
		fmt.Fprintf(w, "  → %s%s\n", step.ToolName, preview(args))
	case agent.StepToolResult:
		marker := "←"
		if step.IsError {
			marker = "✗"
		}
		fmt.Fprintf(w, "  %s %s: %s\n", marker, step.ToolName, preview(step.Content))
	case agent.StepError:
		fmt.Fprintf(w, "  ! %s: %s\n", step.Label, preview(step.Content))
	}
}

func printSummary(w io.Writer, result *agent.RunResult) {
	parts := []string{
		fmt.Sprintf("%d iteration(s)", result.Iterations),
		formatDuration(result.Duration),
	}
	if result.Provider != "" {
		parts = append(parts, result.Provider)
	}
	if total := result.Usage.InputTokens + result.Usage.OutputTokens; total > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", total))
	}
	fmt.Fprintf(w, "  (%s)\n", strings.Join(parts, ", "))
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit] + "…"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// maskKey keeps enough of a key to tell profiles apart
func maskKey(key string) string {
	switch {
	case key == "":
		return "(none)"
	case len(key) <= 8:
		return "****"
	default:
		return key[:3] + "…" + key[len(key)-4:]
	}
}
