package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/tronagent/internal/observability"
	"github.com/harun/tronagent/internal/tracing"
	"github.com/harun/tronagent/pkg/llm"
	"github.com/harun/tronagent/pkg/mcp"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds a tool call when the config leaves it unset
const DefaultTimeout = 30 * time.Second

// DefaultMaxOutputBytes caps the text fed back to the model
const DefaultMaxOutputBytes = 32 * 1024

// Backend is the tool provider behind the executor, normally *mcp.Client
type Backend interface {
	Tools() []mcp.Tool
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// Config configures a ToolExecutor
type Config struct {
	Backend        Backend
	Timeout        time.Duration
	Policy         *ToolPolicy
	MaxOutputBytes int
}

// ToolExecutor validates and executes tool calls against the backend catalog
type ToolExecutor struct {
	backend        Backend
	timeout        time.Duration
	policy         *ToolPolicy
	maxOutputBytes int

	mu      sync.RWMutex
	tools   map[string]mcp.Tool
	order   []string
	schemas map[string]*gojsonschema.Schema
}

// New creates a new ToolExecutor
func New(cfg Config) (*ToolExecutor, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("tool backend is required")
	}

	te := &ToolExecutor{
		backend:        cfg.Backend,
		timeout:        cfg.Timeout,
		policy:         cfg.Policy,
		maxOutputBytes: cfg.MaxOutputBytes,
		tools:          make(map[string]mcp.Tool),
		schemas:        make(map[string]*gojsonschema.Schema),
	}
	if te.timeout <= 0 {
		te.timeout = DefaultTimeout
	}
	if te.maxOutputBytes <= 0 {
		te.maxOutputBytes = DefaultMaxOutputBytes
	}

	return te, nil
}

// Refresh rebuilds the allowed tool set and compiles input schemas from the
// backend's cached catalog.
func (te *ToolExecutor) Refresh() error {
	catalog := te.backend.Tools()

	tools := make(map[string]mcp.Tool, len(catalog))
	order := make([]string, 0, len(catalog))
	schemas := make(map[string]*gojsonschema.Schema, len(catalog))
	var failed []string

	for _, tool := range catalog {
		if tool.Name == "" || !te.policy.IsToolAllowed(tool.Name) {
			continue
		}
		if _, dup := tools[tool.Name]; dup {
			log.Warn().Str("tool", tool.Name).Msg("Duplicate tool name in catalog, keeping first")
			continue
		}
		tools[tool.Name] = tool
		order = append(order, tool.Name)

		schema, err := compileSchema(tool.InputSchema)
		if err != nil {
			// The server stays the authority; calls go through unvalidated.
			log.Warn().Str("tool", tool.Name).Err(err).Msg("Invalid input schema")
			failed = append(failed, tool.Name)
			continue
		}
		schemas[tool.Name] = schema
	}

	te.mu.Lock()
	te.tools = tools
	te.order = order
	te.schemas = schemas
	te.mu.Unlock()

	log.Info().Int("tools", len(order)).Int("filtered", len(catalog)-len(order)).Msg("Tool catalog loaded")

	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("invalid input schema for %s", strings.Join(failed, ", "))
	}
	return nil
}

// Catalog returns the allowed tools in the shape providers expect
func (te *ToolExecutor) Catalog() []llm.Tool {
	te.mu.RLock()
	defer te.mu.RUnlock()

	out := make([]llm.Tool, 0, len(te.order))
	for _, name := range te.order {
		tool := te.tools[name]
		out = append(out, llm.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return out
}

// ListTools returns the allowed tool names in catalog order
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return append([]string(nil), te.order...)
}

// GetToolCount returns the number of allowed tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return len(te.order)
}

// CallTool validates the arguments and executes the tool. Policy and schema
// violations are returned as error-flagged results; transport failures and
// timeouts are returned as errors.
func (te *ToolExecutor) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	startTime := time.Now()
	actor := tracing.GetSessionKey(ctx)
	if args == nil {
		args = map[string]interface{}{}
	}

	if !te.policy.IsToolAllowed(name) {
		log.Warn().Str("tool", name).Msg("Tool execution blocked by policy")
		observability.RecordToolAudit(ctx, name, actor, "rejected", map[string]interface{}{"reason": "policy"})
		return mcp.TextResult(fmt.Sprintf("Error: tool '%s' is not allowed", name), true), nil
	}

	te.mu.RLock()
	_, known := te.tools[name]
	schema := te.schemas[name]
	loaded := len(te.tools) > 0
	te.mu.RUnlock()

	if loaded && !known {
		log.Error().Str("tool", name).Msg("Tool not found")
		observability.RecordToolAudit(ctx, name, actor, "rejected", map[string]interface{}{"reason": "unknown"})
		return mcp.TextResult(fmt.Sprintf("Error: tool not found: %s", name), true), nil
	}

	if violations := validateArguments(schema, args); len(violations) > 0 {
		log.Warn().Str("tool", name).Strs("violations", violations).Msg("Parameter validation failed")
		observability.RecordToolAudit(ctx, name, actor, "rejected", map[string]interface{}{"reason": "validation"})
		return mcp.TextResult("Error: invalid arguments: "+strings.Join(violations, "; "), true), nil
	}

	log.Debug().Str("tool", name).Msg("Executing tool")

	timeoutCtx, cancel := context.WithTimeout(ctx, te.timeout)
	defer cancel()

	result, err := te.backend.CallTool(timeoutCtx, name, args)
	duration := time.Since(startTime)

	if err != nil {
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("tool execution timeout after %v: %w", te.timeout, err)
		}
		log.Error().Str("tool", name).Dur("duration", duration).Err(err).Msg("Tool execution failed")
		observability.RecordToolExecution(name, duration, false)
		observability.RecordToolAudit(ctx, name, actor, "failure", map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"error":       err.Error(),
		})
		return nil, err
	}
	if result == nil {
		result = &mcp.CallToolResult{}
	}

	truncated := te.truncateOutput(result)

	log.Debug().
		Str("tool", name).
		Dur("duration", duration).
		Bool("is_error", result.IsError).
		Bool("truncated", truncated).
		Msg("Tool execution completed")

	status := "success"
	if result.IsError {
		status = "failure"
	}
	observability.RecordToolExecution(name, duration, !result.IsError)
	observability.RecordToolAudit(ctx, name, actor, status, map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"truncated":   truncated,
	})

	return result, nil
}

// truncateOutput shortens oversized text content in place
func (te *ToolExecutor) truncateOutput(result *mcp.CallToolResult) bool {
	budget := te.maxOutputBytes
	truncated := false
	for i := range result.Content {
		item := &result.Content[i]
		if item.Type != "text" {
			continue
		}
		if len(item.Text) <= budget {
			budget -= len(item.Text)
			continue
		}
		original := len(item.Text)
		item.Text = item.Text[:budget] + "\n... [output truncated]"
		budget = 0
		truncated = true
		log.Warn().Int("original", original).Int("limit", te.maxOutputBytes).Msg("Output truncated")
	}
	return truncated
}

// compileSchema compiles a catalog input schema. Nil schemas accept any object.
func compileSchema(schema map[string]interface{}) (*gojsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
}

// validateArguments returns one message per schema violation
func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) []string {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		violations = append(violations, verr.String())
	}
	return violations
}
