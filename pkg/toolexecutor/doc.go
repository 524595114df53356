// Package toolexecutor fronts a remote tool provider for the agent loop.
//
// Invariants:
// - Arguments are validated against the tool's input schema before the call leaves the process.
// - Validation and policy failures are soft: they come back as error-flagged results.
// - Every call is bounded by the executor timeout.
//
// Usage:
//
//	exec, _ := toolexecutor.New(toolexecutor.Config{Backend: mcpClient})
//	_ = exec.Refresh()
//	res, err := exec.CallTool(ctx, "get_account_info", map[string]interface{}{"address": "T..."})
package toolexecutor
