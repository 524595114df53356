// Package session persists conversation transcripts as JSONL files, one per session key.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Writes for the same session are serialized.
// - A turn's messages are appended as one batch so tool results stay next to their calls.
//
// Usage:
//
//	mgr, _ := session.New("/tmp/tronagent/sessions")
//	history, _ := mgr.LoadMessages(ctx, "chat:main")
//	result, _ := runner.Run(ctx, agent.RunParams{Prompt: prompt, History: history})
//	_ = mgr.AppendMessages(ctx, "chat:main", result.Messages)
package session
