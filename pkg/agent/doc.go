// Package agent runs single reasoning turns against a tool catalog.
//
// Invariants:
// - Each iteration issues at most one LLM call; a turn issues at most MaxIterations+1.
// - Tool calls of one iteration execute sequentially in request order.
// - Every terminal path yields a non-empty answer and a complete step trace.
// - Open steps are completed in place and re-emitted with the same id.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		Source: agent.StaticSource(llm.ProviderConfig{Provider: "openai", APIKey: key}),
//		Tools:  mcpClient,
//	})
//	result, _ := runner.Run(ctx, agent.RunParams{
//		Prompt: "What is the balance of TXYZ?",
//		Tools:  catalog,
//	})
//	fmt.Println(result.Answer)
package agent
