package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/harun/tronagent/internal/tracing"
	"github.com/harun/tronagent/pkg/agent"
	"github.com/harun/tronagent/pkg/llm"
)

// turnRequest describes one prompt sent from the terminal
type turnRequest struct {
	SessionKey string
	Prompt     string
	History    []llm.Message
	Persist    bool
	Steps      io.Writer // nil hides the trace
}

// runTurn executes one turn. An interrupt while it runs aborts the turn
// instead of killing the process. With Persist the history comes from the
// transcript store and the new messages are appended to it.
func (a *app) runTurn(ctx context.Context, req turnRequest) (*agent.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.filter.CheckPrompt(req.Prompt); err != nil {
		return nil, err
	}
	ctx = tracing.NewRunContext(ctx, req.SessionKey)
	logger := tracing.LoggerFromContext(ctx, a.logger)

	history := req.History
	if req.Persist && a.sessions != nil {
		loaded, err := a.sessions.LoadMessages(ctx, req.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", req.SessionKey, err)
		}
		history = loaded
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-interrupts:
			logger.Info().Msg("Interrupt received, aborting turn")
			_ = a.runner.Abort(req.SessionKey)
		case <-stopWatch:
		}
	}()

	result, err := a.runner.Run(ctx, agent.RunParams{
		Prompt:     req.Prompt,
		SessionKey: req.SessionKey,
		History:    history,
		Tools:      a.tools.Catalog(),
		Wallet:     a.store.Get().WalletContext(),
		OnStep: func(step agent.Step) {
			if req.Steps != nil {
				printStep(req.Steps, step)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	if req.Persist && a.sessions != nil && len(result.Messages) > 0 {
		// A cancelled turn still records what happened
		if err := a.sessions.AppendMessages(tracing.Detach(ctx), req.SessionKey, result.Messages); err != nil {
			logger.Error().Err(err).Msg("Failed to persist transcript")
		}
	}

	return result, nil
}
