package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/harun/tronagent/pkg/agent"
	"github.com/harun/tronagent/pkg/llm"
	"github.com/harun/tronagent/pkg/session"
	"github.com/spf13/cobra"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long: `Start an interactive chat with the TRON assistant.
Each line is one turn; steps are printed as they happen. With --session the
conversation is stored and resumed across runs.

Commands: /tools lists the tools, /clear forgets the conversation, /exit quits.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "persist the conversation under this session key")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	persist := chatSession != ""
	sessionKey := "cli:chat"
	if persist {
		if err := session.ValidateKey(chatSession); err != nil {
			return err
		}
		sessionKey = chatSession
	}

	a, err := newApp(cmd, appOptions{connect: true, provider: true, sessions: persist})
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	provider, _ := a.store.Active()
	fmt.Fprintf(out, "Connected to %s (%d tools), provider %s/%s.\n",
		a.store.Get().MCP.Endpoint, a.tools.GetToolCount(), provider.Provider, provider.Model)
	if persist {
		fmt.Fprintf(out, "Session: %s\n", sessionKey)
	}
	fmt.Fprintln(out, "Type /exit to quit.")

	var history []llm.Message
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/tools":
			printToolList(out, a.tools.ListTools())
			continue
		case "/clear":
			history = nil
			if persist {
				if err := a.sessions.DeleteSession(cmd.Context(), sessionKey); err != nil {
					fmt.Fprintf(out, "failed to clear session: %v\n", err)
				}
			}
			fmt.Fprintln(out, "Conversation cleared.")
			continue
		}

		result, err := a.runTurn(cmd.Context(), turnRequest{
			SessionKey: sessionKey,
			Prompt:     line,
			History:    history,
			Persist:    persist,
			Steps:      out,
		})
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}

		fmt.Fprintf(out, "\n%s\n", result.Answer)
		printSummary(out, result)
		if result.Err != nil && !errors.Is(result.Err, agent.ErrCancelled) && !errors.Is(result.Err, agent.ErrIterationLimit) {
			fmt.Fprintf(out, "  provider error: %v\n", result.Err)
		}
		fmt.Fprintln(out)

		if !persist {
			history = append(history, result.Messages...)
		}
	}
}

func printToolList(w io.Writer, names []string) {
	if len(names) == 0 {
		fmt.Fprintln(w, "No tools available.")
		return
	}
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", name)
	}
}
