package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var askShowSteps bool

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question",
	Long: `Run one agent turn and print the answer.
Tool calls are made against the configured TRON tool server.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askShowSteps, "steps", false, "print the step trace to stderr")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, appOptions{connect: true, provider: true})
	if err != nil {
		return err
	}
	defer a.close()

	req := turnRequest{
		SessionKey: "cli:ask",
		Prompt:     strings.Join(args, " "),
	}
	if askShowSteps {
		req.Steps = cmd.ErrOrStderr()
	}

	result, err := a.runTurn(cmd.Context(), req)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.Answer)
	if askShowSteps {
		printSummary(cmd.ErrOrStderr(), result)
	}
	return nil
}
