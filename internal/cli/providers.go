package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/harun/tronagent/internal/config"
	"github.com/harun/tronagent/pkg/llm"
	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured AI provider profiles",
	Long:  `List the AI provider profiles from the config file. The active profile is marked with *.`,
	RunE:  runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := config.NewStore(cfg)
	if providerFlag != "" {
		if err := store.SetOverride(providerFlag); err != nil {
			return err
		}
	}

	return writeProviders(cmd.OutOrStdout(), cfg, store.ActiveID())
}

func writeProviders(w io.Writer, cfg *config.Config, active string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tPROVIDER\tMODEL\tKEY")
	for _, p := range cfg.AI.Profiles {
		marker := ""
		if strings.EqualFold(p.ID, active) {
			marker = "*"
		}

		key := maskKey(p.APIKey)
		if !llm.RequiresAPIKey(p.ProviderName()) {
			key = "not required"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", marker, p.ID, p.ProviderName(), modelOrDefault(p.Model), key)
	}
	return tw.Flush()
}
