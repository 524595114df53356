package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools offered by the tool server",
	Long:  `Connect to the configured MCP tool server and print the tools the agent may call.`,
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print the catalog with input schemas as JSON")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, appOptions{connect: true})
	if err != nil {
		return err
	}
	defer a.close()

	catalog := a.tools.Catalog()
	out := cmd.OutOrStdout()

	if toolsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(catalog)
	}

	if len(catalog) == 0 {
		fmt.Fprintln(out, "No tools available.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, tool := range catalog {
		fmt.Fprintf(tw, "%s\t%s\n", tool.Name, preview(tool.Description))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d tool(s) from %s\n", len(catalog), a.store.Get().MCP.Endpoint)
	return nil
}
