package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/harun/tronagent/pkg/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider and tool server status",
	Long:  `Show the active AI provider, check the MCP tool server connection and summarize stored sessions.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	cfg := a.store.Get()

	fmt.Fprintf(out, "Config:   %s\n", a.loader.GetConfigPath())

	if provider, err := a.store.Active(); err != nil {
		fmt.Fprintf(out, "Provider: %s (error: %v)\n", a.store.ActiveID(), err)
	} else {
		fmt.Fprintf(out, "Provider: %s (%s, model %s, key %s)\n",
			a.store.ActiveID(), provider.Provider, modelOrDefault(provider.Model), maskKey(provider.APIKey))
	}

	if wallet := cfg.WalletContext(); wallet != nil {
		fmt.Fprintf(out, "Wallet:   %s on %s\n", wallet.Address, wallet.Network)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout := cfg.MCP.ConnectTimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := a.connect(ctx); err != nil {
		fmt.Fprintf(out, "MCP:      %s unreachable (%v)\n", cfg.MCP.Endpoint, err)
	} else {
		info := ""
		if client, ok := a.backend.client(); ok {
			if si := client.ServerInfo(); si.Name != "" {
				info = fmt.Sprintf(", server %s %s", si.Name, si.Version)
			}
		}
		fmt.Fprintf(out, "MCP:      %s connected (%d tools%s)\n", cfg.MCP.Endpoint, a.tools.GetToolCount(), info)
	}

	sessions, err := session.New(cfg.Sessions.Dir)
	if err != nil {
		fmt.Fprintf(out, "Sessions: unavailable (%v)\n", err)
		return nil
	}
	return writeSessionSummary(ctx, out, sessions)
}

func writeSessionSummary(ctx context.Context, w io.Writer, sessions *session.SessionManager) error {
	keys, err := sessions.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(keys) == 0 {
		fmt.Fprintf(w, "Sessions: none in %s\n", sessions.Dir())
		return nil
	}

	var newest time.Time
	for _, key := range keys {
		info, err := sessions.GetSessionInfo(ctx, key)
		if err != nil {
			continue
		}
		if info.LastModified.After(newest) {
			newest = info.LastModified
		}
	}

	fmt.Fprintf(w, "Sessions: %d in %s", len(keys), sessions.Dir())
	if !newest.IsZero() {
		fmt.Fprintf(w, ", last active %s ago", formatDuration(time.Since(newest)))
	}
	fmt.Fprintln(w)
	return nil
}

func modelOrDefault(model string) string {
	if model == "" {
		return "(default)"
	}
	return model
}
