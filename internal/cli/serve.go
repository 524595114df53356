package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/tronagent/internal/config"
	"github.com/harun/tronagent/pkg/gateway"
	"github.com/harun/tronagent/pkg/session"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket gateway",
	Long: `Serve agent turns over WebSocket at /ws, with /healthz and /metrics.
The config file is watched; provider and tool server changes apply to the next turn.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from gateway.host and gateway.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, appOptions{connect: true, provider: true, sessions: true, console: true})
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := a.store.Get()

	cleanup := session.NewCleanup(a.sessions, cfg.Sessions.CleanupAge(), cfg.Sessions.MaxMessages)
	if err := cleanup.SetSchedule(cfg.Sessions.CleanupSchedule); err != nil {
		return err
	}
	if err := cleanup.Start(); err != nil {
		return fmt.Errorf("failed to start session cleanup: %w", err)
	}
	defer cleanup.Stop()

	endpoint := cfg.MCP.Endpoint
	a.store.OnChange(func(next *config.Config) {
		if next.MCP.Endpoint == endpoint {
			return
		}
		endpoint = next.MCP.Endpoint
		if err := a.connect(ctx); err != nil {
			a.logger.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to switch tool server")
			return
		}
		a.logger.Info().Str("endpoint", endpoint).Int("tools", a.tools.GetToolCount()).Msg("Switched tool server")
	})

	watcher := config.NewWatcher(a.loader, a.store, a.logger)
	if err := watcher.Start(); err != nil {
		a.logger.Warn().Err(err).Msg("Config hot reload disabled")
	} else {
		defer watcher.Stop()
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Gateway.Addr()
	}

	server, err := gateway.NewServer(gateway.Config{
		Addr:              addr,
		Runner:            a.runner,
		Sessions:          a.sessions,
		Tools:             a.tools.Catalog,
		Wallet:            cfg.WalletContext(),
		Filter:            a.filter,
		SharedSecret:      cfg.Gateway.SharedSecret,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		RunsPerMinute:     cfg.Gateway.RunsPerMinute,
		MaxConcurrentRuns: cfg.Gateway.MaxConcurrentRuns,
		MaxRuns:           cfg.Gateway.MaxRuns,
		Logger:            a.logger.With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on ws://%s/ws\n", server.Addr())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
