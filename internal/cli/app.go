package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/tronagent/internal/config"
	"github.com/harun/tronagent/internal/logger"
	"github.com/harun/tronagent/internal/observability"
	"github.com/harun/tronagent/internal/tracing"
	"github.com/harun/tronagent/pkg/agent"
	"github.com/harun/tronagent/pkg/mcp"
	"github.com/harun/tronagent/pkg/moderation"
	"github.com/harun/tronagent/pkg/session"
	"github.com/harun/tronagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const serviceName = "tronagent"

type appOptions struct {
	connect  bool // open the MCP session and load the catalog
	provider bool // fail early when the active profile is unusable
	sessions bool // open the transcript store
	console  bool // mirror logs to stderr
}

// app is the wired runtime shared by the commands
type app struct {
	cfg      *config.Config
	loader   *config.Loader
	store    *config.Store
	log      *logger.Logger
	logger   zerolog.Logger
	registry *mcp.Registry
	backend  *registryBackend
	tools    *toolexecutor.ToolExecutor
	runner   *agent.Runner
	sessions *session.SessionManager
	filter   *moderation.ContentFilter
}

func newApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	explicitLevel := cmd.Flags().Changed("log-level")
	if explicitLevel {
		level = logLevel
	}
	lg, err := logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   opts.console || explicitLevel,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Output:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		cfg:    cfg,
		loader: loader,
		store:  config.NewStore(cfg),
		log:    lg,
		logger: lg.GetZerolog(),
	}

	if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
		a.logger.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Audit log unavailable")
	}

	var otelOpts []tracing.Option
	if cfg.Telemetry.OTLPEndpoint != "" {
		otelOpts = append(otelOpts, tracing.WithOTLPEndpoint(cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Headers))
		if strings.EqualFold(cfg.Telemetry.Protocol, "grpc") {
			otelOpts = append(otelOpts, tracing.WithGRPC())
		}
	}
	if err := tracing.InitOpenTelemetry(serviceName, otelOpts...); err != nil {
		a.logger.Warn().Err(err).Msg("Tracing disabled")
	}

	if providerFlag != "" {
		if err := a.store.SetOverride(providerFlag); err != nil {
			a.close()
			return nil, err
		}
	}

	if opts.provider {
		check := *cfg
		check.AI.Active = a.store.ActiveID()
		if err := check.Validate(); err != nil {
			a.close()
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	a.filter, err = moderation.New(cfg.Moderation)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("invalid moderation config: %w", err)
	}

	a.registry = mcp.NewRegistry(a.newMCPClient)
	a.backend = &registryBackend{
		registry: a.registry,
		endpoint: func() string { return a.store.Get().MCP.Endpoint },
	}

	a.tools, err = toolexecutor.New(toolexecutor.Config{
		Backend:        a.backend,
		Timeout:        cfg.Tools.TimeoutDuration(),
		Policy:         &toolexecutor.ToolPolicy{Allow: cfg.Tools.Allow, Deny: cfg.Tools.Deny},
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if opts.connect {
		if err := a.connect(cmd.Context()); err != nil {
			a.close()
			return nil, err
		}
	}

	a.runner, err = agent.NewRunner(agent.Config{
		Source:        a.store,
		Tools:         a.tools,
		Logger:        a.logger,
		MaxIterations: cfg.Agent.MaxIterations,
		SystemPrompt:  cfg.Agent.SystemPrompt,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if opts.sessions {
		a.sessions, err = session.New(cfg.Sessions.Dir)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to open sessions: %w", err)
		}
	}

	return a, nil
}

func (a *app) newMCPClient(endpoint string) *mcp.Client {
	cfg := a.store.Get().MCP
	logger := a.logger.With().Str("component", "mcp").Logger()
	return mcp.NewClient(mcp.Config{
		Endpoint:       endpoint,
		Headers:        cfg.Headers,
		RequestTimeout: cfg.RequestTimeoutDuration(),
		ConnectTimeout: cfg.ConnectTimeoutDuration(),
		ClientName:     serviceName,
		ClientVersion:  version,
		Logger:         &logger,
	})
}

// connect opens the session for the configured endpoint and reloads the catalog
func (a *app) connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := a.store.Get().MCP.Endpoint
	if _, err := a.registry.Switch(ctx, endpoint); err != nil {
		return fmt.Errorf("failed to connect to tool server %s: %w", endpoint, err)
	}
	if err := a.tools.Refresh(); err != nil {
		a.logger.Warn().Err(err).Msg("Some tools will be called without argument validation")
	}
	return nil
}

func (a *app) close() {
	if a.registry != nil {
		a.registry.CloseAll()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("Tracer shutdown failed")
	}

	_ = observability.GetAuditLogger().Close()
	_ = a.log.Close()
}

// registryBackend resolves the configured endpoint on every use so a config
// reload that moves the tool server takes effect on the next call.
type registryBackend struct {
	registry *mcp.Registry
	endpoint func() string
}

func (b *registryBackend) Tools() []mcp.Tool {
	client, ok := b.registry.Get(b.endpoint())
	if !ok {
		return nil
	}
	return client.Tools()
}

// CallTool reconnects a dropped session before calling
func (b *registryBackend) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	client, err := b.registry.Acquire(ctx, b.endpoint())
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, name, args)
}

func (b *registryBackend) client() (*mcp.Client, bool) {
	return b.registry.Get(b.endpoint())
}
