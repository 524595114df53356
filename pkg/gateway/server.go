package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tronagent/internal/observability"
	"github.com/harun/tronagent/internal/tracing"
	"github.com/harun/tronagent/pkg/agent"
	"github.com/harun/tronagent/pkg/llm"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 1 << 20
	shutdownWait   = 30 * time.Second
	sessionKeyBase = "ws:"
	defaultMaxRuns = 64
)

// TurnRunner executes agent turns
type TurnRunner interface {
	Run(ctx context.Context, params agent.RunParams) (*agent.RunResult, error)
	Abort(sessionKey string) error
}

// Transcripts persists conversation history between turns
type Transcripts interface {
	LoadMessages(ctx context.Context, sessionKey string) ([]llm.Message, error)
	AppendMessages(ctx context.Context, sessionKey string, messages []llm.Message) error
}

// SessionBrowser is implemented by transcript stores that can enumerate and
// remove sessions. It enables the /sessions routes.
type SessionBrowser interface {
	Transcripts
	ListSessions() ([]string, error)
	DeleteSession(ctx context.Context, sessionKey string) error
}

// PromptFilter screens prompts before a run starts
type PromptFilter interface {
	CheckPrompt(prompt string) error
}

// Config holds server configuration
type Config struct {
	Addr              string
	Runner            TurnRunner
	Sessions          Transcripts
	Tools             func() []llm.Tool
	Wallet            *llm.WalletContext
	Filter            PromptFilter
	SharedSecret      string
	AllowedOrigins    []string
	RunsPerMinute     int
	MaxConcurrentRuns int
	MaxRuns           int // server-wide cap on in-flight runs
	Logger            zerolog.Logger
}

// Server streams agent turns to websocket clients
type Server struct {
	cfg         Config
	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	runPool     *ants.Pool
	logger      zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightRuns   sync.WaitGroup
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("agent runner is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = defaultMaxRuns
	}

	pool, err := ants.NewPool(cfg.MaxRuns, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create run pool: %w", err)
	}

	observability.EnsureRegistered()

	clients := NewClientRegistry()
	return &Server{
		cfg:         cfg,
		clients:     clients,
		authHandler: NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, cfg.Logger),
		runPool:     pool,
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}, nil
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Clients returns information about connected clients
func (s *Server) Clients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

// Shutdown aborts active runs, notifies clients and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	s.broadcaster.Broadcast(EventShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	for _, client := range s.clients.GetAll() {
		for _, key := range client.activeRuns() {
			_ = s.cfg.Runner.Abort(key)
		}
	}

	done := make(chan struct{})
	go func() {
		s.inFlightRuns.Wait()
		close(done)
	}()

	wait := shutdownWait
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight runs completed")
	case <-time.After(wait):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}
	s.runPool.Release()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.authHandler.Authenticate(r) {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Rejected unauthenticated connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := newClient(clientID, conn, r.RemoteAddr, NewClientRateLimiter(s.cfg.RunsPerMinute, s.cfg.MaxConcurrentRuns))

	s.clients.Add(client)
	observability.AddGatewayConnections(1)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client)
}

// handleClient reads frames until the connection drops
func (s *Server) handleClient(client *Client) {
	stopPing := make(chan struct{})
	defer func() {
		close(stopPing)
		for _, key := range client.activeRuns() {
			_ = s.cfg.Runner.Abort(key)
		}
		client.Conn.Close()
		s.clients.Remove(client.ID)
		observability.AddGatewayConnections(-1)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(maxFrameBytes)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go s.keepAlive(client, stopPing)

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

func (s *Server) keepAlive(client *Client, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			client.writeMu.Lock()
			err := client.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			client.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one client frame
func (s *Server) handleMessage(client *Client, message []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.sendError(client, "", "", CodeInvalidFrame, "invalid JSON frame")
		return
	}

	switch frame.Type {
	case FrameRun:
		s.startRun(client, frame)
	case FrameCancel:
		s.cancelRun(client, frame)
	case FrameTools:
		var tools []llm.Tool
		if s.cfg.Tools != nil {
			tools = s.cfg.Tools()
		}
		s.send(client, ServerFrame{Event: EventTools, Data: tools})
	case FramePing:
		s.send(client, ServerFrame{Event: EventPong})
	default:
		s.sendError(client, "", frame.SessionKey, CodeUnknownType, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (s *Server) sessionKey(client *Client, requested string) string {
	if key := strings.TrimSpace(requested); key != "" {
		return key
	}
	return sessionKeyBase + client.ID
}

func (s *Server) startRun(client *Client, frame ClientFrame) {
	sessionKey := s.sessionKey(client, frame.SessionKey)

	if strings.TrimSpace(frame.Prompt) == "" {
		s.sendError(client, "", sessionKey, CodeInvalidParams, "prompt is required")
		return
	}
	if s.shuttingDown() {
		s.sendError(client, "", sessionKey, CodeShuttingDown, "server is shutting down")
		return
	}
	if s.cfg.Filter != nil {
		if err := s.cfg.Filter.CheckPrompt(frame.Prompt); err != nil {
			s.logger.Warn().Str("clientId", client.ID).Str("session_key", sessionKey).Msg("Prompt blocked")
			s.sendError(client, "", sessionKey, CodeBlocked, err.Error())
			return
		}
	}
	if ok, reason := client.RateLimiter.Acquire(); !ok {
		s.sendError(client, "", sessionKey, CodeRateLimited, reason)
		return
	}

	runID, _ := gonanoid.New()
	if !client.trackRun(sessionKey, runID) {
		client.RateLimiter.Release()
		s.sendError(client, "", sessionKey, CodeSessionBusy, "session already has an active run")
		return
	}

	wallet := frame.Wallet
	if wallet == nil {
		wallet = s.cfg.Wallet
	}

	s.inFlightRuns.Add(1)
	err := s.runPool.Submit(func() {
		defer s.inFlightRuns.Done()
		defer client.RateLimiter.Release()
		defer client.untrackRun(sessionKey)

		s.executeRun(client, runID, sessionKey, frame.Prompt, wallet)
	})
	if err != nil {
		s.inFlightRuns.Done()
		client.RateLimiter.Release()
		client.untrackRun(sessionKey)
		code, message := CodeServerBusy, "server is at capacity"
		if errors.Is(err, ants.ErrPoolClosed) {
			code, message = CodeShuttingDown, "server is shutting down"
		}
		s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Run rejected by pool")
		s.sendError(client, "", sessionKey, code, message)
	}
}

// executeRun drives one turn and streams its steps. The run context is not
// tied to the connection; runs end through Runner.Abort.
func (s *Server) executeRun(client *Client, runID, sessionKey, prompt string, wallet *llm.WalletContext) {
	ctx := tracing.WithRunID(tracing.NewRequestContext(context.Background()), runID)
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(ctx, "tronagent.gateway", "gateway.run",
		attribute.String("run_id", runID),
		attribute.String("session_key", sessionKey),
		attribute.String("client_id", client.ID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)

	var history []llm.Message
	if s.cfg.Sessions != nil {
		loaded, err := s.cfg.Sessions.LoadMessages(ctx, sessionKey)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load transcript")
			s.sendError(client, runID, sessionKey, CodeTranscriptFailure, err.Error())
			return
		}
		history = loaded
	}

	var tools []llm.Tool
	if s.cfg.Tools != nil {
		tools = s.cfg.Tools()
	}

	var seq int64
	var seqMu sync.Mutex
	nextSeq := func() int64 {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return seq
	}

	result, err := s.cfg.Runner.Run(ctx, agent.RunParams{
		Prompt:     prompt,
		SessionKey: sessionKey,
		History:    history,
		Tools:      tools,
		Wallet:     wallet,
		OnStep: func(step agent.Step) {
			s.send(client, ServerFrame{
				Event:      EventStep,
				RunID:      runID,
				SessionKey: sessionKey,
				Seq:        nextSeq(),
				Data:       step,
			})
		},
	})
	if err != nil {
		code := CodeInvalidParams
		if errors.Is(err, agent.ErrSessionBusy) {
			code = CodeSessionBusy
		}
		logger.Warn().Err(err).Msg("Run rejected")
		s.sendError(client, runID, sessionKey, code, err.Error())
		return
	}

	if s.cfg.Sessions != nil && len(result.Messages) > 0 {
		if err := s.cfg.Sessions.AppendMessages(ctx, sessionKey, result.Messages); err != nil {
			logger.Error().Err(err).Msg("Failed to persist transcript")
		}
	}

	final := ServerFrame{
		Event:      EventResult,
		RunID:      runID,
		SessionKey: sessionKey,
		Seq:        nextSeq(),
		Data:       result,
	}
	if result.Err != nil {
		final.Error = result.Err.Error()
	}
	s.send(client, final)
}

func (s *Server) cancelRun(client *Client, frame ClientFrame) {
	sessionKey := s.sessionKey(client, frame.SessionKey)

	client.runsMu.Lock()
	runID, ok := client.runs[sessionKey]
	client.runsMu.Unlock()
	if !ok {
		s.sendError(client, "", sessionKey, CodeNotRunning, "no active run for session")
		return
	}

	if err := s.cfg.Runner.Abort(sessionKey); err != nil {
		s.sendError(client, runID, sessionKey, CodeNotRunning, err.Error())
		return
	}

	s.logger.Info().Str("run_id", runID).Str("session_key", sessionKey).Msg("Run cancelled by client")
}

func (s *Server) send(client *Client, frame ServerFrame) {
	if err := client.WriteFrame(frame); err != nil {
		s.logger.Debug().Err(err).Str("clientId", client.ID).Str("event", frame.Event).Msg("Failed to send frame")
	}
}

func (s *Server) sendError(client *Client, runID, sessionKey, code, message string) {
	s.send(client, ServerFrame{
		Event:      EventError,
		RunID:      runID,
		SessionKey: sessionKey,
		Code:       code,
		Error:      message,
	})
}
