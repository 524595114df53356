package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harun/tronagent/internal/observability"
	"github.com/harun/tronagent/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// Config holds session client configuration
type Config struct {
	// Endpoint is the SSE stream URL, e.g. http://localhost:3001/sse
	Endpoint        string
	HTTPClient      *http.Client
	Headers         map[string]string
	RequestTimeout  time.Duration
	ConnectTimeout  time.Duration
	ClientName      string
	ClientVersion   string
	ProtocolVersion string
	Logger          *zerolog.Logger
}

// session is the state of one connected lifetime
type session struct {
	id         string
	messageURL string
	alive      bool
	nextID     int64
	pending    map[int64]chan *rpcResponse
	cancel     context.CancelFunc
	done       chan struct{}
}

// Client talks to a tool provider over an SSE push channel and POSTed JSON-RPC calls
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger

	mu         sync.Mutex
	sess       *session
	tools      []Tool
	serverInfo ServerInfo

	subMu       sync.RWMutex
	subscribers map[int]func(Notification)
	nextSub     int
}

// NewClient creates a new session client. Nothing is opened until Connect.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "tronagent"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "0.1.0"
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client timeout: the stream is long-lived, calls are bounded per request.
		httpClient = &http.Client{}
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Client{
		cfg:         cfg,
		httpClient:  httpClient,
		logger:      logger.With().Str("component", "mcp").Str("endpoint", cfg.Endpoint).Logger(),
		subscribers: make(map[int]func(Notification)),
	}
}

// Endpoint returns the configured stream URL
func (c *Client) Endpoint() string {
	return c.cfg.Endpoint
}

// Connect opens the stream and runs the handshake: endpoint event, initialize,
// notifications/initialized, tools/list. A previous session is torn down first.
func (c *Client) Connect(ctx context.Context) error {
	_ = c.Disconnect()

	ctx, span := tracing.StartSpan(ctx, "tronagent.mcp", "mcp.connect",
		attribute.String("mcp.endpoint", c.cfg.Endpoint),
	)
	defer span.End()

	if err := c.connect(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.SetMCPConnected(c.cfg.Endpoint, false)
		return err
	}

	observability.SetMCPConnected(c.cfg.Endpoint, true)
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	connectCtx, cancelConnect := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancelConnect()

	streamCtx, cancelStream := context.WithCancel(context.Background())
	// Until the endpoint event arrives, giving up on connect also aborts the stream.
	stopAbort := context.AfterFunc(connectCtx, cancelStream)

	fail := func(op string, err error) error {
		stopAbort()
		cancelStream()
		return &ConnectionError{Endpoint: c.cfg.Endpoint, Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.cfg.Endpoint, nil)
	if err != nil {
		return fail("open stream", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail("open stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return fail("open stream", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	s := &session{
		pending: make(map[int64]chan *rpcResponse),
		cancel:  cancelStream,
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	endpointCh := make(chan string, 1)
	streamErr := make(chan error, 1)
	go c.readStream(s, resp.Body, endpointCh, streamErr)

	var rawEndpoint string
	select {
	case rawEndpoint = <-endpointCh:
	case err := <-streamErr:
		c.dropSession(s)
		return fail("await endpoint", err)
	case <-connectCtx.Done():
		c.dropSession(s)
		return fail("await endpoint", connectCtx.Err())
	}
	stopAbort()

	messageURL, sessionID, err := resolveMessageEndpoint(c.cfg.Endpoint, rawEndpoint)
	if err != nil {
		c.dropSession(s)
		return fail("endpoint event", err)
	}

	c.mu.Lock()
	s.id = sessionID
	s.messageURL = messageURL
	s.alive = true
	c.mu.Unlock()

	c.logger.Debug().Str("session_id", sessionID).Msg("MCP session established")

	if err := c.initialize(connectCtx); err != nil {
		c.dropSession(s)
		return &ConnectionError{Endpoint: c.cfg.Endpoint, Op: MethodInitialize, Err: err}
	}
	if err := c.notify(connectCtx, MethodInitialized, nil); err != nil {
		c.dropSession(s)
		return &ConnectionError{Endpoint: c.cfg.Endpoint, Op: MethodInitialized, Err: err}
	}
	if _, err := c.ListTools(connectCtx); err != nil {
		c.dropSession(s)
		return &ConnectionError{Endpoint: c.cfg.Endpoint, Op: MethodToolsList, Err: err}
	}

	c.logger.Info().
		Str("session_id", sessionID).
		Str("server", c.ServerInfo().Name).
		Int("tools", len(c.Tools())).
		Msg("Connected to MCP server")
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": c.cfg.ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    c.cfg.ClientName,
			"version": c.cfg.ClientVersion,
		},
	}
	resp, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return err
	}

	var result initializeResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("decode initialize result: %w", err)
		}
	}

	c.mu.Lock()
	c.serverInfo = ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Capabilities:    result.Capabilities,
	}
	c.mu.Unlock()
	return nil
}

// ListTools runs discovery, replaces the cached catalog and returns it
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var (
		tools  []Tool
		cursor string
	)
	for {
		var params interface{}
		if cursor != "" {
			params = map[string]interface{}{"cursor": cursor}
		}
		resp, err := c.call(ctx, MethodToolsList, params)
		if err != nil {
			return nil, err
		}

		var page listToolsResult
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
		tools = append(tools, page.Tools...)

		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	return copyTools(tools), nil
}

// Tools returns the cached catalog
func (c *Client) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyTools(c.tools)
}

// CallTool invokes a tool. A tool-reported failure comes back as IsError on the
// result; a returned error means the call itself failed.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallToolResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	resp, err := c.call(ctx, MethodToolsCall, map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &result, nil
}

// Disconnect closes the stream and clears the session. Callers still waiting
// on a response are released with ErrSessionClosed.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	c.dropSession(s)
	observability.SetMCPConnected(c.cfg.Endpoint, false)
	c.logger.Debug().Msg("MCP session closed")
	return nil
}

func (c *Client) dropSession(s *session) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.tools = nil
	c.serverInfo = ServerInfo{}
	pending := len(s.pending)
	s.pending = make(map[int64]chan *rpcResponse)
	s.nextID = 0
	s.alive = false
	s.id = ""
	c.mu.Unlock()

	if pending > 0 {
		observability.AddMCPPending(-pending)
	}
	close(s.done)
	s.cancel()
}

// IsConnected reports whether the session is live
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.alive
}

// SessionID returns the current session identifier, or "" when disconnected
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// ServerInfo returns what the server reported during initialize
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Subscribe registers fn for inbound messages that do not answer a pending request
func (c *Client) Subscribe(fn func(Notification)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subscribers, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	c.mu.Lock()
	s := c.sess
	if s == nil || !s.alive || s.id == "" {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.nextID++
	id := s.nextID
	ch := make(chan *rpcResponse, 1)
	s.pending[id] = ch
	messageURL := s.messageURL
	done := s.done
	c.mu.Unlock()
	observability.AddMCPPending(1)

	start := time.Now()
	defer func() {
		c.mu.Lock()
		if _, ok := s.pending[id]; ok {
			delete(s.pending, id)
			c.mu.Unlock()
			observability.AddMCPPending(-1)
			return
		}
		c.mu.Unlock()
	}()

	req := rpcRequest{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
		ID:      &id,
	}
	if err := c.post(ctx, s, messageURL, req); err != nil {
		observability.RecordMCPRequest(method, time.Since(start), false)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			observability.RecordMCPRequest(method, time.Since(start), false)
			return nil, resp.Error
		}
		observability.RecordMCPRequest(method, time.Since(start), true)
		return resp, nil
	case <-done:
		observability.RecordMCPRequest(method, time.Since(start), false)
		return nil, ErrSessionClosed
	case <-ctx.Done():
		observability.RecordMCPRequest(method, time.Since(start), false)
		return nil, ctx.Err()
	case <-timer.C:
		observability.RecordMCPRequest(method, time.Since(start), false)
		return nil, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	}
}

func (c *Client) notify(ctx context.Context, method string, params interface{}) error {
	c.mu.Lock()
	s := c.sess
	if s == nil || !s.alive {
		c.mu.Unlock()
		return ErrNotConnected
	}
	messageURL := s.messageURL
	c.mu.Unlock()

	return c.post(ctx, s, messageURL, rpcRequest{JSONRPC: JSONRPCVersion, Method: method, Params: params})
}

func (c *Client) post(ctx context.Context, s *session, messageURL string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	postCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, messageURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	tracing.InjectHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	// Some servers answer inline instead of over the stream.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(bytes.TrimSpace(body)) > 0 {
		c.dispatch(s, body)
	}
	return nil
}

func (c *Client) readStream(s *session, body io.ReadCloser, endpointCh chan<- string, streamErr chan<- error) {
	defer body.Close()

	gotEndpoint := false
	err := readSSE(body, func(ev sseEvent) {
		switch ev.Event {
		case "endpoint":
			if !gotEndpoint {
				gotEndpoint = true
				endpointCh <- ev.Data
			}
		case "message":
			c.dispatch(s, []byte(ev.Data))
		default:
			c.logger.Debug().Str("event", ev.Event).Msg("Ignoring SSE event")
		}
	})
	if err == nil {
		err = io.EOF
	}

	if !gotEndpoint {
		streamErr <- err
		return
	}

	select {
	case <-s.done:
		// torn down by Disconnect
		return
	default:
	}

	c.mu.Lock()
	if c.sess == s {
		s.alive = false
	}
	c.mu.Unlock()
	observability.SetMCPConnected(c.cfg.Endpoint, false)
	c.logger.Warn().Err(err).Msg("MCP stream terminated")
}

// dispatch routes an inbound JSON-RPC message to its pending caller or to subscribers.
// Malformed data is logged and dropped.
func (c *Client) dispatch(s *session, data []byte) {
	if !gjson.ValidBytes(data) {
		c.logger.Error().Str("data", truncate(string(data), 200)).Msg("Dropping malformed MCP message")
		return
	}

	parsed := gjson.ParseBytes(data)
	if parsed.IsArray() {
		for _, item := range parsed.Array() {
			c.dispatch(s, []byte(item.Raw))
		}
		return
	}
	if !parsed.IsObject() {
		c.logger.Error().Str("data", truncate(string(data), 200)).Msg("Dropping non-object MCP message")
		return
	}

	idField := parsed.Get("id")
	isResponse := idField.Exists() && (parsed.Get("result").Exists() || parsed.Get("error").Exists())
	if isResponse {
		if id, ok := parseID(idField); ok {
			var resp rpcResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				c.logger.Error().Err(err).Int64("id", id).Msg("Failed to unmarshal MCP response")
				// The caller still gets an answer instead of waiting for its timeout
				resp = rpcResponse{
					JSONRPC: JSONRPCVersion,
					ID:      json.RawMessage(idField.Raw),
					Error:   &RPCError{Code: codeParseError, Message: "invalid response: " + err.Error()},
				}
			}

			c.mu.Lock()
			ch, found := s.pending[id]
			if found {
				delete(s.pending, id)
			}
			c.mu.Unlock()

			if found {
				observability.AddMCPPending(-1)
				ch <- &resp
				return
			}
		}
	}

	method := parsed.Get("method").String()
	if method == MethodPing && idField.Exists() {
		c.answerPing(s, json.RawMessage(idField.Raw))
		return
	}

	note := Notification{Method: method, Raw: append(json.RawMessage(nil), data...)}
	if params := parsed.Get("params"); params.Exists() {
		note.Params = json.RawMessage(params.Raw)
	}

	c.subMu.RLock()
	subs := make([]func(Notification), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range subs {
		fn(note)
	}
}

func (c *Client) answerPing(s *session, id json.RawMessage) {
	c.mu.Lock()
	messageURL := s.messageURL
	alive := s.alive
	c.mu.Unlock()
	if !alive {
		return
	}

	reply := map[string]interface{}{
		"jsonrpc": JSONRPCVersion,
		"id":      id,
		"result":  map[string]interface{}{},
	}
	go func() {
		if err := c.post(context.Background(), s, messageURL, reply); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to answer ping")
		}
	}()
}

func parseID(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Int(), true
	case gjson.String:
		var id int64
		if _, err := fmt.Sscanf(v.Str, "%d", &id); err == nil {
			return id, true
		}
	}
	return 0, false
}

// resolveMessageEndpoint turns the endpoint event payload into an absolute
// message URL and extracts the session id from its query.
func resolveMessageEndpoint(streamURL, raw string) (string, string, error) {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" {
		return "", "", errors.New("empty endpoint event")
	}

	base, err := url.Parse(streamURL)
	if err != nil {
		return "", "", fmt.Errorf("parse stream url: %w", err)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	resolved := base.ResolveReference(ref)

	query := resolved.Query()
	sessionID := query.Get("sessionId")
	if sessionID == "" {
		sessionID = query.Get("session_id")
	}
	if sessionID == "" {
		return "", "", fmt.Errorf("endpoint %q carries no session id", raw)
	}
	return resolved.String(), sessionID, nil
}

func copyTools(tools []Tool) []Tool {
	if tools == nil {
		return nil
	}
	out := make([]Tool, len(tools))
	copy(out, tools)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
