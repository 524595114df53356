package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tronagent/pkg/llm"
)

// Client frame types
const (
	FrameRun    = "run"
	FrameCancel = "cancel"
	FrameTools  = "tools"
	FramePing   = "ping"
)

// Server event names
const (
	EventStep     = "step"
	EventResult   = "result"
	EventError    = "error"
	EventTools    = "tools"
	EventPong     = "pong"
	EventShutdown = "server.shutdown"
)

// Error codes carried in error frames
const (
	CodeInvalidFrame      = "invalid_frame"
	CodeInvalidParams     = "invalid_params"
	CodeSessionBusy       = "session_busy"
	CodeRateLimited       = "rate_limited"
	CodeUnknownType       = "unknown_type"
	CodeNotRunning        = "not_running"
	CodeShuttingDown      = "shutting_down"
	CodeTranscriptFailure = "transcript_failure"
	CodeBlocked           = "blocked"
	CodeServerBusy        = "server_busy"
)

// ClientFrame is a message sent by a websocket client
type ClientFrame struct {
	Type       string             `json:"type"`
	SessionKey string             `json:"session_key,omitempty"`
	Prompt     string             `json:"prompt,omitempty"`
	Wallet     *llm.WalletContext `json:"wallet,omitempty"`
}

// ServerFrame is a message sent to a websocket client
type ServerFrame struct {
	Event      string      `json:"event"`
	RunID      string      `json:"run_id,omitempty"`
	SessionKey string      `json:"session_key,omitempty"`
	Seq        int64       `json:"seq,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Code       string      `json:"code,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  int64       `json:"timestamp"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	ActiveRuns   int       `json:"activeRuns"`
	Idle         bool      `json:"idle"`
}

// Client represents a connected WebSocket client
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	writeMu sync.Mutex

	runsMu sync.Mutex
	runs   map[string]string // session key -> run id
}

func newClient(id string, conn *websocket.Conn, ip string, limiter *ClientRateLimiter) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    ip,
		RateLimiter:  limiter,
		runs:         make(map[string]string),
	}
}

// WriteFrame serializes one frame. gorilla/websocket allows a single
// concurrent writer, so run goroutines share this lock.
func (c *Client) WriteFrame(frame ServerFrame) error {
	if frame.Timestamp == 0 {
		frame.Timestamp = time.Now().UnixMilli()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteJSON(frame)
}

func (c *Client) trackRun(sessionKey, runID string) bool {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	if _, busy := c.runs[sessionKey]; busy {
		return false
	}
	c.runs[sessionKey] = runID
	return true
}

func (c *Client) untrackRun(sessionKey string) {
	c.runsMu.Lock()
	delete(c.runs, sessionKey)
	c.runsMu.Unlock()
}

func (c *Client) activeRuns() []string {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	keys := make([]string, 0, len(c.runs))
	for key := range c.runs {
		keys = append(keys, key)
	}
	return keys
}
