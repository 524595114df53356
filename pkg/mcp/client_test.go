package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *zerolog.Logger {
	l := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
	return &l
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c := NewClient(Config{
		Endpoint:       endpoint,
		RequestTimeout: 2 * time.Second,
		ConnectTimeout: 2 * time.Second,
		Logger:         testLogger(),
	})
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}

func TestClient_Connect(t *testing.T) {
	t.Run("should perform handshake in order", func(t *testing.T) {
		fs := newFakeToolServer(t)
		c := newTestClient(t, fs.url())

		require.NoError(t, c.Connect(context.Background()))

		assert.True(t, c.IsConnected())
		assert.Equal(t, "sess-1", c.SessionID())
		assert.Equal(t, []string{MethodInitialize, MethodInitialized, MethodToolsList}, fs.receivedMethods())

		init := fs.request(0)
		params := init["params"].(map[string]interface{})
		assert.Equal(t, DefaultProtocolVersion, params["protocolVersion"])
		assert.Equal(t, "tronagent", params["clientInfo"].(map[string]interface{})["name"])
		assert.Equal(t, float64(1), init["id"])

		notification := fs.request(1)
		_, hasID := notification["id"]
		assert.False(t, hasID, "initialized notification must not carry an id")

		assert.Equal(t, "tron-mcp", c.ServerInfo().Name)
		assert.Equal(t, []string{"get_account_info", "get_block"}, toolNames(c.Tools()))
	})

	t.Run("should accept absolute endpoint with session_id parameter", func(t *testing.T) {
		fs := newFakeToolServer(t)
		fs.endpointFor = func(sessionID string) string {
			return fs.srv.URL + "/message?session_id=" + sessionID
		}
		c := newTestClient(t, fs.url())

		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, "sess-1", c.SessionID())
	})

	t.Run("should fail with connection error on bad stream status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL+"/sse")
		err := c.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, IsConnectionError(err))
		assert.False(t, c.IsConnected())
	})

	t.Run("should fail when stream ends before endpoint event", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL+"/sse")
		err := c.Connect(context.Background())
		assert.True(t, IsConnectionError(err))
	})

	t.Run("should fail when endpoint has no session id", func(t *testing.T) {
		fs := newFakeToolServer(t)
		fs.endpointFor = func(string) string { return "/message" }
		c := newTestClient(t, fs.url())

		err := c.Connect(context.Background())
		assert.True(t, IsConnectionError(err))
		assert.Empty(t, c.SessionID())
	})

	t.Run("should fail when handshake is rejected", func(t *testing.T) {
		fs := newFakeToolServer(t)
		fs.handle = func(method string, params map[string]interface{}) (interface{}, *RPCError, bool) {
			return nil, &RPCError{Code: -32600, Message: "unsupported protocol"}, true
		}
		c := newTestClient(t, fs.url())

		err := c.Connect(context.Background())
		require.Error(t, err)
		var connErr *ConnectionError
		require.True(t, errors.As(err, &connErr))
		assert.Equal(t, MethodInitialize, connErr.Op)
		var rpcErr *RPCError
		assert.True(t, errors.As(err, &rpcErr))
		assert.False(t, c.IsConnected())
	})

	t.Run("should tear down previous session on reconnect", func(t *testing.T) {
		fs := newFakeToolServer(t)
		c := newTestClient(t, fs.url())

		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Connect(context.Background()))

		assert.Equal(t, "sess-2", c.SessionID())
		result, err := c.CallTool(context.Background(), "get_account_info", map[string]interface{}{"address": "T1"})
		require.NoError(t, err)
		assert.False(t, result.IsError)

		c.mu.Lock()
		pending := len(c.sess.pending)
		c.mu.Unlock()
		assert.Equal(t, 0, pending)
	})
}

func TestClient_ListTools(t *testing.T) {
	t.Run("should return identical name sets when called twice", func(t *testing.T) {
		fs := newFakeToolServer(t)
		c := newTestClient(t, fs.url())
		require.NoError(t, c.Connect(context.Background()))

		first, err := c.ListTools(context.Background())
		require.NoError(t, err)
		second, err := c.ListTools(context.Background())
		require.NoError(t, err)

		assert.Equal(t, toolNames(first), toolNames(second))
		assert.Equal(t, "object", first[0].InputSchema["type"])
	})

	t.Run("should follow pagination cursor", func(t *testing.T) {
		fs := newFakeToolServer(t)
		fs.handle = func(method string, params map[string]interface{}) (interface{}, *RPCError, bool) {
			if method != MethodToolsList {
				return fs.defaultHandle(method, params)
			}
			if params["cursor"] == "page2" {
				return map[string]interface{}{"tools": []map[string]interface{}{{"name": "b"}}}, nil, true
			}
			return map[string]interface{}{"tools": []map[string]interface{}{{"name": "a"}}, "nextCursor": "page2"}, nil, true
		}
		c := newTestClient(t, fs.url())
		require.NoError(t, c.Connect(context.Background()))

		assert.Equal(t, []string{"a", "b"}, toolNames(c.Tools()))
	})

	t.Run("should fail when not connected", func(t *testing.T) {
		c := NewClient(Config{Endpoint: "http://127.0.0.1:1/sse"})
		_, err := c.ListTools(context.Background())
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestClient_CallTool(t *testing.T) {
	fs := newFakeToolServer(t)
	c := newTestClient(t, fs.url())
	require.NoError(t, c.Connect(context.Background()))

	t.Run("should return successful content", func(t *testing.T) {
		result, err := c.CallTool(context.Background(), "get_account_info", map[string]interface{}{"address": "TXYZ"})
		require.NoError(t, err)
		assert.False(t, result.IsError)
		assert.Equal(t, `{"address":"TXYZ","balance":100}`, result.Text())
	})

	t.Run("should surface soft failure in payload", func(t *testing.T) {
		result, err := c.CallTool(context.Background(), "broken", nil)
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Equal(t, "account not found", result.Text())
	})

	t.Run("should surface hard failure as rpc error", func(t *testing.T) {
		_, err := c.CallTool(context.Background(), "missing", nil)
		var rpcErr *RPCError
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, -32602, rpcErr.Code)
	})

	t.Run("should send empty arguments object for nil args", func(t *testing.T) {
		_, err := c.CallTool(context.Background(), "broken", nil)
		require.NoError(t, err)
		methods := fs.receivedMethods()
		last := fs.request(len(methods) - 1)
		args := last["params"].(map[string]interface{})["arguments"]
		assert.Equal(t, map[string]interface{}{}, args)
	})

	t.Run("should honor caller context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.CallTool(ctx, "slow", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestClient_RequestTimeout(t *testing.T) {
	fs := newFakeToolServer(t)
	c := NewClient(Config{Endpoint: fs.url(), RequestTimeout: 100 * time.Millisecond, Logger: testLogger()})
	t.Cleanup(func() { _ = c.Disconnect() })
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.CallTool(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestClient_InboundMessages(t *testing.T) {
	t.Run("should drop malformed messages and keep serving", func(t *testing.T) {
		fs := newFakeToolServer(t)
		c := newTestClient(t, fs.url())
		require.NoError(t, c.Connect(context.Background()))

		fs.push(c.SessionID(), "{not json")
		fs.push(c.SessionID(), `{"jsonrpc":"2.0","id":999,"result":{}}`)

		result, err := c.CallTool(context.Background(), "get_account_info", map[string]interface{}{"address": "T1"})
		require.NoError(t, err)
		assert.False(t, result.IsError)
		assert.True(t, c.IsConnected())
	})

	t.Run("should fail a call promptly when its response cannot be decoded", func(t *testing.T) {
		fs := newFakeToolServer(t)
		c := NewClient(Config{Endpoint: fs.url(), RequestTimeout: 5 * time.Second, Logger: testLogger()})
		t.Cleanup(func() { _ = c.Disconnect() })
		require.NoError(t, c.Connect(context.Background()))

		errCh := make(chan error, 1)
		go func() {
			_, err := c.CallTool(context.Background(), "slow", nil)
			errCh <- err
		}()

		var id interface{}
		require.Eventually(t, func() bool {
			fs.mu.Lock()
			defer fs.mu.Unlock()
			last := fs.requests[len(fs.requests)-1]
			if last["method"] != MethodToolsCall {
				return false
			}
			id = last["id"]
			return true
		}, 2*time.Second, 10*time.Millisecond)

		fs.push(c.SessionID(), fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"error":"boom"}`, id))

		select {
		case err := <-errCh:
			var rpcErr *RPCError
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, codeParseError, rpcErr.Code)
			assert.NotErrorIs(t, err, ErrRequestTimeout)
		case <-time.After(2 * time.Second):
			t.Fatal("call still waiting after an undecodable response")
		}

		c.mu.Lock()
		assert.Empty(t, c.sess.pending)
		c.mu.Unlock()
	})

	t.Run("should dispatch notifications to subscribers", func(t *testing.T) {
		fs := newFakeToolServer(t)
		c := newTestClient(t, fs.url())
		require.NoError(t, c.Connect(context.Background()))

		received := make(chan Notification, 4)
		unsubscribe := c.Subscribe(func(n Notification) { received <- n })
		defer unsubscribe()

		fs.push(c.SessionID(), `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

		select {
		case n := <-received:
			assert.Equal(t, "notifications/tools/list_changed", n.Method)
		case <-time.After(2 * time.Second):
			t.Fatal("notification not delivered")
		}
	})

	t.Run("should stop delivering after unsubscribe", func(t *testing.T) {
		fs := newFakeToolServer(t)
		c := newTestClient(t, fs.url())
		require.NoError(t, c.Connect(context.Background()))

		received := make(chan Notification, 4)
		unsubscribe := c.Subscribe(func(n Notification) { received <- n })
		unsubscribe()

		fs.push(c.SessionID(), `{"jsonrpc":"2.0","method":"notifications/message"}`)
		_, err := c.CallTool(context.Background(), "get_account_info", map[string]interface{}{"address": "T1"})
		require.NoError(t, err)
		assert.Len(t, received, 0)
	})
}

func TestClient_Disconnect(t *testing.T) {
	t.Run("should release waiting callers and clear state", func(t *testing.T) {
		fs := newFakeToolServer(t)
		c := newTestClient(t, fs.url())
		require.NoError(t, c.Connect(context.Background()))

		errCh := make(chan error, 1)
		go func() {
			_, err := c.CallTool(context.Background(), "slow", nil)
			errCh <- err
		}()

		require.Eventually(t, func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.sess != nil && len(c.sess.pending) == 1
		}, time.Second, 10*time.Millisecond)

		require.NoError(t, c.Disconnect())

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrSessionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call not released")
		}

		assert.False(t, c.IsConnected())
		assert.Empty(t, c.SessionID())
		assert.Empty(t, c.Tools())

		_, err := c.CallTool(context.Background(), "get_account_info", nil)
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("should be a no-op when never connected", func(t *testing.T) {
		c := NewClient(Config{Endpoint: "http://127.0.0.1:1/sse"})
		assert.NoError(t, c.Disconnect())
	})

	t.Run("should mark session dead when stream drops", func(t *testing.T) {
		fs := newFakeToolServer(t)
		c := newTestClient(t, fs.url())
		require.NoError(t, c.Connect(context.Background()))

		fs.killStreams()

		require.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 10*time.Millisecond)
		_, err := c.CallTool(context.Background(), "get_account_info", nil)
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestResolveMessageEndpoint(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantURL string
		wantID  string
		wantErr bool
	}{
		{"relative path", "/message?sessionId=abc", "http://host:3001/message?sessionId=abc", "abc", false},
		{"absolute url", "http://other:9000/msg?session_id=xyz", "http://other:9000/msg?session_id=xyz", "xyz", false},
		{"quoted", `"/message?sessionId=q"`, "http://host:3001/message?sessionId=q", "q", false},
		{"missing id", "/message", "", "", true},
		{"empty", "  ", "", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotURL, gotID, err := resolveMessageEndpoint("http://host:3001/sse", tc.raw)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantURL, gotURL)
			assert.Equal(t, tc.wantID, gotID)
		})
	}
}

func TestCallToolResult_Text(t *testing.T) {
	result := &CallToolResult{Content: []Content{
		{Type: "text", Text: "line one"},
		{Type: "image", Data: "aGVsbG8=", MimeType: "image/png"},
		{Type: "text", Text: "line two"},
	}}
	assert.Equal(t, "line one\n[image content]\nline two", result.Text())

	var nilResult *CallToolResult
	assert.Equal(t, "", nilResult.Text())
}
