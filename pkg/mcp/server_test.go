package mcp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeToolServer speaks the SSE transport: GET /sse streams events, POST /message receives calls
type fakeToolServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	streams  map[string]chan string
	methods  []string
	requests []map[string]interface{}
	nextSess int
	kill     chan struct{}
	killOnce sync.Once

	// endpointFor builds the endpoint event payload for a session id
	endpointFor func(sessionID string) string
	// handle returns the result or error for a request; respond=false leaves it unanswered
	handle func(method string, params map[string]interface{}) (result interface{}, rpcErr *RPCError, respond bool)
}

func newFakeToolServer(t *testing.T) *fakeToolServer {
	t.Helper()
	fs := &fakeToolServer{
		t:       t,
		streams: make(map[string]chan string),
		kill:    make(chan struct{}),
	}
	fs.endpointFor = func(sessionID string) string {
		return "/message?sessionId=" + sessionID
	}
	fs.handle = fs.defaultHandle

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", fs.handleStream)
	mux.HandleFunc("/message", fs.handleMessage)
	fs.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		fs.killStreams()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeToolServer) url() string {
	return fs.srv.URL + "/sse"
}

func sampleServerTools() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"name":        "get_account_info",
			"description": "Get account info",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"address": map[string]interface{}{"type": "string"},
				},
				"required": []string{"address"},
			},
		},
		{
			"name":        "get_block",
			"description": "Get block by number",
			"inputSchema": map[string]interface{}{"type": "object"},
		},
	}
}

func (fs *fakeToolServer) defaultHandle(method string, params map[string]interface{}) (interface{}, *RPCError, bool) {
	switch method {
	case MethodInitialize:
		return map[string]interface{}{
			"protocolVersion": DefaultProtocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]interface{}{"name": "tron-mcp", "version": "1.0.0"},
		}, nil, true
	case MethodToolsList:
		return map[string]interface{}{"tools": sampleServerTools()}, nil, true
	case MethodToolsCall:
		name, _ := params["name"].(string)
		args, _ := params["arguments"].(map[string]interface{})
		switch name {
		case "get_account_info":
			return map[string]interface{}{
				"content": []map[string]interface{}{{"type": "text", "text": fmt.Sprintf(`{"address":"%v","balance":100}`, args["address"])}},
			}, nil, true
		case "broken":
			return map[string]interface{}{
				"content": []map[string]interface{}{{"type": "text", "text": "account not found"}},
				"isError": true,
			}, nil, true
		case "slow":
			return nil, nil, false
		default:
			return nil, &RPCError{Code: -32602, Message: "unknown tool: " + name}, true
		}
	default:
		return nil, &RPCError{Code: -32601, Message: "method not found"}, true
	}
}

func (fs *fakeToolServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "no flusher", http.StatusInternalServerError)
		return
	}

	fs.mu.Lock()
	fs.nextSess++
	sessionID := fmt.Sprintf("sess-%d", fs.nextSess)
	ch := make(chan string, 64)
	fs.streams[sessionID] = ch
	kill := fs.kill
	fs.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": stream open\n\nevent: endpoint\ndata: %s\n\n", fs.endpointFor(sessionID))
	flusher.Flush()

	for {
		select {
		case frame := <-ch:
			_, _ = io.WriteString(w, frame)
			flusher.Flush()
		case <-kill:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (fs *fakeToolServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	fs.mu.Lock()
	ch, ok := fs.streams[sessionID]
	fs.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var msg map[string]interface{}
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	method, _ := msg["method"].(string)
	fs.mu.Lock()
	if method != "" {
		fs.methods = append(fs.methods, method)
	}
	fs.requests = append(fs.requests, msg)
	fs.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")

	id, hasID := msg["id"]
	if !hasID || method == "" {
		return
	}

	params, _ := msg["params"].(map[string]interface{})
	result, rpcErr, respond := fs.handle(method, params)
	if !respond {
		return
	}

	reply := map[string]interface{}{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		reply["error"] = rpcErr
	} else {
		reply["result"] = result
	}
	data, _ := json.Marshal(reply)
	ch <- "event: message\ndata: " + string(data) + "\n\n"
}

// push sends a raw SSE message frame on a session stream
func (fs *fakeToolServer) push(sessionID, data string) {
	fs.mu.Lock()
	ch := fs.streams[sessionID]
	fs.mu.Unlock()
	ch <- "event: message\ndata: " + data + "\n\n"
}

func (fs *fakeToolServer) killStreams() {
	fs.killOnce.Do(func() { close(fs.kill) })
}

func (fs *fakeToolServer) receivedMethods() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.methods...)
}

func (fs *fakeToolServer) request(i int) map[string]interface{} {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[i]
}
