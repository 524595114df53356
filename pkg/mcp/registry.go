package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ClientFactory builds an unconnected client for an endpoint
type ClientFactory func(endpoint string) *Client

// Registry owns at most one session per endpoint
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
	factory ClientFactory
}

// NewRegistry creates a registry. A nil factory uses NewClient with defaults.
func NewRegistry(factory ClientFactory) *Registry {
	if factory == nil {
		factory = func(endpoint string) *Client {
			return NewClient(Config{Endpoint: endpoint})
		}
	}
	return &Registry{
		clients: make(map[string]*Client),
		factory: factory,
	}
}

// Acquire returns the connected client for endpoint, connecting it if needed
func (r *Registry) Acquire(ctx context.Context, endpoint string) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[endpoint]
	if ok && client.IsConnected() {
		return client, nil
	}
	if !ok {
		client = r.factory(endpoint)
		r.clients[endpoint] = client
	}

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Switch makes endpoint the only connected session, closing every other one
func (r *Registry) Switch(ctx context.Context, endpoint string) (*Client, error) {
	r.mu.Lock()
	for ep, client := range r.clients {
		if ep == endpoint {
			continue
		}
		_ = client.Disconnect()
		delete(r.clients, ep)
	}
	r.mu.Unlock()

	return r.Acquire(ctx, endpoint)
}

// Get returns the client for endpoint without connecting
func (r *Registry) Get(endpoint string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[endpoint]
	return client, ok
}

// Release disconnects and forgets the client for endpoint
func (r *Registry) Release(endpoint string) error {
	r.mu.Lock()
	client, ok := r.clients[endpoint]
	delete(r.clients, endpoint)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return client.Disconnect()
}

// CloseAll disconnects every client
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, client := range clients {
		_ = client.Disconnect()
	}
}

// Endpoints lists the known endpoints
func (r *Registry) Endpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.clients))
	for ep := range r.clients {
		out = append(out, ep)
	}
	sort.Strings(out)
	return out
}
