package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(func(endpoint string) *Client {
		return NewClient(Config{Endpoint: endpoint, RequestTimeout: 2 * time.Second, Logger: testLogger()})
	})
}

func TestRegistry(t *testing.T) {
	t.Run("should reuse the connected session per endpoint", func(t *testing.T) {
		fs := newFakeToolServer(t)
		r := newTestRegistry()
		defer r.CloseAll()

		first, err := r.Acquire(context.Background(), fs.url())
		require.NoError(t, err)
		second, err := r.Acquire(context.Background(), fs.url())
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, "sess-1", second.SessionID())
	})

	t.Run("should reconnect a dropped session", func(t *testing.T) {
		fs := newFakeToolServer(t)
		r := newTestRegistry()
		defer r.CloseAll()

		client, err := r.Acquire(context.Background(), fs.url())
		require.NoError(t, err)
		require.NoError(t, client.Disconnect())

		again, err := r.Acquire(context.Background(), fs.url())
		require.NoError(t, err)
		assert.True(t, again.IsConnected())
		assert.Equal(t, "sess-2", again.SessionID())
	})

	t.Run("should close other endpoints on switch", func(t *testing.T) {
		a := newFakeToolServer(t)
		b := newFakeToolServer(t)
		r := newTestRegistry()
		defer r.CloseAll()

		clientA, err := r.Acquire(context.Background(), a.url())
		require.NoError(t, err)

		clientB, err := r.Switch(context.Background(), b.url())
		require.NoError(t, err)

		assert.True(t, clientB.IsConnected())
		assert.False(t, clientA.IsConnected())
		assert.Empty(t, clientA.Tools())
		assert.Equal(t, []string{b.url()}, r.Endpoints())
	})

	t.Run("should release an endpoint", func(t *testing.T) {
		fs := newFakeToolServer(t)
		r := newTestRegistry()

		client, err := r.Acquire(context.Background(), fs.url())
		require.NoError(t, err)
		require.NoError(t, r.Release(fs.url()))

		assert.False(t, client.IsConnected())
		_, ok := r.Get(fs.url())
		assert.False(t, ok)
	})

	t.Run("should reject empty endpoint", func(t *testing.T) {
		_, err := newTestRegistry().Acquire(context.Background(), "")
		assert.Error(t, err)
	})
}
