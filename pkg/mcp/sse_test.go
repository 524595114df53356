package mcp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSSE(t *testing.T) {
	t.Run("should parse named and default events", func(t *testing.T) {
		stream := ": comment\n\nevent: endpoint\ndata: /message?sessionId=1\n\ndata: {\"id\":1}\n\n"
		var events []sseEvent
		err := readSSE(strings.NewReader(stream), func(ev sseEvent) { events = append(events, ev) })
		require.NoError(t, err)

		require.Len(t, events, 2)
		assert.Equal(t, "endpoint", events[0].Event)
		assert.Equal(t, "/message?sessionId=1", events[0].Data)
		assert.Equal(t, "message", events[1].Event)
		assert.Equal(t, `{"id":1}`, events[1].Data)
	})

	t.Run("should join multi-line data and handle CRLF", func(t *testing.T) {
		stream := "id: 7\r\ndata: first\r\ndata: second\r\n\r\n"
		var events []sseEvent
		require.NoError(t, readSSE(strings.NewReader(stream), func(ev sseEvent) { events = append(events, ev) }))

		require.Len(t, events, 1)
		assert.Equal(t, "first\nsecond", events[0].Data)
		assert.Equal(t, "7", events[0].ID)
	})

	t.Run("should dispatch trailing event without final blank line", func(t *testing.T) {
		var events []sseEvent
		require.NoError(t, readSSE(strings.NewReader("data: tail"), func(ev sseEvent) { events = append(events, ev) }))
		require.Len(t, events, 1)
		assert.Equal(t, "tail", events[0].Data)
	})

	t.Run("should skip events without data", func(t *testing.T) {
		var events []sseEvent
		require.NoError(t, readSSE(strings.NewReader("event: ping\n\n"), func(ev sseEvent) { events = append(events, ev) }))
		assert.Empty(t, events)
	})
}
