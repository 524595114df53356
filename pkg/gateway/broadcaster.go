package gateway

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// EventBroadcaster sends server-wide events to every connected client
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all clients and returns how many received it
func (b *EventBroadcaster) Broadcast(event string, data interface{}) int {
	frame := ServerFrame{
		Event: event,
		Data:  data,
		Seq:   b.nextSeq(),
	}

	clients := b.clients.GetAll()
	if len(clients) == 0 {
		b.logger.Debug().Str("event", event).Msg("No clients to broadcast to")
		return 0
	}

	delivered := 0
	for _, client := range clients {
		if err := client.WriteFrame(frame); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", event).
				Msg("Failed to broadcast to client")
			continue
		}
		delivered++
	}

	b.logger.Debug().
		Str("event", event).
		Int64("seq", frame.Seq).
		Int("success", delivered).
		Int("failed", len(clients)-delivered).
		Msg("Event broadcast complete")

	return delivered
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
