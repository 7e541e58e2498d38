package live

import (
	"log/slog"
)

// Broadcaster fans a message out to every live connection of a user.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
}

// NewBroadcaster returns a broadcaster delivering through registry.
func NewBroadcaster(registry *Registry, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broadcaster{registry: registry, logger: logger}
}

// Broadcast queues msg on every open connection of userID and returns how
// many accepted it. Connections that are closed or refuse the frame are
// skipped. Nothing is retried.
func (b *Broadcaster) Broadcast(userID string, msg Message) int {
	frame, err := msg.Encode()
	if err != nil {
		b.logger.Error("failed to encode message", "type", msg.Type, "error", err)
		return 0
	}

	delivered := 0
	b.registry.ForEachConnection(userID, func(c Conn) {
		if err := c.Send(frame); err != nil {
			b.logger.Debug("dropping message for connection",
				"type", msg.Type, "user_id", userID, "connection_id", c.ID(), "error", err)
			return
		}
		delivered++
	})
	return delivered
}
