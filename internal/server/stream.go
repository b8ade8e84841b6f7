package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// handleStream pushes entity-change events for one kind over Server-Sent Events, with
// periodic heartbeats so idle proxies keep the connection open.
func (h *httpHandler) handleStream(c *gin.Context) {
	entitySchema, ok := h.lookupSchema(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, entitySchema.Kind)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	actor := actorFromContext(c)
	h.logger.Debug("realtime stream opened", zap.String("kind", entitySchema.Kind.String()), zap.String("actor_id", actor.ID))
	defer h.logger.Debug("realtime stream closed", zap.String("kind", entitySchema.Kind.String()), zap.String("actor_id", actor.ID))

	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-messages:
			if !open {
				return
			}
			c.SSEvent(message.EventType, message.Change)
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Timestamp: tick.UTC()})
			c.Writer.Flush()
		}
	}
}
