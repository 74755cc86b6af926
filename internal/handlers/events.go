package handlers

import (
	"io"

	"github.com/gin-gonic/gin"
)

// @Summary      Event stream (SSE)
// @Description  text/event-stream of the same events as /ws; the SSE event name is the event type and data is the JSON event.
// @Tags         events
// @Produce      text/event-stream
// @Router       /events [get]
func (h *Handler) streamEvents(c *gin.Context) {
	sub := h.services.Events.Subscribe()
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}
