package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"appforge/internal/agents"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API sits behind the platform gateway, which enforces origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// StreamRunEvents upgrades to a websocket and relays the run's live event
// stream: stage transitions, command output, deferrals, and errors. The
// connection closes when the run reaches a terminal stage.
func (h *Handler) StreamRunEvents(c *gin.Context) {
	runID := c.Param("id")

	run, err := h.runner.Run(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, agents.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found", "code": "RUN_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run", "code": "DATABASE_ERROR"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := h.bus.Subscribe(runID)
	defer cancel()

	// Drain client frames so pong handling and close detection work.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Re-read the stage now that the subscription exists. A run that
	// finished between the first load and Subscribe would otherwise never
	// emit a terminal event to this connection.
	if current, err := h.runner.Run(c.Request.Context(), runID); err == nil {
		run = current
	}

	// Already-terminal runs get a single snapshot frame.
	if run.Stage.Terminal() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(gin.H{"run_id": run.ID, "stage": run.Stage, "kind": "stage", "message": "run already finished"})
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Kind == "stage" && (ev.Stage == "done" || ev.Stage == "error") {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
