package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus is what /health reports.
type HealthStatus struct {
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp"`
	UptimeSec   int64  `json:"uptime_seconds"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
}

// ConnectionCounter is satisfied by the websocket server.
type ConnectionCounter interface {
	ConnectionCount() int
}

// SessionCounter reports live sessions; backed by the session repository.
type SessionCounter func(ctx context.Context) (int, error)

type HealthHandler struct {
	started     time.Time
	connections ConnectionCounter
	sessions    SessionCounter
	storeCheck  func(ctx context.Context) error
}

func NewHealthHandler(connections ConnectionCounter, sessions SessionCounter, storeCheck func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{
		started:     time.Now(),
		connections: connections,
		sessions:    sessions,
		storeCheck:  storeCheck,
	}
}

func (h *HealthHandler) Handle(c *gin.Context) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		UptimeSec: int64(time.Since(h.started).Seconds()),
	}

	httpStatus := http.StatusOK
	if h.storeCheck != nil {
		if err := h.storeCheck(c.Request.Context()); err != nil {
			status.Status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	if h.connections != nil {
		status.Connections = h.connections.ConnectionCount()
	}
	if h.sessions != nil {
		if n, err := h.sessions(c.Request.Context()); err == nil {
			status.Sessions = n
		}
	}

	c.JSON(httpStatus, status)
}
