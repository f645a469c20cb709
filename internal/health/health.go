// Package health serves the liveness endpoint.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger checks the store connection. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker answers /healthz with process uptime and store reachability.
type Checker struct {
	started time.Time
	db      Pinger
	logger  *zap.Logger
}

// New creates a Checker. db may be nil in tests.
func New(db Pinger, logger *zap.Logger) *Checker {
	return &Checker{started: time.Now(), db: db, logger: logger}
}

// Handler returns the /healthz handler. The response is always 200;
// a failing store ping degrades the reported status instead of
// flapping the endpoint, since pollers only parse the body.
func (h *Checker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		if h.db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := h.db.Ping(ctx); err != nil {
				status = "degraded"
				h.logger.Warn("health: store ping failed", zap.Error(err))
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status": status,
			"uptime": fmt.Sprintf("%.0fs", time.Since(h.started).Seconds()),
		})
	}
}
