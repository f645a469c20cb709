// Package handler exposes the HTTP surface: intake, read-only query,
// and the edge middleware (rate limiting, content-type gating, error
// envelope).
package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forwardmx/dnscheck/internal/checker/service"
)

// maxClientErrorLength bounds 4xx messages in the error envelope.
const maxClientErrorLength = 500

// respondError writes the uniform {"error": ...} envelope. 5xx bodies
// never leak internals; 4xx messages are sanitized before leaving the
// process.
func respondError(c *gin.Context, status int, message string) {
	if status >= http.StatusInternalServerError {
		message = "internal_error"
	} else {
		message = service.SanitizeLine(message, maxClientErrorLength)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

// RequireJSON rejects POST bodies that do not declare application/json.
func RequireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		ct := c.GetHeader("Content-Type")
		if mt, _, ok := strings.Cut(ct, ";"); ok {
			ct = mt
		}
		if strings.TrimSpace(strings.ToLower(ct)) != "application/json" {
			respondError(c, http.StatusUnsupportedMediaType, "unsupported_media_type")
			return
		}
		c.Next()
	}
}

// RequestID assigns a uuid to every request and echoes it back.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// SecurityHeaders sets the standard response hardening headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// RequestLogger logs each request with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}
