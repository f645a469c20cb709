package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/forwardmx/dnscheck/internal/checker/model"
	"github.com/forwardmx/dnscheck/internal/checker/repository"
	"github.com/forwardmx/dnscheck/internal/checker/service"
	"github.com/forwardmx/dnscheck/pkg/domain"
)

// RequestHandler handles validation request intake.
type RequestHandler struct {
	intake *service.IntakeService
	logger *zap.Logger
}

// NewRequestHandler creates a RequestHandler.
func NewRequestHandler(intake *service.IntakeService, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{intake: intake, logger: logger}
}

// Register mounts the intake routes.
func (h *RequestHandler) Register(r gin.IRoutes) {
	r.POST("/request/email", h.SubmitEmail)
	r.POST("/request/ui", h.SubmitUI)
}

// SubmitEmail handles POST /request/email.
//
// Request body: {"target": "example.com"} — no other keys accepted.
// Responds 200 with status ACTIVE when the immediate check passes,
// 202 with status PENDING otherwise.
func (h *RequestHandler) SubmitEmail(c *gin.Context) {
	target, ok := h.bindTarget(c)
	if !ok {
		return
	}

	req, err := h.intake.Submit(c.Request.Context(), target)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTarget):
			respondError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrServerBusy):
			respondError(c, http.StatusServiceUnavailable, "server_busy")
		case errors.Is(err, service.ErrCooldown):
			respondError(c, http.StatusTooManyRequests, "target is in cooldown window")
		case errors.Is(err, repository.ErrDuplicateRequest):
			respondError(c, http.StatusConflict,
				fmt.Sprintf("Duplicate request for %s %s", model.TypeEmail, target))
		default:
			h.logger.Error("submit request", zap.String("target", target), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	status := http.StatusAccepted
	if req.Status == model.StatusActive {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"id":         req.ID,
		"target":     req.Target,
		"type":       req.Type,
		"status":     req.Status,
		"expires_at": req.ExpiresAt,
	})
}

// SubmitUI handles POST /request/ui. The UI validation flow is
// retired; the route stays registered so old clients get an explicit
// 410 instead of a generic 404.
func (h *RequestHandler) SubmitUI(c *gin.Context) {
	c.JSON(http.StatusGone, gin.H{
		"error":   "endpoint_removed",
		"message": "UI validation requests are no longer accepted; use /request/email",
	})
}

// bindTarget enforces the strict single-key body shape.
func (h *RequestHandler) bindTarget(c *gin.Context) (string, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, http.StatusBadRequest, "unreadable request body")
		return "", false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		respondError(c, http.StatusBadRequest, "request body must be a JSON object")
		return "", false
	}
	raw, ok := fields["target"]
	if !ok || len(fields) != 1 {
		respondError(c, http.StatusBadRequest, "request body must contain exactly the target field")
		return "", false
	}

	var target string
	if err := json.Unmarshal(raw, &target); err != nil {
		respondError(c, http.StatusBadRequest, "target must be a string")
		return "", false
	}
	return target, true
}
