package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/forwardmx/dnscheck/internal/checker/service"
	"github.com/forwardmx/dnscheck/pkg/domain"
)

// CheckDNSHandler serves the read-only query endpoint used by
// external pollers. It never creates requests or jobs.
type CheckDNSHandler struct {
	query  *service.QueryService
	token  string
	logger *zap.Logger
}

// NewCheckDNSHandler creates a CheckDNSHandler. An empty token leaves
// the endpoint open.
func NewCheckDNSHandler(query *service.QueryService, token string, logger *zap.Logger) *CheckDNSHandler {
	return &CheckDNSHandler{query: query, token: token, logger: logger}
}

// Register mounts the query route.
func (h *CheckDNSHandler) Register(r gin.IRoutes) {
	r.GET("/api/checkdns/:target", h.Lookup)
}

// Lookup handles GET /api/checkdns/:target.
func (h *CheckDNSHandler) Lookup(c *gin.Context) {
	if h.token != "" {
		supplied := c.GetHeader("x-api-key")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(h.token)) != 1 {
			respondError(c, http.StatusUnauthorized, "missing or invalid api key")
			return
		}
	}

	resp, err := h.query.Lookup(c.Request.Context(), c.Param("target"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTarget):
			respondError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrTargetNotFound):
			respondError(c, http.StatusNotFound, "not_found")
		default:
			h.logger.Error("checkdns lookup", zap.Error(err))
			respondError(c, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	c.JSON(http.StatusOK, resp)
}
