package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	auditdomain "github.com/shiftmarket/escrow/internal/audit/domain"
)

// @Summary      List Audit Logs
// @Description  Privileged actions taken against payments, disputes and payouts
// @Tags         audit
// @Produce      json
// @Param        action query string false "Action filter"
// @Param        target_type query string false "Target type filter"
// @Param        target_id query string false "Target id filter"
// @Success      200  {array}  auditdomain.AuditLog
// @Router       /audit [get]
func (s *Server) ListAuditLogs(c *gin.Context) {
	filter := auditdomain.ListFilter{
		Action:     strings.TrimSpace(c.Query("action")),
		TargetType: strings.TrimSpace(c.Query("target_type")),
		TargetID:   strings.TrimSpace(c.Query("target_id")),
		ActorID:    strings.TrimSpace(c.Query("actor_id")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	entries, err := s.audit.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}
