package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	auditdomain "github.com/shiftmarket/escrow/internal/audit/domain"
)

// @Summary      Get Balance
// @Description  Released earnings available for withdrawal
// @Tags         payouts
// @Produce      json
// @Success      200  {object}  map[string]int64
// @Router       /payouts/balance [get]
func (s *Server) GetBalance(c *gin.Context) {
	workerID, ok := s.userIDFromToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	available, err := s.payoutSvc.AvailableBalance(c.Request.Context(), workerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"available": available}})
}

type requestPayoutRequest struct {
	Amount    int64  `json:"amount"`
	Processor string `json:"processor"`
}

// @Summary      Request Payout
// @Description  Reserve part of the available balance for withdrawal
// @Tags         payouts
// @Accept       json
// @Produce      json
// @Param        request body requestPayoutRequest true "Request Payout Request"
// @Success      200  {object}  payoutdomain.WorkerPayout
// @Router       /payouts/request [post]
func (s *Server) RequestPayout(c *gin.Context) {
	workerID, ok := s.userIDFromToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req requestPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payout, err := s.payoutSvc.RequestPayout(c.Request.Context(), workerID, req.Amount, strings.TrimSpace(req.Processor))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) ProcessPayout(c *gin.Context) {
	payoutID, ok := parseID(c.Param("id"))
	if !ok {
		AbortWithError(c, newValidationError("id", "invalid_payout_id", "payout id is required"))
		return
	}

	payout, err := s.payoutSvc.Process(c.Request.Context(), payoutID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit.Record(c.Request.Context(), auditdomain.ActionPayoutProcess, "payout", payout.ID.String(), map[string]any{
		"status": string(payout.Status),
	})

	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) GetPayout(c *gin.Context) {
	payoutID, ok := parseID(c.Param("id"))
	if !ok {
		AbortWithError(c, newValidationError("id", "invalid_payout_id", "payout id is required"))
		return
	}
	actorID, ok := s.userIDFromToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	payout, err := s.payoutSvc.GetPayout(c.Request.Context(), payoutID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !s.isAdmin(c) && actorID != payout.WorkerID {
		AbortWithError(c, ErrForbidden)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payout})
}
