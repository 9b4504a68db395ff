package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	auditdomain "github.com/shiftmarket/escrow/internal/audit/domain"
	disputedomain "github.com/shiftmarket/escrow/internal/dispute/domain"
	escrowdomain "github.com/shiftmarket/escrow/internal/escrow/domain"
)

type openDisputeRequest struct {
	PaymentID   string `json:"payment_id"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

// @Summary      Open Dispute
// @Description  Freeze a held payment behind a dispute
// @Tags         disputes
// @Accept       json
// @Produce      json
// @Param        request body openDisputeRequest true "Open Dispute Request"
// @Success      200  {object}  disputedomain.Dispute
// @Router       /disputes [post]
func (s *Server) OpenDispute(c *gin.Context) {
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	paymentID, ok := parseID(req.PaymentID)
	if !ok {
		AbortWithError(c, newValidationError("payment_id", "invalid_payment_id", "payment_id is required"))
		return
	}
	initiatorID, ok := s.userIDFromToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	dispute, err := s.disputeSvc.Open(c.Request.Context(), disputedomain.OpenInput{
		PaymentID:   paymentID,
		InitiatorID: initiatorID,
		Reason:      strings.TrimSpace(req.Reason),
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": dispute})
}

func (s *Server) ReviewDispute(c *gin.Context) {
	disputeID, ok := parseID(c.Param("id"))
	if !ok {
		AbortWithError(c, newValidationError("id", "invalid_dispute_id", "dispute id is required"))
		return
	}
	reviewerID, ok := s.userIDFromToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	dispute, err := s.disputeSvc.StartReview(c.Request.Context(), disputeID, reviewerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit.Record(c.Request.Context(), auditdomain.ActionDisputeReview, "dispute", dispute.ID.String(), nil)

	c.JSON(http.StatusOK, gin.H{"data": dispute})
}

type resolveDisputeRequest struct {
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

// @Summary      Resolve Dispute
// @Description  Settle a dispute in favor of the worker (release) or the client (refund)
// @Tags         disputes
// @Accept       json
// @Produce      json
// @Param        id path string true "Dispute ID"
// @Param        request body resolveDisputeRequest true "Resolve Dispute Request"
// @Success      200  {object}  disputedomain.Dispute
// @Router       /disputes/{id}/resolve [post]
func (s *Server) ResolveDispute(c *gin.Context) {
	disputeID, ok := parseID(c.Param("id"))
	if !ok {
		AbortWithError(c, newValidationError("id", "invalid_dispute_id", "dispute id is required"))
		return
	}
	resolverID, ok := s.userIDFromToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	outcome := escrowdomain.DisputeOutcome(strings.TrimSpace(req.Outcome))
	if outcome != escrowdomain.OutcomeFavorWorker && outcome != escrowdomain.OutcomeFavorClient {
		AbortWithError(c, newValidationError("outcome", "invalid_outcome", "outcome must be favor_worker or favor_client"))
		return
	}

	dispute, err := s.disputeSvc.Resolve(c.Request.Context(), disputedomain.ResolveInput{
		DisputeID:  disputeID,
		ResolverID: resolverID,
		Outcome:    outcome,
		Notes:      strings.TrimSpace(req.Notes),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit.Record(c.Request.Context(), auditdomain.ActionDisputeResolve, "dispute", dispute.ID.String(), map[string]any{
		"outcome":    string(outcome),
		"payment_id": dispute.PaymentID.String(),
	})

	c.JSON(http.StatusOK, gin.H{"data": dispute})
}

type closeDisputeRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) CloseDispute(c *gin.Context) {
	disputeID, ok := parseID(c.Param("id"))
	if !ok {
		AbortWithError(c, newValidationError("id", "invalid_dispute_id", "dispute id is required"))
		return
	}
	resolverID, ok := s.userIDFromToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req closeDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	dispute, err := s.disputeSvc.Close(c.Request.Context(), disputeID, resolverID, strings.TrimSpace(req.Notes))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit.Record(c.Request.Context(), auditdomain.ActionDisputeClose, "dispute", dispute.ID.String(), map[string]any{
		"payment_id": dispute.PaymentID.String(),
	})

	c.JSON(http.StatusOK, gin.H{"data": dispute})
}

func (s *Server) GetDispute(c *gin.Context) {
	disputeID, ok := parseID(c.Param("id"))
	if !ok {
		AbortWithError(c, newValidationError("id", "invalid_dispute_id", "dispute id is required"))
		return
	}

	dispute, err := s.disputeSvc.GetDispute(c.Request.Context(), disputeID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": dispute})
}
