package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	auditdomain "github.com/shiftmarket/escrow/internal/audit/domain"
	escrowdomain "github.com/shiftmarket/escrow/internal/escrow/domain"
)

type authorizePaymentRequest struct {
	BookingID  string `json:"booking_id"`
	ClientID   string `json:"client_id"`
	WorkerID   string `json:"worker_id"`
	Hours      int64  `json:"hours"`
	HourlyRate int64  `json:"hourly_rate"`
	Currency   string `json:"currency"`
	Processor  string `json:"processor"`
}

// @Summary      Authorize Payment
// @Description  Charge the client for an accepted booking and hold the funds in escrow
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        request body authorizePaymentRequest true "Authorize Payment Request"
// @Success      200  {object}  escrowdomain.Payment
// @Router       /payments/authorize [post]
func (s *Server) AuthorizePayment(c *gin.Context) {
	var req authorizePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	bookingID, ok := parseID(req.BookingID)
	if !ok {
		AbortWithError(c, newValidationError("booking_id", "invalid_booking_id", "booking_id is required"))
		return
	}
	clientID, ok := parseID(req.ClientID)
	if !ok {
		AbortWithError(c, newValidationError("client_id", "invalid_client_id", "client_id is required"))
		return
	}
	workerID, ok := parseID(req.WorkerID)
	if !ok {
		AbortWithError(c, newValidationError("worker_id", "invalid_worker_id", "worker_id is required"))
		return
	}

	payment, err := s.escrowSvc.Authorize(c.Request.Context(), escrowdomain.AuthorizeInput{
		BookingID:  bookingID,
		ClientID:   clientID,
		WorkerID:   workerID,
		Hours:      req.Hours,
		HourlyRate: req.HourlyRate,
		Currency:   strings.TrimSpace(req.Currency),
		Processor:  strings.TrimSpace(req.Processor),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

// @Summary      Release Payment
// @Description  Capture the held funds and credit the worker
// @Tags         payments
// @Produce      json
// @Param        id path string true "Payment ID"
// @Success      200  {object}  escrowdomain.Payment
// @Router       /payments/{id}/release [post]
func (s *Server) ReleasePayment(c *gin.Context) {
	paymentID, ok := parseID(c.Param("id"))
	if !ok {
		AbortWithError(c, newValidationError("id", "invalid_payment_id", "payment id is required"))
		return
	}
	actorID, ok := s.userIDFromToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	payment, err := s.escrowSvc.Release(c.Request.Context(), paymentID, actorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

type refundPaymentRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

// @Summary      Refund Payment
// @Description  Return held or released funds to the client; amount zero refunds the remainder
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        request body refundPaymentRequest true "Refund Payment Request"
// @Success      200  {object}  escrowdomain.Payment
// @Router       /payments/refund [post]
func (s *Server) RefundPayment(c *gin.Context) {
	var req refundPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	paymentID, ok := parseID(req.PaymentID)
	if !ok {
		AbortWithError(c, newValidationError("payment_id", "invalid_payment_id", "payment_id is required"))
		return
	}
	actorID, ok := s.userIDFromToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	payment, err := s.escrowSvc.Refund(c.Request.Context(), escrowdomain.RefundInput{
		PaymentID: paymentID,
		ActorID:   actorID,
		Amount:    req.Amount,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit.Record(c.Request.Context(), auditdomain.ActionPaymentRefund, "payment", payment.ID.String(), map[string]any{
		"amount": req.Amount,
		"reason": strings.TrimSpace(req.Reason),
	})

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) GetPayment(c *gin.Context) {
	paymentID, ok := parseID(c.Param("id"))
	if !ok {
		AbortWithError(c, newValidationError("id", "invalid_payment_id", "payment id is required"))
		return
	}
	actorID, ok := s.userIDFromToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	payment, err := s.escrowSvc.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !s.isAdmin(c) && actorID != payment.ClientID && actorID != payment.WorkerID {
		AbortWithError(c, ErrForbidden)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) isAdmin(c *gin.Context) bool {
	value, ok := c.Get(contextRoleKey)
	if !ok {
		return false
	}
	role, _ := value.(string)
	return role == "admin"
}

func parseID(raw string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
