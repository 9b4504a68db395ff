package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListTransactions returns the caller's money movement statement,
// newest first.
func (s *Server) ListTransactions(c *gin.Context) {
	userID, ok := s.userIDFromToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	records, err := s.ledgerSvc.ListByUser(c.Request.Context(), userID, query.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}
