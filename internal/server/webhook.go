package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// HandleWebhook ingests a processor delivery. The body is read raw so
// the signature check sees exactly the bytes the rail signed. Any
// verified event answers 200, including duplicates; rails retry on
// anything else.
func (s *Server) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	rail := c.Param("processor")
	if err := s.webhookSvc.Ingest(c.Request.Context(), rail, payload, c.Request.Header); err != nil {
		s.log.Warn("webhook rejected",
			zap.String("rail", rail),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
