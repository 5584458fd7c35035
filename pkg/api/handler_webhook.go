package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mobilityone/whatsagent/pkg/observability"
)

// callbackPayload mirrors the Infobip inbound-message callback. Fields the
// pipeline does not use (to, messageCount, price) are ignored.
type callbackPayload struct {
	Results []callbackResult `json:"results"`
}

type callbackResult struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	MessageID string `json:"messageId"`
}

// handleWhatsApp accepts one callback and enqueues its first result.
// Infobip delivers one message per callback in practice; the results array
// shape is theirs.
func (s *Server) handleWhatsApp(c *gin.Context) {
	var payload callbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.logger.Error("Payload error", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"status": "error"})
		return
	}

	if len(payload.Results) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "detail": "empty"})
		return
	}

	msg := payload.Results[0]
	if msg.From == "" || msg.Text == "" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	streamID, err := s.ingress.EnqueueInbound(c.Request.Context(), msg.From, msg.Text, msg.MessageID)
	if err != nil {
		s.logger.Error("Enqueue failed", "error", err)
		observability.CaptureError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}

	s.logger.Info("Message queued",
		"sender", observability.MaskRecipient(msg.From),
		"stream_id", streamID)
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}
