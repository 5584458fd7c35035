package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mobilityone/whatsagent/pkg/security"
)

// maxBodyBytes caps the callback body; Infobip text payloads are tiny.
const maxBodyBytes = 1 << 20

// verifySignature authenticates the raw request body against the Infobip
// HMAC header before any JSON parsing happens. Outside production a missing
// header passes with a warning, so local tunnels can deliver unsigned
// callbacks; a present-but-wrong signature is rejected in every environment.
func (s *Server) verifySignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		header := c.GetHeader(security.SignatureHeader)
		if header == "" && !s.env.IsProduction() {
			s.logger.Warn("DEV MODE: Skipping signature check (Header missing).")
			c.Next()
			return
		}

		if err := security.Verify(s.secret, header, body); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, security.ErrNoSecret) {
				s.logger.Error("Webhook secret not configured")
				status = http.StatusInternalServerError
			} else {
				s.logger.Error("Rejected callback", "reason", err.Error())
			}
			c.AbortWithStatusJSON(status, gin.H{"detail": err.Error()})
			return
		}
		c.Next()
	}
}

// rateLimit throttles callbacks per client IP. A Redis failure fails open:
// losing the throttle is better than dropping legitimate traffic.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		allowed, err := s.limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			s.logger.Warn("Rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"detail": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
