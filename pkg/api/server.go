// Package api is the webhook ingress: a small gin service that authenticates
// Infobip callbacks, applies a per-IP rate limit, and hands valid messages to
// the inbound stream. All conversational work happens in the worker; the
// webhook only validates and enqueues.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mobilityone/whatsagent/pkg/config"
	"github.com/mobilityone/whatsagent/pkg/kv"
	"github.com/mobilityone/whatsagent/pkg/observability"
)

// Ingress is the queue slice the webhook needs. *queue.Service satisfies it.
type Ingress interface {
	EnqueueInbound(ctx context.Context, sender, text, messageID string) (string, error)
}

// Server handles webhook traffic for one Infobip account.
type Server struct {
	ingress Ingress
	limiter *kv.RateLimiter
	secret  string
	env     config.AppEnv
	logger  *slog.Logger

	http *http.Server
}

// NewServer wires the webhook service. limiter may be nil to disable
// per-IP throttling (tests).
func NewServer(ingress Ingress, limiter *kv.RateLimiter, secret string, env config.AppEnv, addr string) *Server {
	s := &Server{
		ingress: ingress,
		limiter: limiter,
		secret:  secret,
		env:     env,
		logger:  slog.Default().With("component", "webhook"),
	}
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	return s
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	if !s.env.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	hooks := r.Group("/webhook")
	hooks.Use(s.verifySignature(), s.rateLimit())
	hooks.POST("/whatsapp", s.handleWhatsApp)

	return r
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("Webhook service listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
