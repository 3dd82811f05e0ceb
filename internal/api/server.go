// Package api exposes the webhook intake and the management HTTP surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signalcore/internal/engine"
	"signalcore/pkg/config"
	"signalcore/pkg/db"
)

// Server owns the HTTP surface.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	store  *db.Database
	logger *zap.Logger

	httpServer *http.Server
}

// NewServer wires routes onto a gin engine.
func NewServer(cfg *config.Config, eng *engine.Engine, store *db.Database, logger *zap.Logger) *Server {
	s := &Server{cfg: cfg, engine: eng, store: store, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger), RateLimitMiddleware())

	r.GET("/health", s.health)
	r.POST("/webhook", s.handleWebhook)
	r.POST("/api/auth/login", s.login)

	authed := r.Group("/api", AuthMiddleware(cfg.JWTSecret))
	{
		authed.GET("/status", s.status)

		authed.GET("/bots", s.listBots)
		authed.POST("/bots", s.createBot)
		authed.PATCH("/bots/:id/active", s.setBotActive)
		authed.POST("/bots/:id/accounts", s.bindAccount)
		authed.DELETE("/bots/:id/accounts/:accountID", s.unbindAccount)
		authed.GET("/bots/:id/trades", s.listTrades)

		authed.GET("/accounts", s.listAccounts)
		authed.POST("/accounts", s.createAccount)
		authed.PUT("/accounts/:id/keys", s.updateAccountKeys)
		authed.PATCH("/accounts/:id/active", s.setAccountActive)
		authed.POST("/accounts/:id/close-all", s.closeAll)
		authed.GET("/accounts/:id/positions/:symbol", s.livePosition)
	}

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	stats := s.engine.SessionStats()
	c.JSON(http.StatusOK, gin.H{
		"sessions":    stats.Total,
		"max_size":    stats.MaxSize,
		"by_exchange": stats.ByExchange,
		"unhealthy":   stats.Unhealthy,
	})
}
