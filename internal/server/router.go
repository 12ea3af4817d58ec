package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/auth"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/gateway"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/handler"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/middleware"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/presence"
)

type Deps struct {
	Log         *zap.Logger
	TokenConfig auth.TokenConfig
	Gateway     *gateway.Server
	Presence    *presence.Manager
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true, "sessions": deps.Gateway.SessionCount()})
	})

	// Socket.IO endpoint; the client connects to either path.
	wsHandler := gin.WrapH(deps.Gateway)
	r.GET("/ws", wsHandler)
	r.GET("/socket.io/", wsHandler)

	presenceHandler := &handler.PresenceHandler{Presence: deps.Presence, Log: deps.Log}
	limiter := middleware.NewRateLimiter(60, time.Minute)

	protected := r.Group("/v1")
	protected.Use(middleware.RateLimit(limiter))
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.GET("/proposals/:id/presence", presenceHandler.Get)

	return r
}
