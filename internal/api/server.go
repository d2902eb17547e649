// Package api provides the REST management API for HydraDNS.
// It exposes endpoints for health checks, statistics, configuration,
// zone management, and domain filtering control via a Gin-based HTTP server.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/udpiodns/internal/api/handlers"
	"github.com/jroosing/udpiodns/internal/api/middleware"
	"github.com/jroosing/udpiodns/internal/config"
	"github.com/jroosing/udpiodns/internal/database"
)

// Server is the management REST API server, serving health/stats/config/
// filtering/custom-DNS endpoints alongside the DNS datagram core.
//
// Security note: do not expose the API to untrusted networks without authentication.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	handler    *handlers.Handler
}

func New(cfg *config.Config, db *database.DB, logger *slog.Logger) *Server {
	if cfg == nil {
		panic("api.New: cfg is nil")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(cfg, db, logger)
	RegisterRoutes(engine, h, cfg)

	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{cfg: cfg, logger: logger, engine: engine, httpServer: httpServer, handler: h}
}

// Handler returns the API's request handler, letting callers wire runtime
// components (policy engine, DNS/UDP stats callbacks) after construction.
func (s *Server) Handler() *handlers.Handler {
	return s.handler
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
