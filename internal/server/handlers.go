// Package server exposes HTTP handlers, including the authenticated WebSocket
// upgrade and the health and readiness checks.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/gochat-dm/internal/auth"
	"github.com/Tyrowin/gochat-dm/internal/chat"
)

// HealthMessage is the static liveness response.
const HealthMessage = "GoChat server is running!"

// Authenticator resolves the user of a handshake request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Server wires the realtime protocol to HTTP.
type Server struct {
	chat     chat.Service
	auth     Authenticator
	hub      *Hub
	sessions *SessionHandler
	upgrader websocket.Upgrader
	opts     Options
	logger   logrus.FieldLogger
}

// New builds a Server. The hub must be running before connections arrive.
func New(svc chat.Service, authenticator Authenticator, hub *Hub, logger logrus.FieldLogger, opts Options) *Server {
	opts = sanitizeOptions(opts)
	origins := newOriginPolicy(opts.AllowedOrigins, logger)
	return &Server{
		chat:     svc,
		auth:     authenticator,
		hub:      hub,
		sessions: NewSessionHandler(svc, hub, logger, opts.OperationTimeout),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		opts:   opts,
		logger: logger,
	}
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// WebSocketHandler verifies the access token and upgrades the connection.
// A request that fails verification is answered with 401 or 403 and never
// becomes a WebSocket.
func (s *Server) WebSocketHandler(c *gin.Context) {
	userID, err := s.auth.Authenticate(c.Request)
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, auth.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		s.logger.WithError(err).WithField("addr", c.ClientIP()).Info("Rejected WebSocket handshake")
		c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, s.hub, s.sessions, userID, c.ClientIP(), s.opts)
	if err := s.hub.Register(client); err != nil {
		s.logger.WithError(err).Warn("Refusing connection during shutdown")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

// HealthHandler reports liveness with a static plain-text body.
func HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, HealthMessage)
}

// ReadyHandler reports whether the store and relay are reachable.
func (s *Server) ReadyHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.chat.Ready(ctx); err != nil {
		s.logger.WithError(err).Warn("Readiness check failed: store")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "store unavailable"})
		return
	}
	if err := s.hub.Ready(ctx); err != nil {
		s.logger.WithError(err).Warn("Readiness check failed: hub")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "realtime unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
