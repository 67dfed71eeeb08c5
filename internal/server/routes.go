// Package server wires HTTP handlers and middleware into a gin engine.
package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-ID"

// Routes returns the engine serving liveness, readiness and the WebSocket
// endpoint.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(s.logger))

	r.GET("/", HealthHandler)
	r.GET("/readyz", s.ReadyHandler)
	r.GET("/ws", s.WebSocketHandler)
	return r
}

// RequestID tags every request with an id, reusing the caller's when given.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, id)
		c.Set("request_id", id)
		c.Next()
	}
}

// RequestLogger logs one line per request once it completes. Upgraded
// WebSocket requests are logged when the handshake returns.
func RequestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start),
			"request_id": c.GetString("request_id"),
		}).Debug("http")
	}
}
