// Package server constructs and starts the HTTP service with production
// timeouts and coordinates its graceful shutdown.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// CreateServer creates an HTTP server for handler on addr. Hijacked WebSocket
// connections are not bound by these timeouts.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer listens until the server is shut down. A graceful shutdown is
// not reported as an error.
func StartServer(server *http.Server, logger logrus.FieldLogger) error {
	logger.WithField("addr", server.Addr).Info("Server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer stops accepting connections and waits up to timeout for
// in-flight HTTP requests.
func ShutdownServer(server *http.Server, timeout time.Duration, logger logrus.FieldLogger) error {
	logger.Info("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
		return err
	}

	logger.Info("HTTP server shutdown completed")
	return nil
}
