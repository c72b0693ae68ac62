package server

import (
	"context"
	"net/http"
	"time"

	"geotrack/internal/logging"
)

// CreateServer builds the HTTP server with production timeout defaults.
// IdleTimeout is generous because upgraded WebSocket connections are
// long-lived.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer begins listening and blocks until the server exits.
func StartServer(server *http.Server) error {
	logging.Info().Str("addr", server.Addr).Msg("server listening")
	return server.ListenAndServe()
}

// ShutdownServer stops accepting new connections and waits for active
// ones up to the timeout.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logging.Error().Err(err).Msg("http server shutdown error")
		return err
	}

	logging.Info().Msg("http server shutdown complete")
	return nil
}
