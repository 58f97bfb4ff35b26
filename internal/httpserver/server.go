package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Server wraps the http.Server that carries health, metrics, clip uploads
// and websocket upgrades.
type Server struct {
	inner *http.Server
}

// New constructs a server listening on the provided port. No write timeout
// is set: clip uploads are bounded by size, and upgraded websocket
// connections manage their own deadlines.
func New(port int, handler http.Handler) *Server {
	return &Server{
		inner: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start begins serving HTTP traffic. It returns nil after Shutdown.
func (s *Server) Start() error {
	return ignoreClosed(s.inner.ListenAndServe())
}

// Serve serves HTTP traffic on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return ignoreClosed(s.inner.Serve(ln))
}

// Shutdown gracefully terminates the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
