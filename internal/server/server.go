package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memalerts/backend/internal/logging"
	"github.com/memalerts/backend/internal/metrics"
	"github.com/memalerts/backend/internal/session"
)

// Options configures the listeners.
type Options struct {
	MaxFrameSize int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      metrics.Recorder
}

// Server accepts TCP and WebSocket connections and runs one session per
// connection against a shared handler.
type Server struct {
	handler  session.Handler
	registry *session.Registry
	opts     Options
	upgrader websocket.Upgrader

	wg sync.WaitGroup
}

// New constructs a Server.
func New(handler session.Handler, registry *session.Registry, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Server{
		handler:  handler,
		registry: registry,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Desktop clients send no Origin; browsers are not a target.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeTCP accepts connections from ln until ctx is cancelled or the
// listener fails. Sessions started here outlive the call; use Shutdown to
// close them.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	logger := s.opts.Logger.With(slog.String("listener", ln.Addr().String()))
	logger.Info("accepting tcp connections")

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if retryableAccept(err) {
				backoff = nextBackoff(backoff)
				logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			return fmt.Errorf("accept tcp connection: %w", err)
		}
		backoff = 0

		sess := session.New(ctx, session.NewTCPTransport(conn, s.opts.MaxFrameSize), s.sessionOptions())
		s.start(sess)
	}
}

// WebSocketHandler upgrades requests and runs a session per connection. Each
// session's lifetime is bounded by ctx rather than the HTTP request.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.FromContext(r.Context()).Warn("websocket upgrade failed", "error", err)
			return
		}

		sess := session.New(ctx, session.NewWebSocketTransport(conn, s.opts.MaxFrameSize), s.sessionOptions())
		s.start(sess)
	})
}

func (s *Server) sessionOptions() session.Options {
	return session.Options{
		MaxFrameSize: s.opts.MaxFrameSize,
		WriteTimeout: s.opts.WriteTimeout,
		Logger:       s.opts.Logger,
		Metrics:      s.opts.Metrics,
	}
}

func (s *Server) start(sess *session.Session) {
	s.registry.Add(sess)
	sess.Logger().Info("session opened")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := sess.Run(s.handler); err != nil {
			sess.Logger().Warn("session ended with error", "error", err)
		}
	}()
}

// Shutdown terminates every live session and waits for their receive loops
// to exit, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}

// retryableAccept reports whether an accept error is transient: timeouts,
// descriptor or buffer exhaustion, and connections aborted before accept.
func retryableAccept(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM, syscall.ECONNABORTED, syscall.ECONNRESET} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return 5 * time.Millisecond
	}
	current *= 2
	if current > time.Second {
		return time.Second
	}
	return current
}
