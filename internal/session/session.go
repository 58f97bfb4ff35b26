// Package session owns server-side connections: the per-connection receive
// loop and serialized write path, the authentication state machine, and the
// registry of live sessions used for routing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memalerts/backend/internal/logging"
	"github.com/memalerts/backend/internal/metrics"
	"github.com/memalerts/backend/internal/protocol"
)

// DefaultWriteTimeout bounds a single outbound frame write.
const DefaultWriteTimeout = 10 * time.Second

var (
	// ErrClosed is returned by Send after the session has terminated.
	ErrClosed = errors.New("session closed")
	// ErrNotAuthenticated is returned when an operation requires a logged-in session.
	ErrNotAuthenticated = errors.New("session not authenticated")
)

// State is the authentication state of a session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler processes decoded messages. It runs on the session's receive
// goroutine, so responses leave in request order.
type Handler interface {
	HandleMessage(ctx context.Context, s *Session, msg protocol.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session, msg protocol.Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, s *Session, msg protocol.Message) {
	f(ctx, s, msg)
}

// Options configures a Session.
type Options struct {
	MaxFrameSize int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      metrics.Recorder
}

// Session is one duplex connection to one peer.
type Session struct {
	id        string
	transport Transport
	maxFrame  int
	timeout   time.Duration
	base      *slog.Logger
	metrics   metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu         sync.RWMutex
	logger     *slog.Logger
	handlerCtx context.Context
	state      State
	userID     string
	token      string
	hooks      []func(*Session)

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps transport in a session whose lifetime is bounded by parent.
func New(parent context.Context, transport Transport, opts Options) *Session {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.FromContext(parent)
	}

	id := uuid.NewString()
	logger := opts.Logger.With(
		slog.String("session_id", id),
		slog.String("remote_addr", transport.RemoteAddr()),
		slog.String("transport", transport.Kind()),
	)

	ctx, cancel := context.WithCancel(parent)
	ctx = logging.WithSessionID(logging.WithLogger(ctx, logger), id)

	s := &Session{
		id:         id,
		transport:  transport,
		maxFrame:   opts.MaxFrameSize,
		timeout:    opts.WriteTimeout,
		base:       logger,
		logger:     logger,
		metrics:    opts.Metrics,
		ctx:        ctx,
		handlerCtx: ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.metrics.SessionOpened(transport.Kind())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() string { return s.transport.RemoteAddr() }

// Context is cancelled when the session terminates.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// UserID is empty until the session authenticates.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Token returns the token the session authenticated with.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) IsAuthenticated() bool {
	return s.State() == StateAuthenticated
}

// authenticate binds the session to userID. It returns the previous user id,
// if any, so the registry can re-index.
func (s *Session) authenticate(userID, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return "", ErrClosed
	}
	previous := s.userID
	if s.state != StateAuthenticated {
		s.metrics.SessionAuthenticated()
	}
	s.state = StateAuthenticated
	s.userID = userID
	s.token = token
	s.logger = s.base.With(slog.String("user_id", userID))
	s.handlerCtx = logging.WithLogger(s.ctx, s.logger)
	return previous, nil
}

func (s *Session) onTerminate(hook func(*Session)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

// Send encodes msg and writes it as one frame.
func (s *Session) Send(msg protocol.Message) error {
	return s.SendPayload(protocol.Encode(msg))
}

// SendPayload writes an already encoded payload. Callers fanning one message
// out to many sessions encode it once. A failed write terminates the session.
func (s *Session) SendPayload(payload []byte) error {
	if s.State() == StateTerminated {
		return ErrClosed
	}
	if len(payload) > s.maxFrame {
		return &protocol.FramingError{Reason: fmt.Sprintf("outgoing frame exceeds %d bytes", s.maxFrame), Length: uint32(len(payload))}
	}

	s.writeMu.Lock()
	err := s.transport.WriteFrame(payload, time.Now().Add(s.timeout))
	s.writeMu.Unlock()

	if err != nil {
		s.Terminate(err)
		return fmt.Errorf("send to session %s: %w", s.id, err)
	}
	return nil
}

// Run is the receive loop. It returns when the peer disconnects, the
// transport fails, or the session context is cancelled, and always leaves the
// session terminated.
func (s *Session) Run(handler Handler) error {
	defer s.Terminate(nil)

	go func() {
		<-s.ctx.Done()
		_ = s.transport.Close()
	}()

	for {
		payload, err := s.transport.ReadFrame()
		if err != nil {
			if protocol.IsFramingError(err) {
				s.Logger().Warn("dropping malformed frame", "error", err)
				s.metrics.FrameRejected("framing")
				continue
			}
			if s.ctx.Err() != nil || IsClosed(err) {
				return nil
			}
			s.Terminate(err)
			return fmt.Errorf("read from session %s: %w", s.id, err)
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			s.Logger().Warn("dropping undecodable frame", "error", err)
			s.metrics.FrameRejected("decode")
			continue
		}

		s.mu.RLock()
		ctx := s.handlerCtx
		s.mu.RUnlock()
		handler.HandleMessage(ctx, s, msg)
	}
}

// Terminate closes the session exactly once, whatever the cause.
func (s *Session) Terminate(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasAuthenticated := s.state == StateAuthenticated
		s.state = StateTerminated
		hooks := s.hooks
		s.hooks = nil
		logger := s.logger
		s.mu.Unlock()

		s.cancel()
		_ = s.transport.Close()
		close(s.done)

		if wasAuthenticated {
			s.metrics.SessionDeauthenticated()
		}
		s.metrics.SessionClosed(s.transport.Kind())

		if cause != nil && !IsClosed(cause) {
			logger.Warn("session terminated", "error", cause)
		} else {
			logger.Info("session closed")
		}

		for _, hook := range hooks {
			hook(s)
		}
	})
}
