// Package client is the initiating side of the protocol: it dials the server,
// authenticates, issues friend and alert commands, and reports pushed
// messages to a Listener.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memalerts/backend/internal/models"
	"github.com/memalerts/backend/internal/protocol"
	"github.com/memalerts/backend/internal/session"
)

const (
	DefaultCallTimeout  = 15 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

var (
	ErrNotConnected     = errors.New("messenger is not connected")
	ErrNotAuthenticated = errors.New("messenger is not authenticated")
	ErrReauthRequired   = errors.New("re-authentication required")
	ErrConnectionLost   = errors.New("connection lost")
	ErrCallAbandoned    = errors.New("call abandoned before its reply arrived")
)

// ResponseError is a failure reported by the server.
type ResponseError struct {
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return "server error: " + e.Code
	}
	return fmt.Sprintf("server error: %s (%s)", e.Message, e.Code)
}

// State is the connection state reported to the Listener.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Profile is the identity the messenger is logged in as.
type Profile struct {
	UserID string
	Login  string
	Email  string
}

// Options configures a Messenger.
type Options struct {
	MaxFrameSize int
	WriteTimeout time.Duration
	CallTimeout  time.Duration
	Logger       *slog.Logger
	// Listener receives pushed messages and state changes on the receive
	// goroutine. It must not block on Messenger calls.
	Listener Listener
}

type connection struct {
	transport session.Transport
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func (c *connection) close(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		_ = c.transport.Close()
		close(c.done)
	})
}

type pendingCall struct {
	want  protocol.Type
	reply chan protocol.Message
}

// Messenger owns one connection to the server at a time.
type Messenger struct {
	opts     Options
	listener Listener
	logger   *slog.Logger

	callMu  sync.Mutex
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *connection
	state   State
	token   string
	profile Profile
	network string
	addr    string
	pending *pendingCall
}

// New returns a disconnected Messenger.
func New(opts Options) *Messenger {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	listener := opts.Listener
	if listener == nil {
		listener = NopListener{}
	}
	return &Messenger{opts: opts, listener: listener, logger: opts.Logger}
}

// Dial connects a new Messenger over TCP.
func Dial(ctx context.Context, addr string, opts Options) (*Messenger, error) {
	m := New(opts)
	if err := m.Connect(ctx, session.KindTCP, addr); err != nil {
		return nil, err
	}
	return m, nil
}

// DialWebSocket connects a new Messenger over a websocket URL.
func DialWebSocket(ctx context.Context, url string, opts Options) (*Messenger, error) {
	m := New(opts)
	if err := m.Connect(ctx, session.KindWebSocket, url); err != nil {
		return nil, err
	}
	return m, nil
}

// Connect replaces any current connection with a fresh one. Cached
// credentials are kept so Reconnect can reuse them.
func (m *Messenger) Connect(ctx context.Context, network, addr string) error {
	transport, err := m.dial(ctx, network, addr)
	if err != nil {
		return err
	}

	conn := &connection{transport: transport, done: make(chan struct{})}

	m.mu.Lock()
	previous := m.conn
	m.conn = conn
	m.network = network
	m.addr = addr
	m.state = StateConnected
	m.mu.Unlock()

	if previous != nil {
		previous.close(nil)
	}

	go m.readLoop(conn)
	m.listener.ConnectionStateChanged(StateConnected)
	m.logger.Info("connected", "network", network, "addr", addr)
	return nil
}

func (m *Messenger) dial(ctx context.Context, network, addr string) (session.Transport, error) {
	switch network {
	case session.KindTCP:
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return session.NewTCPTransport(conn, m.opts.MaxFrameSize), nil
	case session.KindWebSocket:
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return session.NewWebSocketTransport(conn, m.opts.MaxFrameSize), nil
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}

// State returns the current connection state.
func (m *Messenger) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Token returns the cached session token, if any.
func (m *Messenger) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Profile returns the identity of the last successful authentication.
func (m *Messenger) Profile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Login authenticates with a login or email and a password.
func (m *Messenger) Login(ctx context.Context, identifier, password string) (Profile, error) {
	return m.authenticate(ctx, protocol.LoginRequest{Identifier: identifier, Password: password})
}

// Register creates an account and authenticates as it.
func (m *Messenger) Register(ctx context.Context, login, email, password string) (Profile, error) {
	return m.authenticate(ctx, protocol.RegisterRequest{Login: login, Email: email, Password: password})
}

// LoginWithToken re-authenticates with a previously issued token.
func (m *Messenger) LoginWithToken(ctx context.Context, token string) (Profile, error) {
	return m.authenticate(ctx, protocol.LoginWithTokenRequest{Token: token})
}

func (m *Messenger) authenticate(ctx context.Context, req protocol.Message) (Profile, error) {
	msg, err := m.call(ctx, req, protocol.TypeAuthResponse)
	if err != nil {
		return Profile{}, err
	}
	resp := msg.(protocol.AuthResponse)
	if !resp.Success {
		return Profile{}, &ResponseError{Code: resp.ErrorCode, Message: resp.ErrorMessage}
	}

	profile := Profile{UserID: resp.UserID, Login: resp.UserLogin, Email: resp.UserEmail}
	m.mu.Lock()
	m.token = resp.Token
	m.profile = profile
	changed := m.state != StateAuthenticated
	m.state = StateAuthenticated
	m.mu.Unlock()

	if changed {
		m.listener.ConnectionStateChanged(StateAuthenticated)
	}
	return profile, nil
}

// SendAlert submits alert. There is no acknowledgement: alerts the server
// does not route are dropped silently.
func (m *Messenger) SendAlert(ctx context.Context, alert models.AlertRequest) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != StateAuthenticated {
		return ErrNotAuthenticated
	}
	return m.write(ctx, conn, protocol.AlertRequestMessage{Request: alert})
}

// SearchUsers looks up users by login or email substring.
func (m *Messenger) SearchUsers(ctx context.Context, query string) ([]models.UserSearchResult, error) {
	msg, err := m.call(ctx, protocol.SearchUsersRequest{Query: query}, protocol.TypeSearchUsersResponse)
	if err != nil {
		return nil, err
	}
	resp := msg.(protocol.SearchUsersResponse)
	if !resp.Success {
		return nil, &ResponseError{Code: resp.ErrorCode, Message: resp.ErrorMessage}
	}
	return resp.Users, nil
}

// GetFriends returns accepted friends and pending requests.
func (m *Messenger) GetFriends(ctx context.Context) (accepted, pending []models.FriendInfo, err error) {
	msg, err := m.call(ctx, protocol.GetFriendsRequest{}, protocol.TypeGetFriendsResponse)
	if err != nil {
		return nil, nil, err
	}
	resp := msg.(protocol.GetFriendsResponse)
	if !resp.Success {
		return nil, nil, &ResponseError{Code: resp.ErrorCode, Message: resp.ErrorMessage}
	}
	return resp.Friends, resp.PendingRequests, nil
}

// SendFriendRequest asks userID to become a friend.
func (m *Messenger) SendFriendRequest(ctx context.Context, userID string) (models.FriendInfo, error) {
	return m.friendCall(ctx, protocol.SendFriendRequestMessage{FriendUserID: userID})
}

// AcceptFriendRequest accepts a pending request addressed to this user.
func (m *Messenger) AcceptFriendRequest(ctx context.Context, friendshipID string) (models.FriendInfo, error) {
	return m.friendCall(ctx, protocol.AcceptFriendRequestMessage{FriendshipID: friendshipID})
}

// RejectFriendRequest rejects a pending request.
func (m *Messenger) RejectFriendRequest(ctx context.Context, friendshipID string) (models.FriendInfo, error) {
	return m.friendCall(ctx, protocol.RejectFriendRequestMessage{FriendshipID: friendshipID})
}

// RemoveFriend deletes a friendship or withdraws a request.
func (m *Messenger) RemoveFriend(ctx context.Context, friendshipID string) (models.FriendInfo, error) {
	return m.friendCall(ctx, protocol.RemoveFriendRequestMessage{FriendshipID: friendshipID})
}

func (m *Messenger) friendCall(ctx context.Context, req protocol.Message) (models.FriendInfo, error) {
	msg, err := m.call(ctx, req, protocol.TypeFriendRequestResponse)
	if err != nil {
		return models.FriendInfo{}, err
	}
	resp := msg.(protocol.FriendRequestResponse)
	if !resp.Success {
		return models.FriendInfo{}, &ResponseError{Code: resp.ErrorCode, Message: resp.ErrorMessage}
	}
	if resp.Friend == nil {
		return models.FriendInfo{}, nil
	}
	return *resp.Friend, nil
}

// Reconnect opens a fresh connection and re-authenticates with the cached
// token. An empty addr reuses the last address. On failure the messenger is
// left disconnected, and ErrReauthRequired means credentials must be
// supplied again.
func (m *Messenger) Reconnect(ctx context.Context, addr string) (Profile, error) {
	m.mu.Lock()
	token, network := m.token, m.network
	if addr == "" {
		addr = m.addr
	}
	m.mu.Unlock()

	if network == "" {
		network = session.KindTCP
	}
	if token == "" {
		m.Close()
		return Profile{}, ErrReauthRequired
	}

	if err := m.Connect(ctx, network, addr); err != nil {
		m.Close()
		return Profile{}, err
	}

	profile, err := m.LoginWithToken(ctx, token)
	if err != nil {
		m.logger.Warn("token re-authentication failed", "error", err)
		m.mu.Lock()
		m.token = ""
		m.mu.Unlock()
		m.Close()
		return Profile{}, fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}
	return profile, nil
}

// Close drops the connection. The cached token survives for Reconnect.
func (m *Messenger) Close() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.close(nil)
	}
	if changed {
		m.listener.ConnectionStateChanged(StateDisconnected)
	}
}

// call sends req and waits for the next message of type want. Only one call
// is outstanding at a time. Replies carry no request id, so a call that gives
// up waiting drops the connection: a late reply must never answer a later call.
func (m *Messenger) call(ctx context.Context, req protocol.Message, want protocol.Type) (protocol.Message, error) {
	m.callMu.Lock()
	defer m.callMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	pending := &pendingCall{want: want, reply: make(chan protocol.Message, 1)}
	m.pending = pending
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.pending == pending {
			m.pending = nil
		}
		m.mu.Unlock()
	}()

	if conn == nil {
		return nil, ErrNotConnected
	}
	if err := m.write(ctx, conn, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.opts.CallTimeout)
	defer timer.Stop()

	select {
	case msg := <-pending.reply:
		return msg, nil
	case <-conn.done:
		return nil, ErrConnectionLost
	case <-timer.C:
		err := fmt.Errorf("waiting for %s: %w", want, context.DeadlineExceeded)
		m.lost(conn, fmt.Errorf("%w: %w", ErrCallAbandoned, err))
		return nil, err
	case <-ctx.Done():
		m.lost(conn, fmt.Errorf("%w: %w", ErrCallAbandoned, ctx.Err()))
		return nil, ctx.Err()
	}
}

func (m *Messenger) write(ctx context.Context, conn *connection, msg protocol.Message) error {
	if conn == nil {
		return ErrNotConnected
	}

	payload := protocol.Encode(msg)
	if len(payload) > m.opts.MaxFrameSize {
		return &protocol.FramingError{Reason: fmt.Sprintf("outgoing frame exceeds %d bytes", m.opts.MaxFrameSize), Length: uint32(len(payload)), Type: msg.Type()}
	}

	deadline := time.Now().Add(m.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	m.writeMu.Lock()
	err := conn.transport.WriteFrame(payload, deadline)
	m.writeMu.Unlock()

	if err != nil {
		m.lost(conn, err)
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

func (m *Messenger) readLoop(conn *connection) {
	for {
		payload, err := conn.transport.ReadFrame()
		if err != nil {
			if protocol.IsFramingError(err) {
				m.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			m.lost(conn, err)
			return
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		m.dispatch(msg)
	}
}

func (m *Messenger) dispatch(msg protocol.Message) {
	m.mu.Lock()
	pending := m.pending
	if pending != nil && pending.want == msg.Type() {
		m.pending = nil
	} else {
		pending = nil
	}
	m.mu.Unlock()

	if pending != nil {
		pending.reply <- msg
	}

	switch push := msg.(type) {
	case protocol.AlertRequestMessage:
		m.listener.AlertReceived(push.Request)
	case protocol.IncomingFriendRequestNotification:
		m.listener.IncomingFriendRequest(push.FriendRequest)
	case protocol.FriendshipChangedNotification:
		m.listener.FriendshipChanged(push)
	}
	m.listener.MessageReceived(msg)
}

// lost tears down conn after a transport failure. It only changes state when
// conn is still the current connection.
func (m *Messenger) lost(conn *connection, err error) {
	conn.close(err)

	m.mu.Lock()
	current := m.conn == conn
	if current {
		m.conn = nil
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if !current {
		return
	}
	if session.IsClosed(err) {
		m.logger.Info("connection closed by server")
	} else {
		m.logger.Warn("connection lost", "error", err)
	}
	m.listener.ConnectionStateChanged(StateDisconnected)
}

// IsCode reports whether err is a server failure with the given error code.
func IsCode(err error, code string) bool {
	var respErr *ResponseError
	return errors.As(err, &respErr) && strings.EqualFold(respErr.Code, code)
}
