// Package server binds decoded protocol messages to the credential service,
// the relationship graph and the alert router, and owns the TCP and
// WebSocket listeners that produce sessions.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memalerts/backend/internal/auth"
	"github.com/memalerts/backend/internal/friends"
	"github.com/memalerts/backend/internal/logging"
	"github.com/memalerts/backend/internal/metrics"
	"github.com/memalerts/backend/internal/models"
	"github.com/memalerts/backend/internal/protocol"
	"github.com/memalerts/backend/internal/ratelimit"
	"github.com/memalerts/backend/internal/router"
	"github.com/memalerts/backend/internal/session"
)

// Auth attempt kinds used for metrics labels.
const (
	authKindLogin    = "login"
	authKindToken    = "token"
	authKindRegister = "register"
)

// Credentials authenticates connections.
type Credentials interface {
	Register(ctx context.Context, login, email, password string) (auth.AuthResult, error)
	Login(ctx context.Context, identifier, password string) (auth.AuthResult, error)
	LoginWithToken(ctx context.Context, token string) (auth.AuthResult, error)
}

// Relationships is the friendship graph as the dispatcher uses it.
type Relationships interface {
	SendRequest(ctx context.Context, requesterID, targetID string) (friends.Request, error)
	Accept(ctx context.Context, friendshipID, actorID string) (models.Friendship, error)
	Reject(ctx context.Context, friendshipID, actorID string) (models.Friendship, error)
	Remove(ctx context.Context, friendshipID, actorID string) (models.Friendship, error)
	ListFriends(ctx context.Context, userID string) ([]models.FriendInfo, error)
	ListPending(ctx context.Context, userID string) ([]models.FriendInfo, error)
	Search(ctx context.Context, query, excludingUserID string) ([]models.UserSearchResult, error)
	Describe(ctx context.Context, friendship models.Friendship, viewerID string) (models.FriendInfo, error)
}

// AlertRouter delivers alerts and notifications.
type AlertRouter interface {
	Route(ctx context.Context, sender *session.Session, alert models.AlertRequest) router.Report
	Notify(ctx context.Context, userID string, msg protocol.Message) router.Report
}

// Authenticator records a successful login against the live session set.
type Authenticator interface {
	Authenticate(s *session.Session, userID, token string) error
}

// DispatcherOptions carries the optional collaborators of a Dispatcher.
type DispatcherOptions struct {
	AuthLimiter  ratelimit.Limiter
	AlertLimiter ratelimit.Limiter
	Metrics      metrics.Recorder
	NowFunc      func() time.Time
}

// Dispatcher handles every message a session receives.
type Dispatcher struct {
	credentials Credentials
	graph       Relationships
	router      AlertRouter
	sessions    Authenticator

	authLimiter  ratelimit.Limiter
	alertLimiter ratelimit.Limiter
	metrics      metrics.Recorder
	now          func() time.Time
}

// NewDispatcher wires a Dispatcher. Nil limiters allow everything.
func NewDispatcher(credentials Credentials, graph Relationships, alerts AlertRouter, sessions Authenticator, opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		credentials:  credentials,
		graph:        graph,
		router:       alerts,
		sessions:     sessions,
		authLimiter:  opts.AuthLimiter,
		alertLimiter: opts.AlertLimiter,
		metrics:      opts.Metrics,
		now:          opts.NowFunc,
	}
	if d.authLimiter == nil {
		d.authLimiter = ratelimit.Unlimited{}
	}
	if d.alertLimiter == nil {
		d.alertLimiter = ratelimit.Unlimited{}
	}
	if d.metrics == nil {
		d.metrics = metrics.Nop{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// HandleMessage implements session.Handler.
func (d *Dispatcher) HandleMessage(ctx context.Context, s *session.Session, msg protocol.Message) {
	ctx, span := logging.StartSpan(ctx, "message."+string(msg.Type()))

	switch m := msg.(type) {
	case protocol.LoginRequest:
		d.authenticate(ctx, s, authKindLogin, func() (auth.AuthResult, error) {
			return d.credentials.Login(ctx, m.Identifier, m.Password)
		})
	case protocol.LoginWithTokenRequest:
		d.authenticate(ctx, s, authKindToken, func() (auth.AuthResult, error) {
			return d.credentials.LoginWithToken(ctx, m.Token)
		})
	case protocol.RegisterRequest:
		d.authenticate(ctx, s, authKindRegister, func() (auth.AuthResult, error) {
			return d.credentials.Register(ctx, m.Login, m.Email, m.Password)
		})
	case protocol.AlertRequestMessage:
		d.handleAlert(ctx, s, m.Request)
	case protocol.SearchUsersRequest:
		d.handleSearch(ctx, s, m)
	case protocol.GetFriendsRequest:
		d.handleGetFriends(ctx, s)
	case protocol.SendFriendRequestMessage:
		d.handleSendFriendRequest(ctx, s, m)
	case protocol.AcceptFriendRequestMessage:
		d.handleFriendshipChange(ctx, s, m.FriendshipID, d.graph.Accept, false)
	case protocol.RejectFriendRequestMessage:
		d.handleFriendshipChange(ctx, s, m.FriendshipID, d.graph.Reject, false)
	case protocol.RemoveFriendRequestMessage:
		d.handleFriendshipChange(ctx, s, m.FriendshipID, d.graph.Remove, true)
	default:
		logging.FromContext(ctx).Warn("ignoring message not meant for the server", "type", msg.Type())
		d.metrics.FrameRejected("unexpected")
	}

	d.metrics.MessageHandled(string(msg.Type()), span.End())
}

func (d *Dispatcher) authenticate(ctx context.Context, s *session.Session, kind string, attempt func() (auth.AuthResult, error)) {
	logger := logging.FromContext(ctx)

	if !d.authLimiter.Allow(remoteHost(s.RemoteAddr())) {
		logger.Warn("authentication rate limited", "kind", kind)
		d.metrics.AuthAttempt(kind, false)
		d.reply(ctx, s, authFailure(errRateLimited))
		return
	}

	result, err := attempt()
	if err != nil {
		code, _ := describeError(err)
		if code == CodeInternal {
			logger.Error("authentication failed", "kind", kind, "error", err)
		} else {
			logger.Info("authentication rejected", "kind", kind, "code", code)
		}
		d.metrics.AuthAttempt(kind, false)
		d.reply(ctx, s, authFailure(err))
		return
	}

	if err := d.sessions.Authenticate(s, result.User.ID, result.Token); err != nil {
		logger.Warn("session closed during authentication", "user_id", result.User.ID, "error", err)
		d.metrics.AuthAttempt(kind, false)
		return
	}

	d.metrics.AuthAttempt(kind, true)
	logger.Info("session authenticated", "kind", kind, "user_id", result.User.ID)
	d.reply(ctx, s, protocol.AuthResponse{
		Success:   true,
		Token:     result.Token,
		UserID:    result.User.ID,
		UserLogin: result.User.Login,
		UserEmail: result.User.Email,
	})
}

func (d *Dispatcher) handleAlert(ctx context.Context, s *session.Session, alert models.AlertRequest) {
	logger := logging.FromContext(ctx)

	if !s.IsAuthenticated() {
		logger.Warn("ignoring alert from unauthenticated session")
		d.metrics.AlertDropped(router.DropNotAuthenticated)
		return
	}
	if !d.alertLimiter.Allow(s.UserID()) {
		logger.Warn("alert rate limited", "alert_id", alert.ID)
		d.metrics.AlertDropped("rate_limited")
		return
	}

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.SubmittedAt.IsZero() {
		alert.SubmittedAt = d.now().UTC()
	}
	if alert.Status == "" {
		alert.Status = models.RequestQueued
	}

	d.router.Route(ctx, s, alert)
}

func (d *Dispatcher) handleSearch(ctx context.Context, s *session.Session, req protocol.SearchUsersRequest) {
	if !s.IsAuthenticated() {
		code, message := describeError(session.ErrNotAuthenticated)
		d.reply(ctx, s, protocol.SearchUsersResponse{ErrorCode: code, ErrorMessage: message, Users: []models.UserSearchResult{}})
		return
	}

	users, err := d.graph.Search(ctx, req.Query, s.UserID())
	if err != nil {
		logging.FromContext(ctx).Error("search users", "error", err)
		code, message := describeError(err)
		d.reply(ctx, s, protocol.SearchUsersResponse{ErrorCode: code, ErrorMessage: message, Users: []models.UserSearchResult{}})
		return
	}
	d.reply(ctx, s, protocol.SearchUsersResponse{Success: true, Users: users})
}

func (d *Dispatcher) handleGetFriends(ctx context.Context, s *session.Session) {
	fail := func(err error) {
		code, message := describeError(err)
		d.reply(ctx, s, protocol.GetFriendsResponse{
			ErrorCode:       code,
			ErrorMessage:    message,
			Friends:         []models.FriendInfo{},
			PendingRequests: []models.FriendInfo{},
		})
	}

	if !s.IsAuthenticated() {
		fail(session.ErrNotAuthenticated)
		return
	}

	userID := s.UserID()
	accepted, err := d.graph.ListFriends(ctx, userID)
	if err != nil {
		logging.FromContext(ctx).Error("list friends", "error", err)
		fail(err)
		return
	}
	pending, err := d.graph.ListPending(ctx, userID)
	if err != nil {
		logging.FromContext(ctx).Error("list pending requests", "error", err)
		fail(err)
		return
	}

	d.reply(ctx, s, protocol.GetFriendsResponse{Success: true, Friends: accepted, PendingRequests: pending})
}

func (d *Dispatcher) handleSendFriendRequest(ctx context.Context, s *session.Session, req protocol.SendFriendRequestMessage) {
	if !s.IsAuthenticated() {
		d.reply(ctx, s, friendFailure(session.ErrNotAuthenticated))
		return
	}

	created, err := d.graph.SendRequest(ctx, s.UserID(), strings.TrimSpace(req.FriendUserID))
	if err != nil {
		d.logFriendError(ctx, "send friend request", err)
		d.reply(ctx, s, friendFailure(err))
		return
	}

	view := created.RequesterView()
	d.reply(ctx, s, protocol.FriendRequestResponse{Success: true, Friend: &view})
	d.router.Notify(ctx, created.Target.ID, protocol.IncomingFriendRequestNotification{FriendRequest: created.TargetView()})
}

type friendshipMutation func(ctx context.Context, friendshipID, actorID string) (models.Friendship, error)

func (d *Dispatcher) handleFriendshipChange(ctx context.Context, s *session.Session, friendshipID string, mutate friendshipMutation, removed bool) {
	if !s.IsAuthenticated() {
		d.reply(ctx, s, friendFailure(session.ErrNotAuthenticated))
		return
	}

	actorID := s.UserID()
	friendship, err := mutate(ctx, strings.TrimSpace(friendshipID), actorID)
	if err != nil {
		d.logFriendError(ctx, "update friendship", err)
		d.reply(ctx, s, friendFailure(err))
		return
	}

	resp := protocol.FriendRequestResponse{Success: true}
	if info, err := d.graph.Describe(ctx, friendship, actorID); err != nil {
		logging.FromContext(ctx).Warn("describe friendship", "friendship_id", friendship.ID, "error", err)
	} else {
		resp.Friend = &info
	}
	d.reply(ctx, s, resp)

	d.router.Notify(ctx, friendship.Other(actorID), protocol.FriendshipChangedNotification{
		FriendshipID: friendship.ID,
		Status:       friendship.Status,
		Removed:      removed,
		UserID:       actorID,
	})
}

func (d *Dispatcher) logFriendError(ctx context.Context, op string, err error) {
	logger := logging.FromContext(ctx)
	if code, _ := describeError(err); code == CodeInternal {
		logger.Error(op, "error", err)
		return
	}
	logger.Info(op+" rejected", "reason", err.Error())
}

func (d *Dispatcher) reply(ctx context.Context, s *session.Session, msg protocol.Message) {
	if err := s.Send(msg); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, session.ErrClosed) {
			level = slog.LevelDebug
		}
		logging.FromContext(ctx).Log(ctx, level, "send response", "type", msg.Type(), "error", err)
	}
}

func authFailure(err error) protocol.AuthResponse {
	code, message := describeError(err)
	return protocol.AuthResponse{ErrorCode: code, ErrorMessage: message}
}

func friendFailure(err error) protocol.FriendRequestResponse {
	code, message := describeError(err)
	return protocol.FriendRequestResponse{ErrorCode: code, ErrorMessage: message}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return addr
	}
	return host
}

var _ session.Handler = (*Dispatcher)(nil)
