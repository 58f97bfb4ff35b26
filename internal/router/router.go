// Package router decides who receives an alert and fans the frame out to
// their live sessions.
package router

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/memalerts/backend/internal/logging"
	"github.com/memalerts/backend/internal/metrics"
	"github.com/memalerts/backend/internal/models"
	"github.com/memalerts/backend/internal/protocol"
	"github.com/memalerts/backend/internal/session"
)

// Alert kinds used for metrics labels.
const (
	KindDirect    = "direct"
	KindBroadcast = "broadcast"
)

// Drop reasons.
const (
	DropNotAuthenticated = "not_authenticated"
	DropNotFriends       = "not_friends"
)

// Sessions is the part of the session registry the router reads.
type Sessions interface {
	ForUser(userID string) []*session.Session
	Authenticated() []*session.Session
}

// Friendships answers the only authorization question routing asks.
type Friendships interface {
	AreFriends(ctx context.Context, a, b string) bool
}

// Report describes the outcome of one Route call.
type Report struct {
	Targets   int
	Delivered int
	Failed    int
	Dropped   bool
	Reason    string
}

// Router delivers alerts to the sessions allowed to receive them.
type Router struct {
	sessions Sessions
	graph    Friendships
	metrics  metrics.Recorder
}

// New constructs a Router. A nil recorder disables metrics.
func New(sessions Sessions, graph Friendships, recorder metrics.Recorder) *Router {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Router{sessions: sessions, graph: graph, metrics: recorder}
}

// Route delivers alert on behalf of sender. A named recipient receives it on
// every device only when the two users are friends; otherwise the alert is
// dropped without an error reaching the sender. An alert without a recipient
// goes to every other authenticated session.
func (r *Router) Route(ctx context.Context, sender *session.Session, alert models.AlertRequest) Report {
	logger := logging.FromContext(ctx).With(slog.String("alert_id", alert.ID))

	senderID := sender.UserID()
	if !sender.IsAuthenticated() || senderID == "" {
		logger.Warn("ignoring alert from unauthenticated session")
		r.metrics.AlertDropped(DropNotAuthenticated)
		return Report{Dropped: true, Reason: DropNotAuthenticated}
	}

	kind := KindBroadcast
	var targets []*session.Session
	if alert.IsBroadcast() {
		for _, s := range r.sessions.Authenticated() {
			if s.ID() != sender.ID() {
				targets = append(targets, s)
			}
		}
	} else {
		kind = KindDirect
		if !r.graph.AreFriends(ctx, senderID, alert.RecipientUserID) {
			logger.Warn("dropping alert for non-friend",
				slog.String("sender_id", senderID),
				slog.String("recipient_id", alert.RecipientUserID),
			)
			r.metrics.AlertDropped(DropNotFriends)
			return Report{Dropped: true, Reason: DropNotFriends}
		}
		targets = r.sessions.ForUser(alert.RecipientUserID)
	}

	report := r.deliver(ctx, logger, targets, protocol.AlertRequestMessage{Request: alert})
	r.metrics.AlertRouted(kind, report.Delivered, report.Failed)
	logger.Info("alert routed",
		slog.String("kind", kind),
		slog.Int("targets", report.Targets),
		slog.Int("delivered", report.Delivered),
		slog.Int("failed", report.Failed),
	)
	return report
}

// Notify pushes msg to every authenticated session of userID. No friendship
// check is made; callers notify only parties of a change they are part of.
func (r *Router) Notify(ctx context.Context, userID string, msg protocol.Message) Report {
	logger := logging.FromContext(ctx).With(slog.String("notify_user", userID))
	report := r.deliver(ctx, logger, r.sessions.ForUser(userID), msg)
	if report.Targets == 0 {
		logger.Debug("notification target offline", slog.String("message_type", string(msg.Type())))
	}
	return report
}

func (r *Router) deliver(ctx context.Context, logger *slog.Logger, targets []*session.Session, msg protocol.Message) Report {
	report := Report{Targets: len(targets)}
	if len(targets) == 0 {
		return report
	}

	payload := protocol.Encode(msg)
	results := make([]error, len(targets))

	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = err
				return nil
			}
			results[i] = target.SendPayload(payload)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range results {
		if err != nil {
			report.Failed++
			logger.Warn("delivery failed",
				slog.String("message_type", string(msg.Type())),
				slog.String("target_session", targets[i].ID()),
				slog.Any("error", err),
			)
			continue
		}
		report.Delivered++
	}
	return report
}
