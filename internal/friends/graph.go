// Package friends owns the friendship state machine and answers the
// authorization question the alert router asks: are these two users friends.
package friends

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memalerts/backend/internal/logging"
	"github.com/memalerts/backend/internal/models"
	"github.com/memalerts/backend/internal/repositories"
)

var (
	ErrSelfRequest            = errors.New("cannot send a friend request to yourself")
	ErrUserNotFound           = errors.New("user not found")
	ErrAlreadyFriends         = errors.New("already friends")
	ErrRequestAlreadyPending  = errors.New("friend request already pending")
	ErrNotFound               = errors.New("friendship not found")
	ErrAlreadyProcessed       = errors.New("friend request already processed")
	ErrCannotAcceptOwnRequest = errors.New("cannot accept your own friend request")
	ErrUnauthorized           = errors.New("not a member of this friendship")
)

// SearchLimit caps the number of users returned by Search.
const SearchLimit = 50

// UserDirectory resolves user profiles.
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (models.User, error)
	Search(ctx context.Context, query string, limit int) ([]models.User, error)
}

// Request is the outcome of SendRequest: the new record and both profiles.
type Request struct {
	Friendship models.Friendship
	Requester  models.User
	Target     models.User
}

// RequesterView is the new record as the requester sees it.
func (r Request) RequesterView() models.FriendInfo {
	return describe(r.Friendship, r.Requester.ID, r.Target)
}

// TargetView is the new record as the target sees it: an incoming request.
func (r Request) TargetView() models.FriendInfo {
	return describe(r.Friendship, r.Target.ID, r.Requester)
}

// Graph is the relationship graph. Mutations are serialised so a
// check-then-write sequence cannot interleave with another one.
type Graph struct {
	mu          sync.Mutex
	users       UserDirectory
	friendships repositories.FriendshipRepository
	now         func() time.Time
}

// NewGraph constructs a Graph over the given stores.
func NewGraph(users UserDirectory, friendships repositories.FriendshipRepository) *Graph {
	return &Graph{users: users, friendships: friendships, now: time.Now}
}

// SendRequest creates a pending friendship from requesterID to targetID. A
// previously rejected record for the pair is replaced.
func (g *Graph) SendRequest(ctx context.Context, requesterID, targetID string) (Request, error) {
	if requesterID == targetID {
		return Request{}, ErrSelfRequest
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	requester, err := g.user(ctx, requesterID)
	if err != nil {
		return Request{}, err
	}
	target, err := g.user(ctx, targetID)
	if err != nil {
		return Request{}, err
	}

	existing, err := g.friendships.FindByPair(ctx, requesterID, targetID)
	switch {
	case err == nil:
		switch existing.Status {
		case models.FriendshipAccepted:
			return Request{}, ErrAlreadyFriends
		case models.FriendshipPending:
			return Request{}, ErrRequestAlreadyPending
		case models.FriendshipRejected:
			if err := g.friendships.Delete(ctx, existing.ID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
				return Request{}, fmt.Errorf("delete rejected friendship: %w", err)
			}
		}
	case errors.Is(err, repositories.ErrNotFound):
	default:
		return Request{}, fmt.Errorf("lookup friendship: %w", err)
	}

	friendship := models.Friendship{
		ID:          uuid.NewString(),
		UserA:       requesterID,
		UserB:       targetID,
		RequesterID: requesterID,
		Status:      models.FriendshipPending,
		CreatedAt:   g.now().UTC(),
	}
	if err := g.friendships.Create(ctx, friendship); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return Request{}, ErrRequestAlreadyPending
		}
		if errors.Is(err, repositories.ErrNotFound) {
			return Request{}, ErrUserNotFound
		}
		return Request{}, fmt.Errorf("create friendship: %w", err)
	}

	return Request{Friendship: friendship, Requester: requester, Target: target}, nil
}

// Accept moves a pending request addressed to actorID into the accepted state.
func (g *Graph) Accept(ctx context.Context, friendshipID, actorID string) (models.Friendship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	friendship, err := g.member(ctx, friendshipID, actorID)
	if err != nil {
		return models.Friendship{}, err
	}
	if friendship.Status != models.FriendshipPending {
		return models.Friendship{}, ErrAlreadyProcessed
	}
	if friendship.RequesterID == actorID {
		return models.Friendship{}, ErrCannotAcceptOwnRequest
	}

	acceptedAt := g.now().UTC()
	friendship.Status = models.FriendshipAccepted
	friendship.AcceptedAt = &acceptedAt
	if err := g.save(ctx, friendship); err != nil {
		return models.Friendship{}, err
	}
	return friendship, nil
}

// Reject moves a pending or accepted record into the rejected state. Either
// side may reject, which lets the requester withdraw and either friend end an
// accepted friendship while keeping the record for the supersede rule.
func (g *Graph) Reject(ctx context.Context, friendshipID, actorID string) (models.Friendship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	friendship, err := g.member(ctx, friendshipID, actorID)
	if err != nil {
		return models.Friendship{}, err
	}
	if friendship.Status == models.FriendshipRejected {
		return models.Friendship{}, ErrAlreadyProcessed
	}

	friendship.Status = models.FriendshipRejected
	friendship.AcceptedAt = nil
	if err := g.save(ctx, friendship); err != nil {
		return models.Friendship{}, err
	}
	return friendship, nil
}

// Remove deletes the record whatever its status and returns it as it was.
func (g *Graph) Remove(ctx context.Context, friendshipID, actorID string) (models.Friendship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	friendship, err := g.member(ctx, friendshipID, actorID)
	if err != nil {
		return models.Friendship{}, err
	}

	if err := g.friendships.Delete(ctx, friendship.ID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.Friendship{}, ErrNotFound
		}
		return models.Friendship{}, fmt.Errorf("delete friendship: %w", err)
	}
	return friendship, nil
}

// AreFriends reports whether an accepted record exists for the pair. Store
// failures are logged and answered with false.
func (g *Graph) AreFriends(ctx context.Context, a, b string) bool {
	if a == "" || b == "" || a == b {
		return false
	}

	friendship, err := g.friendships.FindByPair(ctx, a, b)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			logging.FromContext(ctx).Error("friendship lookup failed", "user_a", a, "user_b", b, "error", err)
		}
		return false
	}
	return friendship.Status == models.FriendshipAccepted
}

// ListFriends returns userID's accepted friendships ordered by login.
func (g *Graph) ListFriends(ctx context.Context, userID string) ([]models.FriendInfo, error) {
	infos, err := g.list(ctx, userID, models.FriendshipAccepted)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return strings.ToLower(infos[i].Login) < strings.ToLower(infos[j].Login)
	})
	return infos, nil
}

// ListPending returns pending requests in both directions, oldest first.
func (g *Graph) ListPending(ctx context.Context, userID string) ([]models.FriendInfo, error) {
	return g.list(ctx, userID, models.FriendshipPending)
}

// Search finds users by login or email substring, excluding the caller and
// annotating each match with the caller's relationship to it.
func (g *Graph) Search(ctx context.Context, query, excludingUserID string) ([]models.UserSearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return []models.UserSearchResult{}, nil
	}

	users, err := g.users.Search(ctx, query, SearchLimit+1)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	records, err := g.friendships.ListForUser(ctx, excludingUserID)
	if err != nil {
		return nil, fmt.Errorf("list friendships: %w", err)
	}
	status := make(map[string]models.FriendshipStatus, len(records))
	for _, record := range records {
		status[record.Other(excludingUserID)] = record.Status
	}

	results := make([]models.UserSearchResult, 0, len(users))
	for _, user := range users {
		if user.ID == excludingUserID {
			continue
		}
		if len(results) == SearchLimit {
			break
		}
		results = append(results, models.UserSearchResult{
			UserID:            user.ID,
			Login:             user.Login,
			Email:             user.Email,
			IsAlreadyFriend:   status[user.ID] == models.FriendshipAccepted,
			HasPendingRequest: status[user.ID] == models.FriendshipPending,
		})
	}
	return results, nil
}

// Describe projects friendship from viewerID's side.
func (g *Graph) Describe(ctx context.Context, friendship models.Friendship, viewerID string) (models.FriendInfo, error) {
	other, err := g.users.FindByID(ctx, friendship.Other(viewerID))
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return models.FriendInfo{}, fmt.Errorf("lookup user: %w", err)
	}
	return describe(friendship, viewerID, other), nil
}

func describe(friendship models.Friendship, viewerID string, other models.User) models.FriendInfo {
	return models.FriendInfo{
		FriendshipID:      friendship.ID,
		UserID:            friendship.Other(viewerID),
		Login:             other.Login,
		Email:             other.Email,
		Status:            friendship.Status,
		IsIncomingRequest: friendship.Status == models.FriendshipPending && friendship.RequesterID != viewerID,
	}
}

func (g *Graph) list(ctx context.Context, userID string, status models.FriendshipStatus) ([]models.FriendInfo, error) {
	records, err := g.friendships.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list friendships: %w", err)
	}

	infos := []models.FriendInfo{}
	for _, record := range records {
		if record.Status != status {
			continue
		}
		info, err := g.Describe(ctx, record, userID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (g *Graph) user(ctx context.Context, id string) (models.User, error) {
	user, err := g.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (g *Graph) member(ctx context.Context, friendshipID, actorID string) (models.Friendship, error) {
	friendship, err := g.friendships.FindByID(ctx, friendshipID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.Friendship{}, ErrNotFound
		}
		return models.Friendship{}, fmt.Errorf("lookup friendship: %w", err)
	}
	if !friendship.Involves(actorID) {
		return models.Friendship{}, ErrUnauthorized
	}
	return friendship, nil
}

func (g *Graph) save(ctx context.Context, friendship models.Friendship) error {
	if err := g.friendships.Update(ctx, friendship); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("update friendship: %w", err)
	}
	return nil
}
