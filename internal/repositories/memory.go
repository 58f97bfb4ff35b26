package repositories

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/memalerts/backend/internal/models"
)

// MemoryUserRepository implements UserRepository for tests and local development.
type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]models.User
}

// NewMemoryUserRepository returns an empty in-memory user repository.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[string]models.User)}
}

// Create stores a new user, rejecting login or email clashes.
func (r *MemoryUserRepository) Create(_ context.Context, user models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.ID]; exists {
		return ErrConflict
	}
	for _, existing := range r.users {
		if strings.EqualFold(existing.Login, user.Login) || strings.EqualFold(existing.Email, user.Email) {
			return ErrConflict
		}
	}
	r.users[user.ID] = user
	return nil
}

// FindByID fetches a user by identifier.
func (r *MemoryUserRepository) FindByID(_ context.Context, id string) (models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

// FindByLogin fetches a user by login, ignoring case.
func (r *MemoryUserRepository) FindByLogin(_ context.Context, login string) (models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.users {
		if strings.EqualFold(user.Login, login) {
			return user, nil
		}
	}
	return models.User{}, ErrNotFound
}

// FindByEmail fetches a user by email, ignoring case.
func (r *MemoryUserRepository) FindByEmail(_ context.Context, email string) (models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return models.User{}, ErrNotFound
}

// Search returns users whose login or email contains query, ordered by login.
func (r *MemoryUserRepository) Search(_ context.Context, query string, limit int) ([]models.User, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}

	r.mu.RLock()
	var matches []models.User
	for _, user := range r.users {
		if strings.Contains(strings.ToLower(user.Login), needle) || strings.Contains(strings.ToLower(user.Email), needle) {
			matches = append(matches, user)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		return strings.ToLower(matches[i].Login) < strings.ToLower(matches[j].Login)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// MemoryFriendshipRepository implements FriendshipRepository in memory.
type MemoryFriendshipRepository struct {
	mu          sync.RWMutex
	friendships map[string]models.Friendship
}

// NewMemoryFriendshipRepository returns an empty in-memory friendship repository.
func NewMemoryFriendshipRepository() *MemoryFriendshipRepository {
	return &MemoryFriendshipRepository{friendships: make(map[string]models.Friendship)}
}

// Create stores a new record. Only one non-rejected record may exist per pair.
func (r *MemoryFriendshipRepository) Create(_ context.Context, friendship models.Friendship) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.friendships[friendship.ID]; exists {
		return ErrConflict
	}
	key := models.PairKey(friendship.UserA, friendship.UserB)
	for _, existing := range r.friendships {
		if existing.Status != models.FriendshipRejected && models.PairKey(existing.UserA, existing.UserB) == key {
			return ErrConflict
		}
	}
	r.friendships[friendship.ID] = friendship
	return nil
}

// FindByID fetches a record by identifier.
func (r *MemoryFriendshipRepository) FindByID(_ context.Context, id string) (models.Friendship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	friendship, ok := r.friendships[id]
	if !ok {
		return models.Friendship{}, ErrNotFound
	}
	return friendship, nil
}

// FindByPair returns the newest record for the unordered pair.
func (r *MemoryFriendshipRepository) FindByPair(_ context.Context, userA, userB string) (models.Friendship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := models.PairKey(userA, userB)
	var (
		found  models.Friendship
		exists bool
	)
	for _, friendship := range r.friendships {
		if models.PairKey(friendship.UserA, friendship.UserB) != key {
			continue
		}
		if !exists || friendship.CreatedAt.After(found.CreatedAt) {
			found = friendship
			exists = true
		}
	}
	if !exists {
		return models.Friendship{}, ErrNotFound
	}
	return found, nil
}

// Update replaces the status and acceptance time of an existing record.
func (r *MemoryFriendshipRepository) Update(_ context.Context, friendship models.Friendship) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.friendships[friendship.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = friendship.Status
	existing.AcceptedAt = friendship.AcceptedAt
	r.friendships[friendship.ID] = existing
	return nil
}

// Delete removes a record by identifier.
func (r *MemoryFriendshipRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.friendships[id]; !ok {
		return ErrNotFound
	}
	delete(r.friendships, id)
	return nil
}

// ListForUser returns every record involving userID, oldest first.
func (r *MemoryFriendshipRepository) ListForUser(_ context.Context, userID string) ([]models.Friendship, error) {
	r.mu.RLock()
	var result []models.Friendship
	for _, friendship := range r.friendships {
		if friendship.Involves(userID) {
			result = append(result, friendship)
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

var _ UserRepository = (*MemoryUserRepository)(nil)
var _ FriendshipRepository = (*MemoryFriendshipRepository)(nil)
