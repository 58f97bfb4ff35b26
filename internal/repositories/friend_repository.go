package repositories

import (
	"context"

	"github.com/memalerts/backend/internal/models"
)

// FriendshipRepository defines data access for friendship records.
type FriendshipRepository interface {
	Create(ctx context.Context, friendship models.Friendship) error
	FindByID(ctx context.Context, id string) (models.Friendship, error)
	// FindByPair returns the newest record for the unordered pair.
	FindByPair(ctx context.Context, userA, userB string) (models.Friendship, error)
	Update(ctx context.Context, friendship models.Friendship) error
	Delete(ctx context.Context, id string) error
	ListForUser(ctx context.Context, userID string) ([]models.Friendship, error)
}
