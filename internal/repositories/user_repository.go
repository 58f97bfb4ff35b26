package repositories

import (
	"context"

	"github.com/memalerts/backend/internal/models"
)

// UserRepository defines the data access contract for users.
//
// Login lookups are case-insensitive. Emails are stored lower-cased.
type UserRepository interface {
	Create(ctx context.Context, user models.User) error
	FindByID(ctx context.Context, id string) (models.User, error)
	FindByLogin(ctx context.Context, login string) (models.User, error)
	FindByEmail(ctx context.Context, email string) (models.User, error)
	Search(ctx context.Context, query string, limit int) ([]models.User, error)
}
