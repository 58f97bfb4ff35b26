package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/memalerts/backend/internal/db"
	"github.com/memalerts/backend/internal/models"
)

// PostgresUserRepository provides PostgreSQL-backed persistence for users.
type PostgresUserRepository struct {
	pool db.Pool
}

// NewPostgresUserRepository constructs a user repository backed by PostgreSQL.
func NewPostgresUserRepository(pool db.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

// Create persists a new user record.
func (r *PostgresUserRepository) Create(ctx context.Context, user models.User) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO users (id, login, email, password_hash, created_at)
        VALUES ($1, $2, $3, $4, $5)
    `, user.ID, user.Login, strings.ToLower(user.Email), user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

// FindByID fetches a user by identifier.
func (r *PostgresUserRepository) FindByID(ctx context.Context, id string) (models.User, error) {
	return r.findOne(ctx, "id = $1", id)
}

// FindByLogin fetches a user by login, ignoring case.
func (r *PostgresUserRepository) FindByLogin(ctx context.Context, login string) (models.User, error) {
	return r.findOne(ctx, "lower(login) = lower($1)", login)
}

// FindByEmail fetches a user by their email address.
func (r *PostgresUserRepository) FindByEmail(ctx context.Context, email string) (models.User, error) {
	return r.findOne(ctx, "email = lower($1)", email)
}

func (r *PostgresUserRepository) findOne(ctx context.Context, where string, arg string) (models.User, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.User{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT id, login, email, password_hash, created_at
        FROM users
        WHERE `+where, arg)

	var user models.User
	if err := row.Scan(&user.ID, &user.Login, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("select user: %w", err)
	}

	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

// Search returns users whose login or email contains query, ordered by login.
func (r *PostgresUserRepository) Search(ctx context.Context, query string, limit int) ([]models.User, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT id, login, email, password_hash, created_at
        FROM users
        WHERE strpos(lower(login), $1) > 0 OR strpos(email, $1) > 0
        ORDER BY lower(login)
        LIMIT $2
    `, needle, limit)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Login, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

// PostgresFriendshipRepository provides PostgreSQL-backed persistence for friendships.
type PostgresFriendshipRepository struct {
	pool db.Pool
}

// NewPostgresFriendshipRepository constructs a friendship repository backed by PostgreSQL.
func NewPostgresFriendshipRepository(pool db.Pool) *PostgresFriendshipRepository {
	return &PostgresFriendshipRepository{pool: pool}
}

const friendshipColumns = `id, user_a, user_b, requester_id, status, created_at, accepted_at`

// Create persists a new friendship record.
func (r *PostgresFriendshipRepository) Create(ctx context.Context, friendship models.Friendship) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO friendships (`+friendshipColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, friendship.ID, friendship.UserA, friendship.UserB, friendship.RequesterID,
		string(friendship.Status), friendship.CreatedAt, nullTime(friendship))
	if err != nil {
		if mapped := translatePgError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("insert friendship: %w", err)
	}

	return nil
}

// FindByID fetches a friendship by identifier.
func (r *PostgresFriendshipRepository) FindByID(ctx context.Context, id string) (models.Friendship, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Friendship{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT `+friendshipColumns+`
        FROM friendships
        WHERE id = $1
    `, id)

	return scanFriendship(row)
}

// FindByPair returns the newest record for the unordered pair.
func (r *PostgresFriendshipRepository) FindByPair(ctx context.Context, userA, userB string) (models.Friendship, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Friendship{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT `+friendshipColumns+`
        FROM friendships
        WHERE (user_a = $1 AND user_b = $2) OR (user_a = $2 AND user_b = $1)
        ORDER BY created_at DESC
        LIMIT 1
    `, userA, userB)

	return scanFriendship(row)
}

// Update writes the status and acceptance time of an existing record.
func (r *PostgresFriendshipRepository) Update(ctx context.Context, friendship models.Friendship) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE friendships
        SET status = $2, accepted_at = $3
        WHERE id = $1
    `, friendship.ID, string(friendship.Status), nullTime(friendship))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update friendship: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes a friendship record.
func (r *PostgresFriendshipRepository) Delete(ctx context.Context, id string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `DELETE FROM friendships WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete friendship: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ListForUser returns every record involving userID, oldest first.
func (r *PostgresFriendshipRepository) ListForUser(ctx context.Context, userID string) ([]models.Friendship, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+friendshipColumns+`
        FROM friendships
        WHERE user_a = $1 OR user_b = $1
        ORDER BY created_at ASC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("query friendships: %w", err)
	}
	defer rows.Close()

	var friendships []models.Friendship
	for rows.Next() {
		friendship, err := scanFriendship(rows)
		if err != nil {
			return nil, err
		}
		friendships = append(friendships, friendship)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friendships: %w", err)
	}

	return friendships, nil
}

func scanFriendship(row pgx.Row) (models.Friendship, error) {
	var (
		friendship models.Friendship
		status     string
		acceptedAt sql.NullTime
	)

	if err := row.Scan(&friendship.ID, &friendship.UserA, &friendship.UserB, &friendship.RequesterID, &status, &friendship.CreatedAt, &acceptedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Friendship{}, ErrNotFound
		}
		return models.Friendship{}, fmt.Errorf("scan friendship: %w", err)
	}

	friendship.Status = models.FriendshipStatus(status)
	friendship.CreatedAt = friendship.CreatedAt.UTC()
	if acceptedAt.Valid {
		t := acceptedAt.Time.UTC()
		friendship.AcceptedAt = &t
	}

	return friendship, nil
}

func nullTime(friendship models.Friendship) sql.NullTime {
	if friendship.AcceptedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Valid: true, Time: friendship.AcceptedAt.UTC()}
}

func isUniqueViolation(err error) bool {
	return errors.Is(translatePgError(err), ErrConflict)
}

var _ UserRepository = (*PostgresUserRepository)(nil)
var _ FriendshipRepository = (*PostgresFriendshipRepository)(nil)
