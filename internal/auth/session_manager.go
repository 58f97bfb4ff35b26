package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

// ErrSessionNotFound indicates the provided token does not map to an active session.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore keeps issued tokens for the lifetime of the process.
type SessionStore interface {
	Save(ctx context.Context, session Session) error
	Find(ctx context.Context, token string) (Session, error)
	Delete(ctx context.Context, token string) error
}

// Session binds an opaque token to a user.
type Session struct {
	Token    string
	UserID   string
	IssuedAt time.Time
}

// Manager manages the lifecycle of issued session tokens. A user may hold
// any number of tokens at once, one per login.
type Manager struct {
	store SessionStore
	now   func() time.Time
}

// NewManager constructs a Manager backed by store.
func NewManager(store SessionStore) *Manager {
	if store == nil {
		panic("auth: session store must not be nil")
	}
	return &Manager{store: store, now: time.Now}
}

// Issue creates a new token for the provided user identifier.
func (m *Manager) Issue(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id must be provided")
	}

	token, err := randomToken()
	if err != nil {
		return "", err
	}

	if err := m.store.Save(ctx, Session{
		Token:    token,
		UserID:   userID,
		IssuedAt: m.now().UTC(),
	}); err != nil {
		return "", err
	}

	return token, nil
}

// Resolve returns the user bound to token.
func (m *Manager) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrSessionNotFound
	}

	session, err := m.store.Find(ctx, token)
	if err != nil {
		return "", err
	}
	return session.UserID, nil
}

// Revoke removes the provided token from the active session store.
func (m *Manager) Revoke(ctx context.Context, token string) {
	if token == "" {
		return
	}
	_ = m.store.Delete(ctx, token)
}

func randomToken() (string, error) {
	const size = 32
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
