package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/memalerts/backend/internal/models"
	"github.com/memalerts/backend/internal/repositories"
)

var (
	ErrMissingCredentials = errors.New("login, email and password are required")
	ErrInvalidEmail       = errors.New("email address is invalid")
	ErrWeakPassword       = errors.New("password is too short")
	ErrPasswordTooLong    = errors.New("password is longer than 72 bytes")
	ErrDuplicateIdentity  = errors.New("login or email already registered")
	ErrInvalidCredentials = errors.New("invalid login or password")
	ErrInvalidToken       = errors.New("session token is not valid")
)

// DefaultMinPasswordLength applies when no explicit minimum is configured.
const DefaultMinPasswordLength = 6

// MaxPasswordBytes is the longest password bcrypt will hash.
const MaxPasswordBytes = 72

// dummyPassword is hashed once per Service and compared on unknown-user logins
// so they cost the same bcrypt work as a wrong password.
const dummyPassword = "memalerts-unknown-user"

// UserStore is the subset of the user repository the credential service needs.
type UserStore interface {
	Create(ctx context.Context, user models.User) error
	FindByID(ctx context.Context, id string) (models.User, error)
	FindByLogin(ctx context.Context, login string) (models.User, error)
	FindByEmail(ctx context.Context, email string) (models.User, error)
}

// AuthResult is returned by every successful authentication.
type AuthResult struct {
	Token string
	User  models.User
}

// Service registers users, verifies passwords and issues session tokens.
type Service struct {
	users    UserStore
	sessions *Manager

	minPasswordLength int
	hashCost          int
	now               func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

// Option customises a Service.
type Option func(*Service)

// WithMinPasswordLength overrides DefaultMinPasswordLength.
func WithMinPasswordLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.minPasswordLength = n
		}
	}
}

// WithHashCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithHashCost(cost int) Option {
	return func(s *Service) { s.hashCost = cost }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs a credential service.
func NewService(users UserStore, sessions *Manager, opts ...Option) *Service {
	if users == nil || sessions == nil {
		panic("auth: user store and session manager are required")
	}
	s := &Service{
		users:             users,
		sessions:          sessions,
		minPasswordLength: DefaultMinPasswordLength,
		hashCost:          bcrypt.DefaultCost,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an account and issues its first token.
func (s *Service) Register(ctx context.Context, login, email, password string) (AuthResult, error) {
	login = strings.TrimSpace(login)
	email = strings.ToLower(strings.TrimSpace(email))
	if login == "" || email == "" || strings.TrimSpace(password) == "" {
		return AuthResult{}, ErrMissingCredentials
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return AuthResult{}, ErrInvalidEmail
	}
	if len(password) < s.minPasswordLength {
		return AuthResult{}, ErrWeakPassword
	}
	if len(password) > MaxPasswordBytes {
		return AuthResult{}, ErrPasswordTooLong
	}

	if _, err := s.users.FindByLogin(ctx, login); err == nil {
		return AuthResult{}, ErrDuplicateIdentity
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return AuthResult{}, fmt.Errorf("lookup login: %w", err)
	}
	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return AuthResult{}, ErrDuplicateIdentity
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return AuthResult{}, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return AuthResult{}, fmt.Errorf("hash password: %w", err)
	}

	user := models.User{
		ID:           uuid.NewString(),
		Login:        login,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return AuthResult{}, ErrDuplicateIdentity
		}
		return AuthResult{}, fmt.Errorf("create user: %w", err)
	}

	return s.issue(ctx, user)
}

// Login authenticates by login or email. Unknown users and wrong passwords
// fail with the same error.
func (s *Service) Login(ctx context.Context, identifier, password string) (AuthResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return AuthResult{}, ErrMissingCredentials
	}

	user, err := s.lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.unknownUserHash(), []byte(password))
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return AuthResult{}, ErrInvalidCredentials
	}

	return s.issue(ctx, user)
}

// LoginWithToken re-authenticates with a token issued earlier in this process.
// The same token is returned.
func (s *Service) LoginWithToken(ctx context.Context, token string) (AuthResult, error) {
	userID, err := s.sessions.Resolve(ctx, strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return AuthResult{}, ErrInvalidToken
		}
		return AuthResult{}, err
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.sessions.Revoke(ctx, token)
			return AuthResult{}, ErrInvalidToken
		}
		return AuthResult{}, fmt.Errorf("lookup user: %w", err)
	}

	return AuthResult{Token: token, User: user}, nil
}

// ValidateToken reports the user bound to token.
func (s *Service) ValidateToken(ctx context.Context, token string) (string, bool) {
	userID, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return "", false
	}
	return userID, true
}

// Revoke invalidates token.
func (s *Service) Revoke(ctx context.Context, token string) {
	s.sessions.Revoke(ctx, token)
}

func (s *Service) unknownUserHash() []byte {
	s.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte(dummyPassword), s.hashCost)
		if err != nil {
			hash, _ = bcrypt.GenerateFromPassword([]byte(dummyPassword), bcrypt.DefaultCost)
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}

func (s *Service) lookup(ctx context.Context, identifier string) (models.User, error) {
	first, second := s.users.FindByLogin, s.users.FindByEmail
	if strings.Contains(identifier, "@") {
		first, second = second, first
	}

	user, err := first(ctx, identifier)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return models.User{}, fmt.Errorf("lookup user: %w", err)
	}

	user, err = second(ctx, identifier)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return models.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, err
}

func (s *Service) issue(ctx context.Context, user models.User) (AuthResult, error) {
	token, err := s.sessions.Issue(ctx, user.ID)
	if err != nil {
		return AuthResult{}, fmt.Errorf("issue session: %w", err)
	}
	return AuthResult{Token: token, User: user}, nil
}
