package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/memalerts/backend/internal/repositories"
)

func newTestService(t *testing.T) (*Service, *repositories.MemoryUserRepository) {
	t.Helper()
	users := repositories.NewMemoryUserRepository()
	svc := NewService(users, NewManager(NewInMemorySessionStore()), WithHashCost(bcrypt.MinCost))
	return svc, users
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService(t)

	registered, err := svc.Register(ctx, "alice", " Alice@Example.COM ", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if registered.Token == "" || registered.User.ID == "" {
		t.Fatalf("expected token and user id, got %+v", registered)
	}
	if registered.User.Email != "alice@example.com" {
		t.Fatalf("expected normalised email, got %q", registered.User.Email)
	}

	stored, err := users.FindByID(ctx, registered.User.ID)
	if err != nil {
		t.Fatalf("find stored user: %v", err)
	}
	if stored.PasswordHash == "secret1" || !strings.HasPrefix(stored.PasswordHash, "$2") {
		t.Fatalf("expected bcrypt hash to be stored, got %q", stored.PasswordHash)
	}

	for _, identifier := range []string{"alice", "ALICE", "alice@example.com", "Alice@example.com"} {
		result, err := svc.Login(ctx, identifier, "secret1")
		if err != nil {
			t.Fatalf("login with %q: %v", identifier, err)
		}
		if result.User.ID != registered.User.ID {
			t.Fatalf("login with %q resolved %q", identifier, result.User.ID)
		}
		if result.Token == registered.Token {
			t.Fatal("expected a fresh token per login")
		}
	}

	userID, ok := svc.ValidateToken(ctx, registered.Token)
	if !ok || userID != registered.User.ID {
		t.Fatalf("expected register token to stay valid, got %q %v", userID, ok)
	}
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.Register(ctx, "alice", "alice@example.com", "secret1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := []struct {
		name                   string
		login, email, password string
		want                   error
	}{
		{"blank login", " ", "bob@example.com", "secret1", ErrMissingCredentials},
		{"blank password", "bob", "bob@example.com", "   ", ErrMissingCredentials},
		{"bad email", "bob", "not-an-email", "secret1", ErrInvalidEmail},
		{"short password", "bob", "bob@example.com", "12345", ErrWeakPassword},
		{"duplicate login", "ALICE", "other@example.com", "secret1", ErrDuplicateIdentity},
		{"duplicate email", "alice2", "ALICE@example.com", "secret1", ErrDuplicateIdentity},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tc.login, tc.email, tc.password); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRegisterHonoursMinimumLength(t *testing.T) {
	users := repositories.NewMemoryUserRepository()
	svc := NewService(users, NewManager(NewInMemorySessionStore()), WithHashCost(bcrypt.MinCost), WithMinPasswordLength(10))

	if _, err := svc.Register(context.Background(), "bob", "bob@example.com", "secret1"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.Register(ctx, "alice", "alice@example.com", "secret1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, unknown := svc.Login(ctx, "mallory", "secret1")
	_, wrong := svc.Login(ctx, "alice", "wrong-password")
	if !errors.Is(unknown, ErrInvalidCredentials) || !errors.Is(wrong, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v and %v", unknown, wrong)
	}
	if unknown.Error() != wrong.Error() {
		t.Fatalf("expected identical messages, got %q and %q", unknown, wrong)
	}

	if _, err := svc.Login(ctx, "", "secret1"); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestLoginWithToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	registered, err := svc.Register(ctx, "alice", "alice@example.com", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := svc.LoginWithToken(ctx, registered.Token)
	if err != nil {
		t.Fatalf("login with token: %v", err)
	}
	if result.Token != registered.Token || result.User.Login != "alice" {
		t.Fatalf("unexpected result %+v", result)
	}

	svc.Revoke(ctx, registered.Token)
	if _, err := svc.LoginWithToken(ctx, registered.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}
	if _, ok := svc.ValidateToken(ctx, registered.Token); ok {
		t.Fatal("expected revoked token to be invalid")
	}
	if _, err := svc.LoginWithToken(ctx, "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unknown token, got %v", err)
	}
}

func TestRegisterStampsCreationTime(t *testing.T) {
	ctx := context.Background()
	users := repositories.NewMemoryUserRepository()
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	svc := NewService(users, NewManager(NewInMemorySessionStore()),
		WithHashCost(bcrypt.MinCost),
		WithClock(func() time.Time { return fixed }),
	)

	result, err := svc.Register(ctx, "dora", "dora@example.com", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !result.User.CreatedAt.Equal(fixed) || result.User.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC creation time %v, got %v", fixed.UTC(), result.User.CreatedAt)
	}
}

func TestRegisterRejectsOverlongPassword(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService(t)

	_, err := svc.Register(ctx, "erin", "erin@example.com", strings.Repeat("x", 80))
	if !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
	if _, err := users.FindByLogin(ctx, "erin"); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected no user to be stored, got %v", err)
	}

	if _, err := svc.Register(ctx, "erin", "erin@example.com", strings.Repeat("x", MaxPasswordBytes)); err != nil {
		t.Fatalf("expected a %d byte password to register, got %v", MaxPasswordBytes, err)
	}
}

func TestLoginUnknownUserPaysForComparison(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.Login(ctx, "nobody", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if len(svc.dummyHash) == 0 {
		t.Fatal("expected unknown-user login to compare against a hash")
	}
	cost, err := bcrypt.Cost(svc.dummyHash)
	if err != nil || cost != bcrypt.MinCost {
		t.Fatalf("expected dummy hash at the configured cost, got %d %v", cost, err)
	}
}
