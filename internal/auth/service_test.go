package auth

import (
	"context"
	"testing"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/store"
)

type fakeUserRepo struct {
	store.UserRepository
	byID    map[string]*store.User
	byEmail map[string]*store.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byID: map[string]*store.User{}, byEmail: map[string]*store.User{}}
}

func (f *fakeUserRepo) Create(ctx context.Context, u *store.User) error {
	f.byID[u.ID] = u
	f.byEmail[u.Email] = u
	return nil
}

func (f *fakeUserRepo) Get(ctx context.Context, id string) (*store.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, store.NotFound("user", id)
	}
	return u, nil
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*store.User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return nil, store.NotFound("user", email)
	}
	return u, nil
}

func (f *fakeUserRepo) Update(ctx context.Context, u *store.User) error {
	f.byID[u.ID] = u
	f.byEmail[u.Email] = u
	return nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	tokens := NewTokenIssuer(config.AuthConfig{JWTSecret: "test-secret", TokenDuration: 3600})
	return NewService(newFakeUserRepo(), tokens, nil)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Email: "Alice@Example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("Email = %q, want lowercased", user.Email)
	}
	if user.Role != store.RoleMember {
		t.Errorf("Role = %q, want %q", user.Role, store.RoleMember)
	}
	if user.UnixUsername == "" {
		t.Error("expected a derived UnixUsername")
	}

	loggedIn, token, err := svc.Authenticate(ctx, "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Authenticate() failed: %v", err)
	}
	if loggedIn.ID != user.ID {
		t.Errorf("Authenticate() returned a different user")
	}
	if token == "" {
		t.Error("expected a non-empty token")
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{Email: "bob@example.com", Password: "correcthorse"}); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, "bob@example.com", "wrongpassword"); err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{Email: "carol@example.com", Password: "password1"}); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Email: "carol@example.com", Password: "password2"}); err == nil {
		t.Fatal("expected error for duplicate email")
	}
}

func TestAuthorizeRoleRank(t *testing.T) {
	cases := []struct {
		role    store.UserRole
		minRole store.UserRole
		wantErr bool
	}{
		{store.RoleViewer, store.RoleMember, true},
		{store.RoleMember, store.RoleMember, false},
		{store.RoleAdmin, store.RoleMember, false},
		{store.RoleOwner, store.RoleAdmin, false},
		{store.RoleMember, store.RoleOwner, true},
	}
	for _, tc := range cases {
		err := Authorize(&store.User{Role: tc.role}, tc.minRole)
		if (err != nil) != tc.wantErr {
			t.Errorf("Authorize(role=%s, min=%s) error = %v, wantErr %v", tc.role, tc.minRole, err, tc.wantErr)
		}
	}
}
