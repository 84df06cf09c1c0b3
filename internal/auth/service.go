// Package auth is C1: password-based login, session-token issuance and
// verification, and role/ownership authorization checks shared by C8's
// before-hooks and C9's gateway routes.
package auth

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/common/unixname"
	"github.com/agor-dev/agor/internal/store"
)

const bcryptCost = bcrypt.DefaultCost

// Service is the user lifecycle and credential verification surface.
// It follows a thin service-layer shape: a struct wrapping a repository
// plus a logger, one exported method per use case.
type Service struct {
	users  store.UserRepository
	tokens *TokenIssuer
	log    *logger.Logger
}

func NewService(users store.UserRepository, tokens *TokenIssuer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{users: users, tokens: tokens, log: log.WithFields()}
}

// RegisterRequest creates the first owner, or an additional member invited
// by an existing admin/owner.
type RegisterRequest struct {
	Email    string
	Password string
	Role     store.UserRole
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperror.New(apperror.ValidationFailed, "email is invalid")
	}
	if len(req.Password) < 8 {
		return nil, apperror.New(apperror.ValidationFailed, "password must be at least 8 characters")
	}
	if existing, _ := s.users.GetByEmail(ctx, email); existing != nil {
		return nil, apperror.New(apperror.Conflict, "a user with this email already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "hashing password", err)
	}

	role := req.Role
	if role == "" {
		role = store.RoleMember
	}

	user := &store.User{
		ID:           idutil.New(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		UnixUsername: unixname.DeriveUsername(email),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate verifies email/password and returns a signed session token.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*store.User, string, error) {
	user, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, "", apperror.New(apperror.NotAuthenticated, "invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", apperror.New(apperror.NotAuthenticated, "invalid email or password")
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return nil, "", apperror.Wrap(apperror.NotAuthenticated, "issuing session token", err)
	}
	return user, token, nil
}

// ChangePassword replaces a user's password hash, clearing
// MustChangePassword if it was set.
func (s *Service) ChangePassword(ctx context.Context, userID, newPassword string) error {
	if len(newPassword) < 8 {
		return apperror.New(apperror.ValidationFailed, "password must be at least 8 characters")
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcryptCost)
	if err != nil {
		return apperror.Wrap(apperror.ValidationFailed, "hashing password", err)
	}
	user.PasswordHash = string(hash)
	user.MustChangePassword = false
	return s.users.Update(ctx, user)
}

// Authorize enforces role-based access: admins and owners may manage other
// users and repos; members and viewers are scoped to Ownership checks
// performed by the caller (C8's before-hooks, C4's ACL sync).
func Authorize(user *store.User, minRole store.UserRole) error {
	rank := map[store.UserRole]int{
		store.RoleViewer: 0,
		store.RoleMember: 1,
		store.RoleAdmin:  2,
		store.RoleOwner:  3,
	}
	if rank[user.Role] < rank[minRole] {
		return apperror.New(apperror.Forbidden, "insufficient role")
	}
	return nil
}
