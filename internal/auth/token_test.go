package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/store"
)

func TestTokenIssueAndVerifyRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer(config.AuthConfig{JWTSecret: "round-trip-secret", TokenDuration: 3600})
	user := &store.User{ID: "user-1", Email: "dave@example.com", Role: store.RoleAdmin}

	token, err := issuer.Issue(user)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if claims.UserID != user.ID {
		t.Errorf("UserID = %q, want %q", claims.UserID, user.ID)
	}
	if claims.Email != user.Email {
		t.Errorf("Email = %q, want %q", claims.Email, user.Email)
	}
	if claims.Role != user.Role {
		t.Errorf("Role = %q, want %q", claims.Role, user.Role)
	}
}

func TestTokenVerifyRejectsExpired(t *testing.T) {
	issuer := &TokenIssuer{secret: []byte("expiry-secret"), duration: -time.Hour}
	user := &store.User{ID: "user-2", Email: "erin@example.com", Role: store.RoleMember}

	token, err := issuer.Issue(user)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestTokenVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer(config.AuthConfig{JWTSecret: "correct-secret", TokenDuration: 3600})
	user := &store.User{ID: "user-3", Email: "frank@example.com", Role: store.RoleOwner}

	token, err := issuer.Issue(user)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	other := NewTokenIssuer(config.AuthConfig{JWTSecret: "wrong-secret", TokenDuration: 3600})
	if _, err := other.Verify(token); err == nil {
		t.Fatal("expected error for token signed with a different secret")
	}
}

func TestTokenVerifyRejectsUnexpectedSigningMethod(t *testing.T) {
	issuer := NewTokenIssuer(config.AuthConfig{JWTSecret: "alg-secret", TokenDuration: 3600})

	claims := Claims{
		UserID: "user-4",
		Email:  "grace@example.com",
		Role:   store.RoleMember,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tokenString, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() failed: %v", err)
	}

	if _, err := issuer.Verify(tokenString); err == nil {
		t.Fatal("expected error for unexpected signing method")
	}
}
