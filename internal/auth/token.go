package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/store"
)

// Claims is the JWT payload Agor issues for an authenticated session.
type Claims struct {
	UserID string        `json:"uid"`
	Email  string        `json:"email"`
	Role   store.UserRole `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies Agor session tokens.
type TokenIssuer struct {
	secret   []byte
	duration time.Duration
}

func NewTokenIssuer(cfg config.AuthConfig) *TokenIssuer {
	duration := time.Duration(cfg.TokenDuration) * time.Second
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(cfg.JWTSecret), duration: duration}
}

func (t *TokenIssuer) Issue(user *store.User) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.duration)),
			Subject:   user.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify parses and validates a token, returning its claims.
func (t *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperror.New(apperror.NotAuthenticated, "unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperror.New(apperror.NotAuthenticated, "invalid or expired session token")
	}
	return claims, nil
}
