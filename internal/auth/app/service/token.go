package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
)

// TokenType distinguishes access from refresh tokens
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// TokenPair represents access and refresh tokens
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	TokenType        string
}

// Claims represents JWT claims
type Claims struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 tokens
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      func() time.Time
}

// NewTokenIssuer creates a token issuer
func NewTokenIssuer(secret, issuer string, accessTTL, refreshTTL time.Duration, clock func() time.Time) *TokenIssuer {
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      clock,
	}
}

// Issue creates a fresh access and refresh token for user
func (t *TokenIssuer) Issue(user *model.User) (*TokenPair, error) {
	now := t.clock()
	access, accessExp, err := t.sign(user, TokenTypeAccess, now, t.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := t.sign(user, TokenTypeRefresh, now, t.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		TokenType:        "Bearer",
	}, nil
}

func (t *TokenIssuer) sign(user *model.User, typ TokenType, now time.Time, ttl time.Duration) (string, time.Time, error) {
	expiresAt := now.Add(ttl)
	claims := Claims{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      string(user.Role),
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    t.issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies signature, expiry, issuer and token type
func (t *TokenIssuer) Parse(tokenString string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", model.ErrInvalidToken)
		}
		return nil, model.ErrInvalidToken
	}
	if !token.Valid || claims.TokenType != want || claims.UserID == "" {
		return nil, model.ErrInvalidToken
	}
	return claims, nil
}
