// Package auth provides the two identity spaces (admins and collection
// users), token issuance and rotation, and verification tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types. The type claim is checked on verify so admin and user tokens
// are never interchangeable.
const (
	TokenTypeAdmin   = "admin"
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Token lifetimes.
const (
	AdminTokenLifetime   = 24 * time.Hour
	AccessTokenLifetime  = 15 * time.Minute
	RefreshTokenLifetime = 7 * 24 * time.Hour
)

// Claims is the single claim set for all bunbase tokens.
type Claims struct {
	Type           string `json:"type"`
	AdminID        string `json:"adminId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	CollectionID   string `json:"collectionId,omitempty"`
	CollectionName string `json:"collectionName,omitempty"`
	TokenID        string `json:"tokenId,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies compact HS256 tokens.
type TokenManager struct {
	secret []byte
}

// NewTokenManager creates a token manager. The secret must be non-empty.
func NewTokenManager(secret string) (*TokenManager, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	return &TokenManager{secret: []byte(secret)}, nil
}

// NewAdminToken issues a 24h admin bearer token.
func (m *TokenManager) NewAdminToken(adminID string) (string, error) {
	return m.sign(&Claims{
		Type:    TokenTypeAdmin,
		AdminID: adminID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(AdminTokenLifetime)),
		},
	})
}

// NewAccessToken issues a short-lived user access token.
func (m *TokenManager) NewAccessToken(user *User) (string, error) {
	return m.sign(&Claims{
		Type:           TokenTypeAccess,
		UserID:         user.ID,
		CollectionID:   user.CollectionID,
		CollectionName: user.CollectionName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(AccessTokenLifetime)),
		},
	})
}

// NewRefreshToken issues a refresh token bound to a tracked tokenId.
func (m *TokenManager) NewRefreshToken(user *User, tokenID string) (string, error) {
	return m.sign(&Claims{
		Type:           TokenTypeRefresh,
		UserID:         user.ID,
		CollectionID:   user.CollectionID,
		CollectionName: user.CollectionName,
		TokenID:        tokenID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(RefreshTokenLifetime)),
		},
	})
}

func (m *TokenManager) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature, expiry and token type.
func (m *TokenManager) Parse(tokenString, wantType string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != wantType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
