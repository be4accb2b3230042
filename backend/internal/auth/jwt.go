// Package auth issues and verifies the bearer tokens that identify a user to
// the REST and websocket endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var ErrTokenType = errors.New("TOKEN_TYPE_MISMATCH")

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// Signer 用同一个 HS256 密钥签发和校验
type Signer struct {
	secret []byte
	issuer string
}

func NewSigner(secret, issuer string) *Signer {
	if secret == "" {
		secret = "dev-secret"
	}
	return &Signer{secret: []byte(secret), issuer: issuer}
}

func (s *Signer) sign(userID uint64, username, typ string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return token, exp, nil
}

func (s *Signer) SignAccessToken(userID uint64, username string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(userID, username, TypeAccess, ttl)
}

func (s *Signer) SignRefreshToken(userID uint64, username string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(userID, username, TypeRefresh, ttl)
}

// ParseToken 解析任意 token（访问/刷新），返回 Claims
func (s *Signer) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// ParseAccessToken 只接受访问令牌
func (s *Signer) ParseAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess {
		return nil, fmt.Errorf("%w: got %q", ErrTokenType, claims.Type)
	}
	return claims, nil
}
