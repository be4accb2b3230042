package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSigner_RoundTrip(t *testing.T) {
	s := NewSigner("secret", "collab")
	token, exp, err := s.SignAccessToken(42, "alice", time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken() error = %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("exp = %v, want in the future", exp)
	}
	claims, err := s.ParseAccessToken(token)
	if err != nil {
		t.Fatalf("ParseAccessToken() error = %v", err)
	}
	if claims.UserID != 42 || claims.Username != "alice" || claims.Issuer != "collab" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestSigner_Rejects(t *testing.T) {
	s := NewSigner("secret", "")

	refresh, _, _ := s.SignRefreshToken(1, "bob", time.Minute)
	if _, err := s.ParseAccessToken(refresh); !errors.Is(err, ErrTokenType) {
		t.Fatalf("ParseAccessToken(refresh) error = %v, want ErrTokenType", err)
	}

	expired, _, _ := s.SignAccessToken(1, "bob", -time.Minute)
	if _, err := s.ParseAccessToken(expired); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("ParseAccessToken(expired) error = %v, want ErrTokenExpired", err)
	}

	other, _, _ := NewSigner("other", "").SignAccessToken(1, "bob", time.Minute)
	if _, err := s.ParseAccessToken(other); !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		t.Fatalf("ParseAccessToken(foreign) error = %v, want ErrTokenSignatureInvalid", err)
	}
}
