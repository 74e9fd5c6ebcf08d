// Package auth issues and verifies the access/refresh token pair used by
// the API and by the console socket's first-message handshake.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// AccessTTL bounds an access token's lifetime.
	AccessTTL = time.Hour
	// RefreshTTL bounds a refresh token's lifetime.
	RefreshTTL = 24 * time.Hour

	kindAccess  = "access"
	kindRefresh = "refresh"
)

var (
	ErrInvalidToken = errors.New("token is invalid or expired")
)

// Claims carries the user identity inside both token kinds.
type Claims struct {
	UserID int64  `json:"user_id"`
	Kind   string `json:"kind"`
	jwt.RegisteredClaims
}

// Tokens is the pair handed out at login.
type Tokens struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// Signer issues and verifies tokens with a shared HMAC secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner builds a signer from the configured secret.
func NewSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// Issue creates an access/refresh pair for the given user.
func (s *Signer) Issue(userID int64, username string) (Tokens, error) {
	access, err := s.sign(userID, username, kindAccess, AccessTTL)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.sign(userID, username, kindRefresh, RefreshTTL)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{Access: access, Refresh: refresh}, nil
}

func (s *Signer) sign(userID int64, username, kind string, ttl time.Duration) (string, error) {
	now := s.now().UTC()
	claims := Claims{
		UserID: userID,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return token, nil
}

// VerifyAccess validates an access token and returns its claims.
func (s *Signer) VerifyAccess(token string) (Claims, error) {
	return s.verify(token, kindAccess)
}

// VerifyRefresh validates a refresh token and returns its claims.
func (s *Signer) VerifyRefresh(token string) (Claims, error) {
	return s.verify(token, kindRefresh)
}

func (s *Signer) verify(token, kind string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Kind != kind {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
