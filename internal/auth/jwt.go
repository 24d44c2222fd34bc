// Package auth authenticates API callers with JWT bearer tokens or
// bcrypt-hashed API keys, and rate limits them per principal.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "repflow-orchestrator"

// Principal identifies the authenticated caller for the request lifetime.
type Principal struct {
	Subject  string
	Name     string
	IsAPIKey bool
}

// JWTManager signs and validates access tokens.
type JWTManager struct {
	signingKey []byte
	expiry     time.Duration
}

func NewJWTManager(signingKey string, expiry time.Duration) *JWTManager {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &JWTManager{signingKey: []byte(signingKey), expiry: expiry}
}

// Claims are the token claims carried by access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// Generate issues an access token for a subject.
func (j *JWTManager) Generate(subject, name string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Name: name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.signingKey)
}

// Validate parses a token and returns its principal.
func (j *JWTManager) Validate(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.Issuer != issuer {
		return nil, errors.New("auth: invalid token issuer")
	}
	return &Principal{Subject: claims.Subject, Name: claims.Name}, nil
}

// ExtractBearerToken pulls the token out of an Authorization header.
func ExtractBearerToken(header string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("auth: invalid authorization header format")
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}
