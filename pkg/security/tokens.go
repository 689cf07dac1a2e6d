package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const tokenIssuer = "fleetguard"

var ErrInvalidToken = errors.New("invalid token")

// Token represents a signed bearer token
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenManager issues and validates the HS256 bearer tokens exchanged with node agents and alert receivers
type TokenManager struct {
	secret   []byte
	duration time.Duration
	now      func() time.Time
}

// NewTokenManager creates a manager signing with secret; tokens live for duration
func NewTokenManager(secret []byte, duration time.Duration) (*TokenManager, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret cannot be empty")
	}
	if duration <= 0 {
		duration = time.Minute
	}
	return &TokenManager{
		secret:   secret,
		duration: duration,
		now:      time.Now,
	}, nil
}

// GenerateToken signs a short-lived token for subject, scoped to audience
func (tm *TokenManager) GenerateToken(subject, audience string) (*Token, error) {
	now := tm.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tm.duration)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	return &Token{
		Value:     signed,
		IssuedAt:  now,
		ExpiresAt: now.Add(tm.duration),
	}, nil
}

// ValidateToken checks signature, expiry and audience and returns the claims
func (tm *TokenManager) ValidateToken(tokenString, audience string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if !claims.VerifyAudience(audience, true) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	if !claims.VerifyIssuer(tokenIssuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}

	return claims, nil
}
