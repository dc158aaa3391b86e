package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the issuer claim on session tokens
const Issuer = "earthring-server"

// Claims represents the session token claims
type Claims struct {
	jwt.RegisteredClaims

	Username string `json:"username"`
}

// SessionInfo is what the client learns from a session token it cannot verify
type SessionInfo struct {
	Username  string
	TokenID   string
	ExpiresAt time.Time
}

// Expired reports whether the token has expired at now
func (s SessionInfo) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// TokenIssuer signs and validates session tokens with an HMAC secret
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
}

// NewTokenIssuer creates a token issuer
func NewTokenIssuer(secret string, expiry time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		expiry: expiry,
	}
}

// Issue generates a session token for username
func (s *TokenIssuer) Issue(username string) (string, error) {
	now := time.Now()

	tokenID, err := generateTokenID()
	if err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        tokenID,
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate verifies a token's signature and expiry and returns its claims
func (s *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Expiry returns the lifetime of issued tokens
func (s *TokenIssuer) Expiry() time.Duration {
	return s.expiry
}

// ParseSessionToken reads the claims of a token handed to the client at
// login. The client does not hold the signing secret, so the signature is
// not checked; the token only tells the client who the server says it is.
func ParseSessionToken(tokenString string) (SessionInfo, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return SessionInfo{}, fmt.Errorf("failed to parse session token: %w", err)
	}
	if claims.Issuer != Issuer {
		return SessionInfo{}, errors.New("invalid token issuer")
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	info := SessionInfo{Username: username, TokenID: claims.ID}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// generateTokenID generates a unique token ID
func generateTokenID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
