package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields the bearer token sent in the connect handshake.
type TokenSource interface {
	Token(identity string) (string, error)
}

// StaticToken is a pre-issued token, typically obtained from the login
// endpoint and stored in config.
type StaticToken string

func (s StaticToken) Token(string) (string, error) {
	if s == "" {
		return "", errors.New("no token configured")
	}
	return string(s), nil
}

// Claims is the JWT body understood by the gateway.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Signer mints short-lived HS256 tokens from a shared secret.
type Signer struct {
	key    []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewSigner creates a signer. ttl <= 0 defaults to 24h.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("empty signing secret")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{key: []byte(secret), ttl: ttl, issuer: "chatsync", now: time.Now}, nil
}

// Token creates a new JWT token for the given identity.
func (s *Signer) Token(identity string) (string, error) {
	if identity == "" {
		return "", errors.New("empty identity")
	}
	now := s.now()
	claims := &Claims{
		UserID: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and validates a token minted with the same secret.
func (s *Signer) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
