package onboarding

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "brigade"

var errTokensDisabled = errors.New("resume tokens are not enabled")

// resumeClaims binds an attempt to its idempotency key.
type resumeClaims struct {
	IdempotencyKey string `json:"idk"`
	jwt.RegisteredClaims
}

// tokenSigner issues and verifies HS256 resume tokens.
type tokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func (s *tokenSigner) enabled() bool {
	return len(s.secret) > 0
}

func (s *tokenSigner) issue(attemptID uuid.UUID, key string) (string, error) {
	if !s.enabled() {
		return "", errTokensDisabled
	}

	now := s.now()
	claims := resumeClaims{
		IdempotencyKey: key,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   attemptID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// verify returns the attempt id and idempotency key carried by the token.
func (s *tokenSigner) verify(token string) (uuid.UUID, string, error) {
	if !s.enabled() {
		return uuid.Nil, "", errTokensDisabled
	}

	var claims resumeClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid resume token: %w", err)
	}

	attemptID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid resume token subject: %w", err)
	}
	if claims.IdempotencyKey == "" {
		return uuid.Nil, "", errors.New("resume token has no idempotency key")
	}

	return attemptID, claims.IdempotencyKey, nil
}
