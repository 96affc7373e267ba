// Package auth issues and verifies the signed tokens peers present when
// connecting to the relay. Token cryptography stays at the edge: the room
// engine only ever sees the verified user id.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
)

const issuer = "relaycore"

// TokenService signs and verifies HS256 connect tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// Options configures a TokenService.
type Options struct {
	Secret []byte
	// TTL bounds token validity, one hour when zero.
	TTL   time.Duration
	Clock func() time.Time
}

// New creates a token service.
func New(opts Options) (*TokenService, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: secret must not be empty")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenService{secret: opts.Secret, ttl: ttl, clock: clock}, nil
}

// Sign issues a connect token for the user id.
func (s *TokenService) Sign(userID string) (string, error) {
	now := s.clock()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks a connect token and returns the user id it was issued for.
func (s *TokenService) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperrors.Wrap(apperrors.CodeAuthTokenExpired, "connect token expired", err)
		}
		return "", apperrors.Wrap(apperrors.CodeAuthTokenInvalid, "connect token invalid", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", apperrors.New(apperrors.CodeAuthTokenInvalid, "connect token carries no subject")
	}
	return claims.Subject, nil
}
