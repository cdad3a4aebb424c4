package auth

import (
	"context"
	"snipbin/pkg/domain"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	CookieName    = "session"
	sessionIssuer = "snipbin"
)

// Revoker remembers logged-out session IDs until they would expire anyway.
type Revoker interface {
	RevokeSession(ctx context.Context, tokenID string, ttl time.Duration) error
	IsSessionRevoked(ctx context.Context, tokenID string) (bool, error)
}

type Claims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// Sessions issues and checks HS256 session tokens.
type Sessions struct {
	secret  []byte
	ttl     time.Duration
	revoker Revoker
	now     func() time.Time
}

func NewSessions(secret []byte, ttl time.Duration, revoker Revoker) (*Sessions, error) {
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Sessions{secret: s, ttl: ttl, revoker: revoker, now: time.Now}, nil
}

func (s *Sessions) TTL() time.Duration { return s.ttl }

// Issue signs a token for userID and returns it with its expiry.
func (s *Sessions) Issue(userID int64) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    sessionIssuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign session")
	}
	return token, exp, nil
}

// Parse validates a token and returns its claims. Any defect, including a
// revoked token, yields domain.ErrUnauthorized.
func (s *Sessions) Parse(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, domain.ErrUnauthorized
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid || claims.ID == "" {
		return nil, domain.ErrUnauthorized
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsSessionRevoked(ctx, claims.ID)
		if err != nil {
			return nil, errors.Wrap(err, "check session revocation")
		}
		if revoked {
			return nil, domain.ErrUnauthorized
		}
	}
	return claims, nil
}

// Revoke blocks the token for the rest of its lifetime.
func (s *Sessions) Revoke(ctx context.Context, claims *Claims) error {
	if s.revoker == nil || claims == nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.revoker.RevokeSession(ctx, claims.ID, claims.ExpiresAt.Time.Sub(s.now()))
}
