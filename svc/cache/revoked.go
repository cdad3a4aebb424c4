package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Revoked is the in-process session revocation list used when no Redis is
// configured. Entries are dropped after maxTTL, which must be at least the
// session lifetime.
type Revoked struct {
	c *expirable.LRU[string, struct{}]
}

func NewRevoked(size int, maxTTL time.Duration) *Revoked {
	return &Revoked{c: expirable.NewLRU[string, struct{}](size, nil, maxTTL)}
}

func (r *Revoked) RevokeSession(_ context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	r.c.Add(tokenID, struct{}{})
	return nil
}

func (r *Revoked) IsSessionRevoked(_ context.Context, tokenID string) (bool, error) {
	return r.c.Contains(tokenID), nil
}
