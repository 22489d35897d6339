// Package redis keeps the refresh-token revocation list in Redis
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore stores revoked token ids as keys that expire with the token
type RevocationStore struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

// NewRevocationStore creates a Redis-backed revocation store
func NewRevocationStore(client redis.UniversalClient, prefix string) *RevocationStore {
	if prefix == "" {
		prefix = "auth:revoked:"
	}
	return &RevocationStore{client: client, prefix: prefix, clock: time.Now}
}

// Revoke sets the key with SETNX so concurrent rotations of one token see a single winner
func (s *RevocationStore) Revoke(ctx context.Context, jti, userID string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(s.clock())
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.SetNX(ctx, s.prefix+jti, userID, ttl).Result()
}

func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
