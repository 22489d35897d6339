package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevocationStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRevocationStore(client, "")
	ctx := context.Background()

	revoked, err := store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	fresh, err := store.Revoke(ctx, "jti-1", "u-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = store.Revoke(ctx, "jti-1", "u-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, fresh)

	revoked, err = store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, "u-1", mustGet(t, mr, "auth:revoked:jti-1"))

	mr.FastForward(2 * time.Hour)
	revoked, err = store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
