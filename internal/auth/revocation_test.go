package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRevocations(t *testing.T) {
	mr := miniredis.RunT(t)
	revocations, err := NewRedisRevocations("redis://" + mr.Addr())
	require.NoError(t, err)
	defer revocations.Close()

	ctx := context.Background()
	require.NoError(t, revocations.Ping(ctx))

	revoked, err := revocations.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, revocations.Revoke(ctx, "jti-1", time.Now().Add(time.Hour)))
	revoked, err = revocations.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Hour)
	revoked, err = revocations.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked, "entries expire with the token")
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	mr := miniredis.RunT(t)
	revocations, err := NewRedisRevocations("redis://" + mr.Addr())
	require.NoError(t, err)
	defer revocations.Close()

	require.NoError(t, revocations.Revoke(context.Background(), "old", time.Now().Add(-time.Minute)))
	assert.Empty(t, mr.Keys())
}

func TestNewRedisRevocationsRejectsBadURL(t *testing.T) {
	_, err := NewRedisRevocations("not-a-url")
	assert.Error(t, err)
}
