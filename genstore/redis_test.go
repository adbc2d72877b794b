package genstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewRedis(RedisOptions{Client: client, Namespace: "test", TTL: ttl, CloseClient: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return mr, s
}

func TestNewRedisRequiresClient(t *testing.T) {
	_, err := NewRedis(RedisOptions{})
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestRedisBumpAndSnapshot(t *testing.T) {
	ctx := context.Background()
	mr, s := newTestRedis(t, 0)

	g, err := s.Snapshot(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), g)

	for want := uint64(1); want <= 3; want++ {
		g, err = s.Bump(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, want, g)
	}
	v, err := mr.Get("gen:test:k")
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}

func TestRedisSnapshotMany(t *testing.T) {
	ctx := context.Background()
	_, s := newTestRedis(t, 0)
	_, _ = s.Bump(ctx, "b")
	_, _ = s.Bump(ctx, "b")

	got, err := s.SnapshotMany(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"a": 0, "b": 2}, got)

	empty, err := s.SnapshotMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisBumpRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	mr, s := newTestRedis(t, time.Minute)
	_, err := s.Bump(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("gen:test:k"))

	mr.FastForward(2 * time.Minute)
	g, err := s.Snapshot(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), g, "expired generation reads as zero")
}

func TestRedisRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	mr, s := newTestRedis(t, 0)
	require.NoError(t, mr.Set("gen:test:k", "not-a-number"))

	_, err := s.Snapshot(ctx, "k")
	assert.Error(t, err)
	_, err = s.SnapshotMany(ctx, []string{"k"})
	assert.Error(t, err)
}
