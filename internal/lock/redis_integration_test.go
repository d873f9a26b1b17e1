//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb, err := NewRedisClient(ctx, RedisConfig{Addr: endpoint})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisLocker(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	a := NewRedisLocker(rdb, "test:")
	b := NewRedisLocker(rdb, "test:")

	unlock, err := a.Acquire(ctx, "p1", 5*time.Second)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "p1", 5*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	ttl, err := rdb.TTL(ctx, "test:p1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	unlock()
	unlockB, err := b.Acquire(ctx, "p1", 5*time.Second)
	require.NoError(t, err)

	// a stale unlock from a does not release b's hold
	unlock()
	_, err = a.Acquire(ctx, "p1", 5*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)
	unlockB()
}
