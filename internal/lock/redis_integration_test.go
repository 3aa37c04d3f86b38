//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestLeaseStore_ReleaseRequiresOwnership(t *testing.T) {
	client := startRedis(t)
	store := NewLeaseStore(client)
	ctx := context.Background()

	first, err := store.Take(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := store.Take(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	forged := &Lease{store: store, key: "k", token: "someone-else"}
	require.NoError(t, forged.Release(ctx))
	second, err = store.Take(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, first.Release(ctx))
	second, err = store.Take(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, second)
}

func TestLeaseStore_Expires(t *testing.T) {
	client := startRedis(t)
	store := NewLeaseStore(client)
	ctx := context.Background()

	_, err := store.Take(ctx, "short", 100*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		lease, err := store.Take(ctx, "short", time.Minute)
		return err == nil && lease != nil
	}, 2*time.Second, 50*time.Millisecond)
}

func TestDeviceLocks_ExcludeAcrossReplicas(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	replicaA := NewLocalDeviceLocks()
	replicaA.remote = NewLeaseStore(client)
	replicaA.log = zap.NewNop()
	replicaB := NewLocalDeviceLocks()
	replicaB.remote = NewLeaseStore(client)

	release, err := replicaA.Acquire(ctx, KindDispatch, "42")
	require.NoError(t, err)

	_, err = replicaB.TryAcquire(ctx, KindDispatch, "42")
	assert.ErrorIs(t, err, ErrHeld)

	waitCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = replicaB.Acquire(waitCtx, KindDispatch, "42")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	got, err := replicaB.TryAcquire(ctx, KindDispatch, "42")
	require.NoError(t, err)
	got()
}
