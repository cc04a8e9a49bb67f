package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLeaderLock_SingleHolder(t *testing.T) {
	_, mr, client := newTestStore(t)
	ctx := context.Background()

	a := NewRedisLeaderLock(client, time.Minute)
	b := NewRedisLeaderLock(client, time.Minute)

	release, ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held by another instance")

	require.NoError(t, release(ctx))
	release, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// 过期后释放不报错
	mr.FastForward(2 * time.Minute)
	assert.NoError(t, release(ctx))
}

func TestRedisLeaderLock_RefreshesLease(t *testing.T) {
	_, mr, client := newTestStore(t)
	ctx := context.Background()
	ttl := 300 * time.Millisecond
	lock := NewRedisLeaderLock(client, ttl)

	release, ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// 对账耗时超过一个 ttl，租约必须被续上
	mr.FastForward(250 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL("lock:"+auditLockName) > 250*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)
	mr.FastForward(250 * time.Millisecond)

	_, ok, err = NewRedisLeaderLock(client, ttl).TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease outlived its initial ttl")

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("lock:"+auditLockName))
}
