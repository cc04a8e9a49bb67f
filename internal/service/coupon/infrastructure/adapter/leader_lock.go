package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"

	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/redis"
	"couponhub/internal/pkg/zookeeper"
)

const auditLockName = "coupon-audit"

// RedisLeaderLock 用 redislock 实现 port.LeaderLock。
// 持有期间每 ttl/3 续期一次，进程崩溃后锁在 ttl 内自动过期。
type RedisLeaderLock struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

func NewRedisLeaderLock(redisClient *redis.Client, ttl time.Duration) *RedisLeaderLock {
	return &RedisLeaderLock{
		locker: redislock.New(redisClient.GetClient()),
		key:    "lock:" + auditLockName,
		ttl:    ttl,
	}
}

func (l *RedisLeaderLock) TryAcquire(ctx context.Context) (func(context.Context) error, bool, error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	kctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepAlive(kctx, lock)
	}()

	release := func(ctx context.Context) error {
		stop()
		<-done
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			// 已过期，其它实例可能已经拿到锁
			return nil
		}
		return err
	}
	return release, true, nil
}

func (l *RedisLeaderLock) keepAlive(ctx context.Context, lock *redislock.Lock) {
	interval := l.ttl / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, l.ttl, nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				// 续期失败时对账仍然安全 (CAS 修正、幂等退还)，只是可能与其它实例重叠
				logger.Ctx(ctx).Warn().Err(err).Str("key", l.key).Msg("failed to refresh audit lock")
				if errors.Is(err, redislock.ErrNotObtained) {
					return
				}
			}
		}
	}
}

// ZkLeaderLock 用 ZooKeeper 临时顺序节点实现 port.LeaderLock，会话断开时锁自动释放
type ZkLeaderLock struct {
	conn *zookeeper.Conn
}

func NewZkLeaderLock(conn *zookeeper.Conn) *ZkLeaderLock {
	return &ZkLeaderLock{conn: conn}
}

func (l *ZkLeaderLock) TryAcquire(ctx context.Context) (func(context.Context) error, bool, error) {
	lock, err := zookeeper.NewDistributedLock(l.conn, auditLockName)
	if err != nil {
		return nil, false, err
	}
	if err := lock.TryLock(ctx); err != nil {
		if errors.Is(err, zookeeper.ErrLockHeld) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return func(context.Context) error { return lock.Unlock() }, true, nil
}
