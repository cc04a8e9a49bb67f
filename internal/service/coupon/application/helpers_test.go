package application

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"couponhub/internal/pkg/config"
	"couponhub/internal/pkg/redis"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/infrastructure"
	"couponhub/internal/service/coupon/infrastructure/adapter"
)

// testEnv 把真实的 Redis 适配器 (miniredis) 和 GORM 仓储 (sqlite) 组装在一起
type testEnv struct {
	mr      *miniredis.Miniredis
	redis   *redis.Client
	store   *adapter.StockRedisAdapter
	coupons *infrastructure.GormCouponRepository
	records *infrastructure.GormIssuanceRepository
	lock    *adapter.RedisLeaderLock
	cfg     *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr(), PoolSize: 32}))
	t.Cleanup(func() { _ = client.Close() })
	store, err := adapter.NewStockRedisAdapter(client)
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "coupon.db")), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, infrastructure.Migrate(db))

	cfg := config.NewTestConfig()
	return &testEnv{
		mr:      mr,
		redis:   client,
		store:   store,
		coupons: infrastructure.NewGormCouponRepository(db),
		records: infrastructure.NewGormIssuanceRepository(db),
		lock:    adapter.NewRedisLeaderLock(client, time.Minute),
		cfg:     cfg,
	}
}

// seedCoupon 写入数据库并初始化 Redis
func (e *testEnv) seedCoupon(t *testing.T, total int64) *domain.Coupon {
	t.Helper()
	c := &domain.Coupon{Name: "seed", TotalStock: total, Status: domain.StatusOpen}
	require.NoError(t, e.coupons.Create(context.Background(), c))
	require.NoError(t, e.store.Provision(context.Background(), c))
	return c
}

func (e *testEnv) reconciler() *Reconciler {
	return NewReconciler(e.store, e.coupons, e.records, e.lock, e.cfg.Reconcile)
}

// capturePublisher 记录所有发布的事件，err 非 nil 时发布失败
type capturePublisher struct {
	mu     sync.Mutex
	events []domain.IssuanceEvent
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, event domain.IssuanceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Events() []domain.IssuanceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.IssuanceEvent(nil), p.events...)
}

// memRules 是内存里的规则来源，block 非 nil 时每次读取都会等它关闭
type memRules struct {
	mu    sync.Mutex
	m     map[int64]string
	loads int
	block chan struct{}
}

func (r *memRules) Rule(_ context.Context, couponID int64) (string, bool, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	rule, ok := r.m[couponID]
	return rule, ok, nil
}

func (r *memRules) Loads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads
}

type heldLock struct{}

func (heldLock) TryAcquire(context.Context) (func(context.Context) error, bool, error) {
	return nil, false, nil
}
