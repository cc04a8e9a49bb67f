// cmd/coupon-service/main.go
package main

import (
	"context"
	"os"
	"time"

	"couponhub/internal/pkg/bootstrap"
	"couponhub/internal/pkg/config"
	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/metrics"
	"couponhub/internal/pkg/mq"
	"couponhub/internal/pkg/redis"
	"couponhub/internal/pkg/zookeeper"
	"couponhub/internal/service/coupon/application"
	"couponhub/internal/service/coupon/domain/port"
	"couponhub/internal/service/coupon/infrastructure"
	"couponhub/internal/service/coupon/infrastructure/adapter"
	"couponhub/internal/service/coupon/interfaces"
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := bootstrap.Init()
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.L()

	// 1. 初始化基础设施
	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs, redis.Options{
		Password: cfg.Infra.Redis.Password,
		DB:       cfg.Infra.Redis.DB,
		PoolSize: cfg.Infra.Redis.PoolSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize redis client")
	}

	db, err := infrastructure.NewMySQL(cfg.Infra.MySQL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mysql")
	}
	if err := infrastructure.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	brokers := mq.SplitBrokers(cfg.Infra.Kafka.Brokers)
	topic := cfg.Infra.Kafka.IssuanceTopic
	issuanceWriter := mq.NewKafkaWriter(brokers, topic)
	dltWriter := mq.NewKafkaWriter(brokers, mq.DltTopic(topic))

	// 2. 组装适配器与应用服务
	stockStore, err := adapter.NewStockRedisAdapter(redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize stock store")
	}
	couponRepo := infrastructure.NewGormCouponRepository(db)
	issuanceRepo := infrastructure.NewGormIssuanceRepository(db)

	leaderLock, closeLock := newLeaderLock(cfg, redisClient)

	reconciler := application.NewReconciler(stockStore, couponRepo, issuanceRepo, leaderLock, cfg.Reconcile)
	eligibility, err := application.NewEligibilityEvaluator(stockStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize eligibility evaluator")
	}
	gate := application.NewStockGate(stockStore, adapter.NewIssuanceKafkaPublisher(issuanceWriter), reconciler, eligibility, cfg.Gate)
	catalog := application.NewCatalogService(couponRepo, issuanceRepo, stockStore, eligibility)
	committer := application.NewCommitter(issuanceRepo, stockStore, cfg.Committer)
	failureHandler := mq.NewFailureHandler(dltWriter)

	// 3. 后台任务: 提交消费者、死信消费者、对账
	var workers []bootstrap.Worker
	if cfg.App.EnableCommitter {
		for i := 0; i < cfg.Committer.Workers; i++ {
			reader := mq.NewKafkaReader(brokers, topic, cfg.Infra.Kafka.GroupID)
			consumer := interfaces.NewIssuanceConsumerAdapter(reader, committer, reconciler, failureHandler)
			workers = append(workers, func(ctx context.Context) error {
				consumer.Start(ctx)
				<-ctx.Done()
				consumer.Stop(context.Background())
				return nil
			})
		}
		dltConsumer := interfaces.NewDltConsumerAdapter(
			mq.NewKafkaReader(brokers, mq.DltTopic(topic), cfg.Infra.Kafka.DltGroupID), reconciler)
		workers = append(workers, func(ctx context.Context) error {
			dltConsumer.Start(ctx)
			<-ctx.Done()
			dltConsumer.Stop(context.Background())
			return nil
		})
	}
	if cfg.App.EnableReconciler {
		workers = append(workers, reconciler.Run)
	}

	handler := interfaces.NewCouponHandler(gate, catalog, reconciler)
	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: cfg.App.ServiceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
			appCtx.Mux.Handle("GET /metrics", metrics.Handler())
		},
		Middleware: interfaces.RateLimit(interfaces.NewLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst)),
		Workers:    workers,
		OnShutdown: []func(ctx context.Context){
			func(context.Context) { _ = issuanceWriter.Close() },
			func(context.Context) { _ = dltWriter.Close() },
			func(context.Context) { closeLock() },
			func(context.Context) { _ = redisClient.Close() },
			func(context.Context) {
				if sqlDB, err := db.DB(); err == nil {
					_ = sqlDB.Close()
				}
			},
		},
	})
	if err != nil {
		os.Exit(1)
	}
}

func newLeaderLock(cfg *config.Config, redisClient *redis.Client) (port.LeaderLock, func()) {
	if cfg.Reconcile.LockBackend == "zookeeper" {
		conn, err := zookeeper.Connect(cfg.Infra.Zookeeper.Servers, 10*time.Second)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to connect to zookeeper")
		}
		return adapter.NewZkLeaderLock(conn), conn.Close
	}
	return adapter.NewRedisLeaderLock(redisClient, cfg.Reconcile.LockTTL), func() {}
}
