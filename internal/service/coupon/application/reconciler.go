package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"couponhub/internal/pkg/config"
	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/metrics"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

const (
	abandonedBatch   = 500
	auditConcurrency = 4
)

// Reconciler 负责补偿和周期性对账，让 Redis 的快速状态与数据库保持一致。
type Reconciler struct {
	store   port.StockStore
	coupons domain.CouponRepository
	records domain.IssuanceRepository
	lock    port.LeaderLock
	cfg     config.ReconcileConfig
	tracer  trace.Tracer
	now     func() time.Time
}

func NewReconciler(store port.StockStore, coupons domain.CouponRepository, records domain.IssuanceRepository,
	lock port.LeaderLock, cfg config.ReconcileConfig) *Reconciler {
	return &Reconciler{
		store:   store,
		coupons: coupons,
		records: records,
		lock:    lock,
		cfg:     cfg,
		tracer:  otel.Tracer("coupon-reconciler"),
		now:     time.Now,
	}
}

// Compensate 先写 FAILED 栅栏再退还库存。
// 栅栏写不进去时预留保持未决，由对账稍后完成；不会出现既有记录又退还的情况。
func (r *Reconciler) Compensate(ctx context.Context, event domain.IssuanceEvent, reason string) (port.CompensationOutcome, error) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.Compensate")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("coupon.id", event.CouponID),
		attribute.Int64("user.id", event.UserID),
		attribute.Int64("issuance.sequence", event.SequenceNumber),
	)
	log := logger.Ctx(ctx).With().
		Int64("couponId", event.CouponID).
		Int64("userId", event.UserID).
		Int64("seq", event.SequenceNumber).
		Logger()

	fence, err := r.records.MarkFailed(ctx, event, reason)
	if err != nil {
		metrics.Compensations.WithLabelValues("fence_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fence failed")
		return 0, fmt.Errorf("compensation fence: %w", err)
	}

	if fence == domain.FenceAlreadyCommitted {
		if _, err := r.store.Confirm(ctx, event.CouponID, event.UserID); err != nil {
			return 0, fmt.Errorf("compensation settle: %w", err)
		}
		metrics.Compensations.WithLabelValues(port.CompensationConfirmed.String()).Inc()
		log.Info().Msg("reservation already committed, settled instead of refunding")
		return port.CompensationConfirmed, nil
	}

	released, err := r.store.Release(ctx, event.CouponID, event.UserID, event.SequenceNumber)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		return 0, fmt.Errorf("compensation release: %w", err)
	}
	outcome := port.CompensationAlreadyReleased
	if released {
		outcome = port.CompensationRefunded
	}
	metrics.Compensations.WithLabelValues(outcome.String()).Inc()
	log.Warn().Str("reason", reason).Str("outcome", outcome.String()).Msg("🔁 reservation compensated")
	return outcome, nil
}

// CouponAudit 是单张券的对账结果
type CouponAudit struct {
	CouponID    int64         `json:"couponId"`
	Status      domain.Status `json:"status"`
	Total       int64         `json:"total"`
	Remaining   int64         `json:"remaining"`
	Committed   int64         `json:"committed"`
	Outstanding int64         `json:"outstanding"`
	Expected    int64         `json:"expected"`
	Drift       int64         `json:"drift"`
	Missing     bool          `json:"missing,omitempty"`    // Redis 中没有这张券
	OverIssued  bool          `json:"overIssued,omitempty"` // 已提交加未决超过总量
	Corrected   bool          `json:"corrected,omitempty"`
	Exhausted   bool          `json:"exhausted,omitempty"`

	Confirmed   int `json:"confirmed,omitempty"`
	Refunded    int `json:"refunded,omitempty"`
	Compensated int `json:"compensated,omitempty"`
}

// AuditReport 汇总一次对账
type AuditReport struct {
	Skipped bool          `json:"skipped"` // 其它实例持有对账锁
	Coupons []CouponAudit `json:"coupons"`
	Errors  int           `json:"errors"`
}

// Audit 在 leader 锁下检查所有券；已关闭的券只处理超时的预留
func (r *Reconciler) Audit(ctx context.Context) (AuditReport, error) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.Audit")
	defer span.End()

	release, ok, err := r.lock.TryAcquire(ctx)
	if err != nil {
		metrics.AuditRuns.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock failed")
		return AuditReport{}, fmt.Errorf("audit lock: %w", err)
	}
	if !ok {
		metrics.AuditRuns.WithLabelValues("skipped").Inc()
		return AuditReport{Skipped: true}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to release audit lock")
		}
	}()

	coupons, err := r.coupons.ListAuditable(ctx)
	if err != nil {
		metrics.AuditRuns.WithLabelValues("error").Inc()
		return AuditReport{}, err
	}

	var (
		mu     sync.Mutex
		report = AuditReport{Coupons: make([]CouponAudit, 0, len(coupons))}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(auditConcurrency)
	for _, c := range coupons {
		g.Go(func() error {
			audit, err := r.auditCoupon(gctx, c, true)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// 单张券失败不影响其它券
				report.Errors++
				logger.Ctx(gctx).Error().Err(err).Int64("couponId", c.ID).Msg("coupon audit failed")
				return nil
			}
			report.Coupons = append(report.Coupons, audit)
			return nil
		})
	}
	_ = g.Wait()

	metrics.AuditRuns.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("audit.coupons", len(report.Coupons)), attribute.Int("audit.errors", report.Errors))
	return report, nil
}

// Inspect 只读地计算单张券的对账结果，不做任何修正
func (r *Reconciler) Inspect(ctx context.Context, couponID int64) (CouponAudit, error) {
	coupon, err := r.coupons.FindByID(ctx, couponID)
	if err != nil {
		return CouponAudit{}, err
	}
	return r.auditCoupon(ctx, coupon, false)
}

func (r *Reconciler) auditCoupon(ctx context.Context, coupon *domain.Coupon, correct bool) (CouponAudit, error) {
	audit := CouponAudit{CouponID: coupon.ID, Status: coupon.Status, Total: coupon.TotalStock}
	log := logger.Ctx(ctx).With().Int64("couponId", coupon.ID).Logger()

	if correct {
		if err := r.resolveAbandoned(ctx, coupon.ID, &audit); err != nil {
			return audit, err
		}
	}

	// 先读 Redis 再读数据库: 两次读取之间的领取或退还会改变剩余库存，使下面的 CAS 修正失效
	snap, err := r.store.Snapshot(ctx, coupon.ID)
	if err != nil {
		return audit, err
	}
	if !snap.Exists {
		audit.Missing = true
		log.Warn().Msg("coupon missing from fast store")
		return audit, nil
	}
	audit.Status = snap.Status
	audit.Remaining = snap.Remaining

	committed, err := r.records.CountCommitted(ctx, coupon.ID)
	if err != nil {
		return audit, err
	}
	records, err := r.records.FindRecords(ctx, coupon.ID, snap.PendingUsers)
	if err != nil {
		return audit, err
	}
	var settle []int64
	for _, uid := range snap.PendingUsers {
		if rec, ok := records[uid]; ok && rec.Status == domain.RecordCommitted {
			settle = append(settle, uid)
			continue
		}
		audit.Outstanding++
	}
	audit.Committed = committed

	audit.Expected = coupon.TotalStock - committed - audit.Outstanding
	if audit.Expected < 0 {
		audit.OverIssued = true
		audit.Expected = 0
		log.Error().Int64("committed", committed).Int64("outstanding", audit.Outstanding).
			Msg("🚨 CRITICAL: committed plus outstanding exceeds total stock")
	}
	audit.Drift = audit.Remaining - audit.Expected

	if !correct || coupon.Status == domain.StatusClosed {
		return audit, nil
	}

	for _, uid := range settle {
		if _, err := r.store.Confirm(ctx, coupon.ID, uid); err != nil {
			return audit, err
		}
		audit.Confirmed++
	}

	// 两次计数之间有新的提交时，已提交与未决的划分不可信，本轮不修正
	recount, err := r.records.CountCommitted(ctx, coupon.ID)
	if err != nil {
		return audit, err
	}
	if recount != committed {
		log.Info().Int64("committed", committed).Int64("recount", recount).Msg("commits landed during audit, correction deferred")
		return audit, nil
	}

	if abs(audit.Drift) > r.cfg.DriftTolerance {
		ok, err := r.store.CorrectRemaining(ctx, coupon.ID, audit.Remaining, audit.Expected)
		if err != nil {
			return audit, err
		}
		if ok {
			audit.Corrected = true
			metrics.DriftCorrections.Inc()
			log.Warn().Int64("from", audit.Remaining).Int64("to", audit.Expected).Msg("⚠️ remaining stock drift corrected")
			audit.Remaining = audit.Expected
		} else {
			log.Info().Int64("drift", audit.Drift).Msg("stock changed during audit, correction deferred")
		}
	}

	if audit.Remaining == 0 && audit.Outstanding == 0 && snap.Status == domain.StatusOpen {
		exhausted, err := r.store.MarkExhausted(ctx, coupon.ID)
		if err != nil {
			return audit, err
		}
		if exhausted {
			audit.Exhausted = true
			audit.Status = domain.StatusExhausted
		}
	}

	// 状态以 Redis 为准同步到数据库，已关闭的券不动
	if audit.Status.Active() && audit.Status != coupon.Status {
		if _, err := r.coupons.UpdateStatus(ctx, coupon.ID, audit.Status, domain.StatusOpen, domain.StatusExhausted); err != nil {
			return audit, err
		}
		log.Info().Str("from", string(coupon.Status)).Str("to", string(audit.Status)).Msg("coupon status synced")
	}
	return audit, nil
}

// resolveAbandoned 处理超过 AbandonAfter 仍未结算的预留
func (r *Reconciler) resolveAbandoned(ctx context.Context, couponID int64, audit *CouponAudit) error {
	cutoff := r.now().Add(-r.cfg.AbandonAfter)
	for {
		stale, err := r.store.PendingOlderThan(ctx, couponID, cutoff, abandonedBatch)
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}

		userIDs := make([]int64, 0, len(stale))
		for _, res := range stale {
			userIDs = append(userIDs, res.UserID)
		}
		records, err := r.records.FindRecords(ctx, couponID, userIDs)
		if err != nil {
			return err
		}

		for _, res := range stale {
			rec := records[res.UserID]
			switch {
			case rec != nil && rec.Status == domain.RecordCommitted:
				if _, err := r.store.Confirm(ctx, couponID, res.UserID); err != nil {
					return err
				}
				audit.Confirmed++
			case rec != nil && rec.SequenceNumber >= res.SequenceNumber:
				// 栅栏已经写入，上一次补偿没有完成退还
				released, err := r.store.Release(ctx, couponID, res.UserID, res.SequenceNumber)
				if err != nil {
					return err
				}
				if released {
					metrics.Compensations.WithLabelValues(port.CompensationRefunded.String()).Inc()
					audit.Refunded++
				}
			default:
				outcome, err := r.Compensate(ctx, res.Event(), "abandoned reservation")
				if err != nil {
					return err
				}
				if outcome == port.CompensationRefunded {
					audit.Compensated++
				} else if outcome == port.CompensationConfirmed {
					audit.Confirmed++
				}
			}
		}

		if len(stale) < abandonedBatch {
			return nil
		}
	}
}

// Run 按 Interval 周期执行对账，直到 ctx 结束
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	logger.Ctx(ctx).Info().Dur("interval", r.cfg.Interval).Msg("✅ reconciler started")
	for {
		select {
		case <-ticker.C:
			report, err := r.Audit(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Ctx(ctx).Error().Err(err).Msg("audit run failed")
				continue
			}
			if report.Skipped {
				logger.Ctx(ctx).Debug().Msg("audit skipped, another instance holds the lock")
				continue
			}
			logger.Ctx(ctx).Info().Int("coupons", len(report.Coupons)).Int("errors", report.Errors).Msg("audit finished")
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 reconciler shutting down")
			return nil
		}
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
