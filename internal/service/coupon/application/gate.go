package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"couponhub/internal/pkg/config"
	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/metrics"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

// EligibilityChecker 在原子步骤之前判断领取资格
type EligibilityChecker interface {
	Check(ctx context.Context, attempt domain.ClaimAttempt, now time.Time) error
}

// StockGate 是唯一的准入决策点。
// 每次领取只执行一次原子脚本，调用方不会跨网络往返持有任何锁。
type StockGate struct {
	store       port.StockStore
	publisher   port.EventPublisher
	compensator port.Compensator
	eligibility EligibilityChecker // 可为 nil

	timeout time.Duration
	tracer  trace.Tracer
	now     func() time.Time
}

func NewStockGate(store port.StockStore, publisher port.EventPublisher, compensator port.Compensator,
	eligibility EligibilityChecker, cfg config.GateConfig) *StockGate {
	return &StockGate{
		store:       store,
		publisher:   publisher,
		compensator: compensator,
		eligibility: eligibility,
		timeout:     cfg.Timeout,
		tracer:      otel.Tracer("coupon-stock-gate"),
		now:         time.Now,
	}
}

// Claim 尝试为用户领取一张券。
// 成功时返回的预留对应的发放事件已经写入队列。
func (g *StockGate) Claim(ctx context.Context, attempt domain.ClaimAttempt) (*domain.Reservation, error) {
	ctx, span := g.tracer.Start(ctx, "StockGate.Claim")
	defer span.End()

	if attempt.CouponID <= 0 || attempt.UserID <= 0 {
		return nil, fmt.Errorf("%w: coupon=%d user=%d", domain.ErrInvalidClaim, attempt.CouponID, attempt.UserID)
	}
	if attempt.RequestID == "" {
		attempt.RequestID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.Int64("coupon.id", attempt.CouponID),
		attribute.Int64("user.id", attempt.UserID),
		attribute.String("request.id", attempt.RequestID),
	)

	res, outcome, err := g.claim(ctx, attempt)
	metrics.GateDecisions.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("gate.outcome", outcome))
	if outcome == "gate_unavailable" || outcome == "enqueue_failed" {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return res, err
}

func (g *StockGate) claim(ctx context.Context, attempt domain.ClaimAttempt) (*domain.Reservation, string, error) {
	now := g.now()

	if g.eligibility != nil {
		if err := g.checkEligibility(ctx, attempt, now); err != nil {
			if errors.Is(err, domain.ErrCouponUnavailable) {
				return nil, "unavailable", err
			}
			return nil, "gate_unavailable", fmt.Errorf("%w: %w", domain.ErrGateUnavailable, err)
		}
	}

	result, err := g.reserve(ctx, attempt, now)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Int64("couponId", attempt.CouponID).
			Int64("userId", attempt.UserID).
			Str("requestId", attempt.RequestID).
			Msg("stock gate unavailable")
		return nil, "gate_unavailable", fmt.Errorf("%w: %w", domain.ErrGateUnavailable, err)
	}

	switch result.Code {
	case port.ClaimGranted:
		event := result.Reservation.Event()
		if err := g.publisher.Publish(ctx, event); err != nil {
			g.selfCompensate(ctx, event, err)
			return nil, "enqueue_failed", fmt.Errorf("%w: %w", domain.ErrEnqueueFailed, err)
		}
		return result.Reservation, "issued", nil

	case port.ClaimDuplicate:
		replayed := result.Reservation.RequestID == attempt.RequestID
		if replayed && result.Pending {
			// 上一次调用可能在发布前超时，重新发布；提交端是幂等的
			if err := g.publisher.Publish(ctx, result.Reservation.Event()); err != nil {
				return nil, "gate_unavailable", fmt.Errorf("%w: republish: %w", domain.ErrGateUnavailable, err)
			}
		}
		return nil, "already_claimed", &domain.ClaimError{
			Err:         domain.ErrAlreadyClaimed,
			Reservation: result.Reservation,
			Replayed:    replayed,
		}

	case port.ClaimSoldOut:
		return nil, "out_of_stock", domain.ErrOutOfStock

	case port.ClaimUnavailable:
		return nil, "unavailable", domain.ErrCouponUnavailable

	case port.ClaimUnknownCoupon:
		return nil, "unknown", domain.ErrCouponNotFound

	default:
		return nil, "gate_unavailable", fmt.Errorf("%w: unexpected claim code %d", domain.ErrGateUnavailable, result.Code)
	}
}

// 规则只在首次访问某张券时读取一次快速存储，同样受 gate 超时约束
func (g *StockGate) checkEligibility(ctx context.Context, attempt domain.ClaimAttempt, now time.Time) error {
	ectx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.eligibility.Check(ectx, attempt, now)
}

// reserve 超时后结果未知，调用方用同一个 requestId 重试即可
func (g *StockGate) reserve(ctx context.Context, attempt domain.ClaimAttempt, now time.Time) (port.ClaimResult, error) {
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	result, err := g.store.Reserve(sctx, attempt, now)
	metrics.GateLatency.Observe(time.Since(start).Seconds())
	return result, err
}

// selfCompensate 在发布失败后立即退还库存。
// 调用方可能已经断开，所以使用独立的超时。
func (g *StockGate) selfCompensate(ctx context.Context, event domain.IssuanceEvent, cause error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	outcome, err := g.compensator.Compensate(cctx, event, "enqueue failed: "+cause.Error())
	log := logger.Ctx(ctx).With().
		Int64("couponId", event.CouponID).
		Int64("userId", event.UserID).
		Int64("seq", event.SequenceNumber).
		Logger()
	if err != nil {
		log.Error().Err(err).Msg("❌ self-compensation failed, reservation left pending for audit")
		return
	}
	log.Warn().Str("outcome", outcome.String()).Msg("⚠️ issuance event not enqueued, reservation compensated")
}
