package application

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
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

// Committer 把发放事件转成持久化记录，可以安全地处理重复投递。
type Committer struct {
	records  domain.IssuanceRepository
	store    port.StockStore
	cfg      config.CommitterConfig
	tracker  *SequenceTracker
	tracer   trace.Tracer
	now      func() time.Time
	newTimer func() backoff.Timer // 返回 nil 时使用真实定时器
}

func NewCommitter(records domain.IssuanceRepository, store port.StockStore, cfg config.CommitterConfig) *Committer {
	return &Committer{
		records:  records,
		store:    store,
		cfg:      cfg,
		tracker:  NewSequenceTracker(),
		tracer:   otel.Tracer("coupon-committer"),
		now:      time.Now,
		newTimer: func() backoff.Timer { return nil },
	}
}

// Handle 在原地按指数退避重试瞬时错误，重试期间不会处理同分区的下一条消息。
//
//   - nil: 已持久化，或确认是重复/过期事件
//   - *domain.CommitError (errors.Is ErrCommitFailed): 需要进入死信并补偿
//   - ctx 的错误: 进程正在关停，不要提交 offset
func (c *Committer) Handle(ctx context.Context, event domain.IssuanceEvent) error {
	ctx, span := c.tracer.Start(ctx, "Committer.Handle")
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

	if err := event.Validate(); err != nil {
		metrics.Commits.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid event")
		return &domain.CommitError{Tries: 0, Err: err}
	}

	switch obs, prev := c.tracker.Observe(event.CouponID, event.SequenceNumber); obs {
	case SequenceRedelivery:
		metrics.SequenceAnomalies.WithLabelValues("redelivery").Inc()
		log.Debug().Int64("maxSeen", prev).Msg("sequence not above max seen, likely redelivery")
	case SequenceGap:
		metrics.SequenceAnomalies.WithLabelValues("gap").Inc()
		log.Debug().Int64("maxSeen", prev).Msg("sequence gap")
	}

	record := domain.NewCommittedRecord(event, c.now())
	var (
		outcome  domain.CommitOutcome
		attempts int
	)
	err := backoff.RetryNotifyWithTimer(func() error {
		attempts++
		metrics.CommitAttempts.Inc()
		var err error
		outcome, err = c.records.CommitIssuance(ctx, record)
		if err != nil && domain.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, commitBackOff(ctx, c.cfg.BaseBackoff, c.cfg.MaxBackoff, c.cfg.MaxAttempts), func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempts).Dur("backoff", wait).Msg("transient commit failure, retrying")
	}, c.newTimer())
	if err != nil {
		if ctx.Err() != nil {
			// 关停中，不进入死信
			return ctx.Err()
		}
		metrics.Commits.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		log.Error().Err(err).Int("attempts", attempts).Msg("❌ issuance commit failed permanently")
		return &domain.CommitError{Tries: attempts, Err: err}
	}

	metrics.Commits.WithLabelValues(outcome.String()).Inc()
	span.SetAttributes(attribute.String("commit.outcome", outcome.String()))

	if outcome.Durable() {
		// 结算失败不影响结果，对账会再次结算
		if exhausted, err := c.store.Confirm(ctx, event.CouponID, event.UserID); err != nil {
			log.Warn().Err(err).Msg("failed to settle reservation after commit")
		} else if exhausted {
			log.Info().Msg("🏁 coupon exhausted")
		}
	} else {
		log.Info().Str("outcome", outcome.String()).Msg("event superseded by compensation, skipped")
	}
	return nil
}
