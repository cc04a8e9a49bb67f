package adapter

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/mq"
	"couponhub/internal/service/coupon/domain"
)

// IssuanceKafkaPublisher 是 port.EventPublisher 的 Kafka 实现。
// 消息 key 为 couponId，同一张券的事件落在同一个分区，保持序号顺序。
type IssuanceKafkaPublisher struct {
	writer mq.MessageWriter
	tracer trace.Tracer
}

func NewIssuanceKafkaPublisher(writer mq.MessageWriter) *IssuanceKafkaPublisher {
	return &IssuanceKafkaPublisher{
		writer: writer,
		tracer: otel.Tracer("coupon-issuance-publisher"),
	}
}

func (p *IssuanceKafkaPublisher) Publish(ctx context.Context, event domain.IssuanceEvent) error {
	ctx, span := p.tracer.Start(ctx, "IssuanceQueue.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("coupon.id", event.CouponID),
		attribute.Int64("user.id", event.UserID),
		attribute.Int64("issuance.sequence", event.SequenceNumber),
	)

	eventBytes, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return errors.Wrap(err, "failed to marshal issuance event")
	}

	key := []byte(strconv.FormatInt(event.CouponID, 10))
	if err := mq.ProduceMessage(ctx, p.writer, key, eventBytes); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		logger.Ctx(ctx).Error().Err(err).
			Int64("couponId", event.CouponID).
			Int64("userId", event.UserID).
			Int64("seq", event.SequenceNumber).
			Msg("Failed to produce issuance event to Kafka")
		return errors.Wrap(err, "failed to produce issuance event")
	}
	return nil
}
