// internal/service/coupon/interfaces/dlt_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/mq"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

// DltConsumerAdapter 监听死信主题，记录日志并再做一次幂等补偿
type DltConsumerAdapter struct {
	reader      mq.MessageReader
	compensator port.Compensator
	wg          sync.WaitGroup
	stopped     atomic.Bool
}

func NewDltConsumerAdapter(reader mq.MessageReader, compensator port.Compensator) *DltConsumerAdapter {
	return &DltConsumerAdapter{
		reader:      reader,
		compensator: compensator,
	}
}

func (a *DltConsumerAdapter) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ DLT Consumer Adapter started.")
		for {
			if a.stopped.Load() {
				return
			}
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || a.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("🛑 DLT Consumer Adapter shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("could not fetch dead letter, retrying")
				if pause(ctx, time.Second) != nil {
					return
				}
				continue
			}

			msgCtx := mq.ExtractTraceContext(ctx, msg)
			logDeadLetter(msgCtx, msg)
			a.compensate(msgCtx, msg)

			// DLT中的消息总是直接提交，因为它们已经被“处理”了
			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit dead letter")
			}
		}
	}()
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) {
	a.stopped.Store(true)
	a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ DLT Consumer Adapter stopped.")
}

// compensate 再次执行补偿，Release 按序号校验，重复执行不会多退
func (a *DltConsumerAdapter) compensate(ctx context.Context, msg kafka.Message) {
	var event domain.IssuanceEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil || event.Validate() != nil {
		return
	}
	outcome, err := a.compensator.Compensate(ctx, event, "dead letter: "+mq.HeaderValue(msg, mq.HeaderExceptionMessage))
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("couponId", event.CouponID).Int64("userId", event.UserID).
			Msg("dead letter compensation failed, audit will retry")
		return
	}
	if outcome == port.CompensationRefunded {
		logger.Ctx(ctx).Warn().Int64("couponId", event.CouponID).Int64("userId", event.UserID).
			Msg("dead letter compensation refunded a reservation that was still held")
	}
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	// 使用结构化日志记录，便于后续分析
	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", mq.HeaderValue(msg, mq.HeaderOriginalTopic)).
		Str("original_partition", mq.HeaderValue(msg, mq.HeaderOriginalPartition)).
		Str("original_offset", mq.HeaderValue(msg, mq.HeaderOriginalOffset)).
		Str("exception_fqcn", mq.HeaderValue(msg, mq.HeaderExceptionFqcn)).
		Str("exception_message", mq.HeaderValue(msg, mq.HeaderExceptionMessage)).
		Str("attempts", mq.HeaderValue(msg, mq.HeaderAttempts)).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter message received")
}
