// internal/service/coupon/interfaces/issuance_consumer.go
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/metrics"
	"couponhub/internal/pkg/mq"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

// EventHandler 是 application.Committer 的抽象
type EventHandler interface {
	Handle(ctx context.Context, event domain.IssuanceEvent) error
}

// DeadLetterRouter 是 mq.FailureHandler 的抽象
type DeadLetterRouter interface {
	Handle(ctx context.Context, msg kafka.Message, cause error) error
}

// IssuanceConsumerAdapter 是一个驱动适配器，它监听发放主题并驱动 Committer。
// 一条消息处理完 (成功、重复，或已进入死信并补偿) 之后才会提交 offset 并读取下一条。
type IssuanceConsumerAdapter struct {
	reader      mq.MessageReader
	handler     EventHandler
	compensator port.Compensator
	deadLetters DeadLetterRouter

	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewIssuanceConsumerAdapter(reader mq.MessageReader, handler EventHandler, compensator port.Compensator, deadLetters DeadLetterRouter) *IssuanceConsumerAdapter {
	return &IssuanceConsumerAdapter{
		reader:      reader,
		handler:     handler,
		compensator: compensator,
		deadLetters: deadLetters,
	}
}

// Start 开始监听Kafka主题。
func (a *IssuanceConsumerAdapter) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
}

func (a *IssuanceConsumerAdapter) run(ctx context.Context) {
	log := logger.Ctx(ctx)
	log.Info().Str("topic", a.reader.Config().Topic).Msg("✅ Issuance consumer started.")
	for {
		if a.stopped.Load() {
			return
		}
		// 使用FetchMessage而不是ReadMessage，offset 由我们显式提交
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || a.stopped.Load() {
				log.Info().Msg("🛑 Issuance consumer shutting down.")
				return
			}
			log.Error().Err(err).Msg("could not fetch message, retrying")
			if sleepErr := pause(ctx, time.Second); sleepErr != nil {
				return
			}
			continue
		}

		msgCtx := mq.ExtractTraceContext(ctx, msg)
		if err := a.processMessage(msgCtx, msg); err != nil {
			// 只有关停时会走到这里，不提交 offset，重启后重新投递
			log.Info().Err(err).Int64("offset", msg.Offset).Msg("message left uncommitted for redelivery")
			return
		}

		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit messages")
		}
	}
}

// processMessage 返回错误表示消息没有被处理，不能提交 offset
func (a *IssuanceConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	var event domain.IssuanceEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// 无法解析的消息没有可补偿的预留，只进入死信
		a.deadLetter(ctx, msg, domain.Permanent(errors.Join(domain.ErrInvalidEvent, err)))
		return nil
	}

	err := a.handler.Handle(ctx, event)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if !errors.Is(err, domain.ErrCommitFailed) {
		// Committer 只会返回 CommitError 或 ctx 错误，其它情况按永久失败处理
		err = &domain.CommitError{Err: err}
	}

	a.deadLetter(ctx, msg, err)

	// 补偿失败时预留仍在 pending 集合中，对账会完成补偿，所以这里照常提交 offset
	if _, cerr := a.compensator.Compensate(ctx, event, err.Error()); cerr != nil {
		logger.Ctx(ctx).Error().Err(cerr).
			Int64("couponId", event.CouponID).
			Int64("userId", event.UserID).
			Int64("seq", event.SequenceNumber).
			Msg("❌ compensation after dead letter failed, audit will retry")
	}
	return nil
}

// deadLetter 写死信失败时只记录日志，offset 照常提交:
// 随后的补偿会写入带失败原因的 FAILED 记录，失败本身不会丢失
func (a *IssuanceConsumerAdapter) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	metrics.DeadLetters.Inc()
	if err := a.deadLetters.Handle(ctx, msg, cause); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Int64("offset", msg.Offset).
			Str("cause", cause.Error()).
			Msg("🚨 CRITICAL: dead letter lost, failure kept only in the fence record")
	}
}

// Stop 优雅地停止消费者。
func (a *IssuanceConsumerAdapter) Stop(ctx context.Context) {
	a.stopped.Store(true)
	a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Msg("✅ Issuance consumer stopped.")
}

func pause(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
