// internal/pkg/mq/failure_handler.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"couponhub/internal/pkg/logger"
)

const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
	HeaderAttempts          = "x-attempts"
)

// DltTopic 返回主题对应的死信主题名
func DltTopic(topic string) string {
	return topic + "-dlt"
}

// attemptCounter 由携带重试次数的错误实现
type attemptCounter interface {
	Attempts() int
}

// FailureHandler 把处理失败的消息连同失败原因转发到死信主题。
type FailureHandler struct {
	dltWriter MessageWriter
}

func NewFailureHandler(dltWriter MessageWriter) *FailureHandler {
	return &FailureHandler{dltWriter: dltWriter}
}

// Handle 把 msg 原样写入死信主题，失败信息放在消息头里。
// 返回错误表示死信没有写入。是否仍提交 offset 由调用方决定:
// 只有消息的后果已经在别处落地 (例如已补偿并留有持久记录) 时才可以提交。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) error {
	headers := []kafka.Header{
		{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", errors.Cause(cause)))},
		{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
	}
	var ac attemptCounter
	if errors.As(cause, &ac) {
		headers = append(headers, kafka.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(ac.Attempts()))})
	}
	// 保留原始链路信息
	for _, hd := range msg.Headers {
		if hd.Key == "traceparent" || hd.Key == "tracestate" || hd.Key == "baggage" {
			headers = append(headers, hd)
		}
	}

	dlq := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}
	if err := h.dltWriter.WriteMessages(ctx, dlq); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("❌ failed to forward message to dead letter topic")
		return errors.Wrap(err, "mq: write dead letter")
	}

	logger.Ctx(ctx).Warn().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("cause", cause.Error()).
		Msg("⚠️ message forwarded to dead letter topic")
	return nil
}
