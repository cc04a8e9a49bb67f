// internal/service/coupon/domain/port/issuance.go
package port

import (
	"context"

	"couponhub/internal/service/coupon/domain"
)

// EventPublisher 把发放事件写入有序持久队列，返回 nil 表示消息已持久化
type EventPublisher interface {
	Publish(ctx context.Context, event domain.IssuanceEvent) error
}

// CompensationOutcome 描述补偿做了什么
type CompensationOutcome int

const (
	CompensationRefunded        CompensationOutcome = iota + 1 // 库存已退还
	CompensationAlreadyReleased                                // 之前已退还，本次无操作
	CompensationConfirmed                                      // 已存在 COMMITTED 记录，改为结算
)

func (o CompensationOutcome) String() string {
	switch o {
	case CompensationRefunded:
		return "refunded"
	case CompensationAlreadyReleased:
		return "already_released"
	case CompensationConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Compensator 处理无法持久化的预留
type Compensator interface {
	Compensate(ctx context.Context, event domain.IssuanceEvent, reason string) (CompensationOutcome, error)
}

// LeaderLock 保证同一时间只有一个实例在执行对账
type LeaderLock interface {
	// TryAcquire 不等待；ok 为 false 表示锁被其它实例持有
	TryAcquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}
