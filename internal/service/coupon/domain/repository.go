// internal/service/coupon/domain/repository.go
package domain

import "context"

// CouponRepository 管理优惠券目录
type CouponRepository interface {
	Create(ctx context.Context, coupon *Coupon) error
	FindByID(ctx context.Context, id int64) (*Coupon, error)
	// ListAuditable 返回需要对账的优惠券，包括已关闭但可能仍有未决预留的
	ListAuditable(ctx context.Context) ([]*Coupon, error)
	// UpdateStatus 把状态改为 to；from 非空时只在当前状态属于 from 时更新
	UpdateStatus(ctx context.Context, id int64, to Status, from ...Status) (bool, error)
}

// IssuanceRepository 管理持久化的发放记录
type IssuanceRepository interface {
	// CommitIssuance 在一个事务里锁定优惠券行、检查总量并按 (coupon,user) 插入
	CommitIssuance(ctx context.Context, record *IssuanceRecord) (CommitOutcome, error)
	// MarkFailed 写入 FAILED 栅栏，之后到达的同一预留的事件会被视为过期
	MarkFailed(ctx context.Context, event IssuanceEvent, reason string) (FenceResult, error)
	CountCommitted(ctx context.Context, couponID int64) (int64, error)
	FindRecords(ctx context.Context, couponID int64, userIDs []int64) (map[int64]*IssuanceRecord, error)
	// FindByUser 返回用户的全部发放记录（含 FAILED），按 id 升序
	FindByUser(ctx context.Context, userID int64) ([]*IssuanceRecord, error)
}
