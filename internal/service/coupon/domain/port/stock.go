// internal/service/coupon/domain/port/stock.go
package port

import (
	"context"
	"time"

	"couponhub/internal/service/coupon/domain"
)

// ClaimCode 是原子领取脚本的结果
type ClaimCode int

const (
	ClaimGranted       ClaimCode = iota + 1 // 扣减成功并记录预留
	ClaimDuplicate                          // 用户已有预留或记录，优先于状态判断
	ClaimSoldOut                            // 库存为 0 或状态为 EXHAUSTED
	ClaimUnavailable                        // 已关闭或不在有效期内
	ClaimUnknownCoupon                      // Redis 中没有这张券
)

// ClaimResult 中的 Reservation 在 Granted 时是新预留，在 Duplicate 时是已有预留
type ClaimResult struct {
	Code        ClaimCode
	Reservation *domain.Reservation
	Pending     bool // Duplicate 时已有预留是否仍未结算
}

// StockSnapshot 是某张券在快速存储中的一致快照
type StockSnapshot struct {
	Exists       bool
	Status       domain.Status
	Total        int64
	Remaining    int64
	LastSequence int64
	Claims       int64   // 去重集合大小
	PendingUsers []int64 // 尚未结算的预留
}

// StockStore 是 Stock Gate 背后的快速共享存储
type StockStore interface {
	// Reserve 在一个原子步骤内完成: 检查状态和有效期、去重、扣减、记录预留
	Reserve(ctx context.Context, attempt domain.ClaimAttempt, now time.Time) (ClaimResult, error)
	// Release 退还一个单位并删除预留；预留序号不匹配或已退还时返回 false
	Release(ctx context.Context, couponID, userID, sequence int64) (bool, error)
	// Confirm 把预留标记为已结算，并在库存耗尽且无未决预留时转为 EXHAUSTED
	Confirm(ctx context.Context, couponID, userID int64) (exhausted bool, err error)
	// MarkExhausted 仅在库存为 0 且没有未决预留时生效
	MarkExhausted(ctx context.Context, couponID int64) (bool, error)
	// CorrectRemaining 仅当当前剩余库存仍为 observed 时改为 target
	CorrectRemaining(ctx context.Context, couponID, observed, target int64) (bool, error)
	// Provision 写入元数据 (含准入规则) 并重置库存
	Provision(ctx context.Context, coupon *domain.Coupon) error
	// Rule 返回券的准入规则，券不在快速存储中时 exists 为 false
	Rule(ctx context.Context, couponID int64) (rule string, exists bool, err error)
	SetStatus(ctx context.Context, couponID int64, status domain.Status) error
	Snapshot(ctx context.Context, couponID int64) (StockSnapshot, error)
	// PendingOlderThan 返回预留时间早于 before 的未决预留
	PendingOlderThan(ctx context.Context, couponID int64, before time.Time, limit int) ([]domain.Reservation, error)
}
