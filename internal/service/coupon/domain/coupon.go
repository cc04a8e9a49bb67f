// internal/service/coupon/domain/coupon.go
package domain

import (
	"fmt"
	"time"
)

// Status 是优惠券的发放状态
type Status string

const (
	StatusOpen      Status = "OPEN"      // 可领取
	StatusExhausted Status = "EXHAUSTED" // 库存为 0 且没有未决预留
	StatusClosed    Status = "CLOSED"    // 管理员关闭
)

// Active 表示仍需要参与对账的状态
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusExhausted
}

// Coupon 是一批限量发放的优惠券。
// TotalStock 创建后不可修改，剩余库存只保存在 Redis 中。
type Coupon struct {
	ID          int64
	Name        string
	TotalStock  int64
	IssuedCount int64 // 已持久化的 COMMITTED 记录数
	ValidFrom   time.Time
	ValidTo     time.Time // 零值表示不限
	Status      Status
	Rule        string // 可选的 CEL 领取资格表达式
	CreatedAt   time.Time
}

// InWindow 判断 now 是否在有效期内，区间为 [ValidFrom, ValidTo)
func (c *Coupon) InWindow(now time.Time) bool {
	if !c.ValidFrom.IsZero() && now.Before(c.ValidFrom) {
		return false
	}
	if !c.ValidTo.IsZero() && !now.Before(c.ValidTo) {
		return false
	}
	return true
}

// Validate 检查创建参数
func (c *Coupon) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCoupon)
	}
	if c.TotalStock <= 0 {
		return fmt.Errorf("%w: total stock must be positive, got %d", ErrInvalidCoupon, c.TotalStock)
	}
	if !c.ValidFrom.IsZero() && !c.ValidTo.IsZero() && !c.ValidTo.After(c.ValidFrom) {
		return fmt.Errorf("%w: validTo must be after validFrom", ErrInvalidCoupon)
	}
	return nil
}
