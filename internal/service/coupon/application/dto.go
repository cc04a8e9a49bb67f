package application

import (
	"time"

	"couponhub/internal/service/coupon/domain"
)

// PublishCouponRequest 是领券接口的请求体
type PublishCouponRequest struct {
	CouponID  int64  `json:"couponId"`
	RequestID string `json:"requestId,omitempty"`
}

// PublishCouponResponse 是领券接口的响应体
type PublishCouponResponse struct {
	Status         string `json:"status"` // ISSUED / ALREADY_CLAIMED / OUT_OF_STOCK / UNAVAILABLE / RETRY
	CouponID       int64  `json:"couponId"`
	UserID         int64  `json:"userId"`
	SequenceNumber int64  `json:"sequenceNumber,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
	Message        string `json:"message,omitempty"`
}

// CreateCouponRequest 是创建优惠券的请求体
type CreateCouponRequest struct {
	Name       string     `json:"name"`
	TotalStock int64      `json:"totalStock"`
	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidTo    *time.Time `json:"validTo,omitempty"`
	Rule       string     `json:"rule,omitempty"`
}

// CouponView 是优惠券的对外视图，Remaining 和 Pending 来自 Redis
type CouponView struct {
	ID         int64         `json:"id"`
	Name       string        `json:"name"`
	Status     domain.Status `json:"status"`
	TotalStock int64         `json:"totalStock"`
	Remaining  int64         `json:"remaining"`
	Pending    int           `json:"pending"`
	Issued     int64         `json:"issued"`
	ValidFrom  *time.Time    `json:"validFrom,omitempty"`
	ValidTo    *time.Time    `json:"validTo,omitempty"`
	Rule       string        `json:"rule,omitempty"`
}

// UserCouponView 是用户券列表中的一项
type UserCouponView struct {
	CouponID       int64               `json:"couponId"`
	SequenceNumber int64               `json:"sequenceNumber"`
	RequestID      string              `json:"requestId,omitempty"`
	Status         domain.RecordStatus `json:"status"`
	ReservedAt     time.Time           `json:"reservedAt"`
	CommittedAt    time.Time           `json:"committedAt"`
	FailureReason  string              `json:"failureReason,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
