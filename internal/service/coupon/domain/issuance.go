// internal/service/coupon/domain/issuance.go
package domain

import (
	"fmt"
	"time"
)

// ClaimAttempt 是一次领券请求
type ClaimAttempt struct {
	CouponID  int64
	UserID    int64
	RequestID string // 客户端重试时保持不变
}

// Reservation 是 Stock Gate 授予的预留，只存在于 Redis。
// SequenceNumber 在单张优惠券内严格递增。
type Reservation struct {
	CouponID       int64
	UserID         int64
	RequestID      string
	SequenceNumber int64
	ReservedAt     time.Time
}

// Event 生成对应的发放事件
func (r *Reservation) Event() IssuanceEvent {
	return IssuanceEvent{
		CouponID:       r.CouponID,
		UserID:         r.UserID,
		SequenceNumber: r.SequenceNumber,
		ReservedAt:     r.ReservedAt.UTC(),
		RequestID:      r.RequestID,
	}
}

// IssuanceEvent 是写入发放队列的消息体，入队后不可变
type IssuanceEvent struct {
	CouponID       int64     `json:"couponId"`
	UserID         int64     `json:"userId"`
	SequenceNumber int64     `json:"sequenceNumber"`
	ReservedAt     time.Time `json:"reservedAt"`
	RequestID      string    `json:"requestId,omitempty"`
}

// Validate 拒绝无法处理的事件，这类事件重试也不会成功
func (e *IssuanceEvent) Validate() error {
	if e.CouponID <= 0 || e.UserID <= 0 || e.SequenceNumber <= 0 {
		return Permanent(fmt.Errorf("%w: coupon=%d user=%d seq=%d", ErrInvalidEvent, e.CouponID, e.UserID, e.SequenceNumber))
	}
	return nil
}

// RecordStatus 是持久化记录的状态
type RecordStatus string

const (
	RecordCommitted RecordStatus = "COMMITTED"
	RecordFailed    RecordStatus = "FAILED"
)

// IssuanceRecord 是领券成功的持久化证明，(CouponID, UserID) 唯一。
// 记录只会被标记为 FAILED，不会被删除。
type IssuanceRecord struct {
	ID             int64
	CouponID       int64
	UserID         int64
	SequenceNumber int64
	RequestID      string
	ReservedAt     time.Time
	CommittedAt    time.Time
	Status         RecordStatus
	FailureReason  string
}

// NewCommittedRecord 由发放事件构造待写入的记录
func NewCommittedRecord(e IssuanceEvent, now time.Time) *IssuanceRecord {
	return &IssuanceRecord{
		CouponID:       e.CouponID,
		UserID:         e.UserID,
		SequenceNumber: e.SequenceNumber,
		RequestID:      e.RequestID,
		ReservedAt:     e.ReservedAt,
		CommittedAt:    now,
		Status:         RecordCommitted,
	}
}

// CommitOutcome 描述一次持久化的结果
type CommitOutcome int

const (
	CommitInserted  CommitOutcome = iota + 1 // 新写入
	CommitPromoted                           // 之前的 FAILED 记录被更新为 COMMITTED
	CommitDuplicate                          // 已存在 COMMITTED，重复投递
	CommitStale                              // 该预留已被补偿，事件过期
)

func (o CommitOutcome) String() string {
	switch o {
	case CommitInserted:
		return "committed"
	case CommitPromoted:
		return "promoted"
	case CommitDuplicate:
		return "duplicate"
	case CommitStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Durable 表示该预留已有 COMMITTED 记录
func (o CommitOutcome) Durable() bool {
	return o == CommitInserted || o == CommitPromoted || o == CommitDuplicate
}

// FenceResult 是写入 FAILED 栅栏的结果
type FenceResult int

const (
	FenceRecorded         FenceResult = iota + 1 // 已写入 (或已存在) FAILED 记录，可以退还库存
	FenceAlreadyCommitted                        // 已存在 COMMITTED 记录，不能退还
)
