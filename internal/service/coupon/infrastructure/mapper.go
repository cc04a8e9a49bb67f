package infrastructure

import (
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"couponhub/internal/service/coupon/domain"
)

// ToDomainCoupon 将数据库模型转换为领域模型
func ToDomainCoupon(model *CouponModel) *domain.Coupon {
	if model == nil {
		return nil
	}
	return &domain.Coupon{
		ID:          model.ID,
		Name:        model.Name,
		TotalStock:  model.TotalQuantity,
		IssuedCount: model.IssuedQuantity,
		ValidFrom:   fromNullTime(model.ValidFrom),
		ValidTo:     fromNullTime(model.ValidTo),
		Status:      domain.Status(model.Status),
		Rule:        model.Rule,
		CreatedAt:   model.CreatedAt,
	}
}

// FromDomainCoupon 将领域模型转换为数据库模型 (用于插入)
func FromDomainCoupon(c *domain.Coupon) *CouponModel {
	if c == nil {
		return nil
	}
	return &CouponModel{
		ID:             c.ID,
		Name:           c.Name,
		TotalQuantity:  c.TotalStock,
		IssuedQuantity: c.IssuedCount,
		ValidFrom:      toNullTime(c.ValidFrom),
		ValidTo:        toNullTime(c.ValidTo),
		Status:         string(c.Status),
		Rule:           c.Rule,
	}
}

func ToDomainRecord(model *IssuanceRecordModel) *domain.IssuanceRecord {
	if model == nil {
		return nil
	}
	return &domain.IssuanceRecord{
		ID:             model.ID,
		CouponID:       model.CouponID,
		UserID:         model.UserID,
		SequenceNumber: model.SequenceNumber,
		RequestID:      model.RequestID,
		ReservedAt:     model.ReservedAt,
		CommittedAt:    fromNullTime(model.CommittedAt),
		Status:         domain.RecordStatus(model.Status),
		FailureReason:  model.FailureReason,
	}
}

func FromDomainRecord(r *domain.IssuanceRecord) *IssuanceRecordModel {
	if r == nil {
		return nil
	}
	return &IssuanceRecordModel{
		ID:             r.ID,
		CouponID:       r.CouponID,
		UserID:         r.UserID,
		SequenceNumber: r.SequenceNumber,
		RequestID:      r.RequestID,
		ReservedAt:     r.ReservedAt,
		CommittedAt:    toNullTime(r.CommittedAt),
		Status:         string(r.Status),
		FailureReason:  r.FailureReason,
	}
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// 与 IssuanceRecordModel.FailureReason 的列宽一致
const maxFailureReason = 512

// truncateReason 截断到不超过 max 字节，且不拆开多字节字符，
// 否则 utf8mb4 严格模式会拒绝写入
func truncateReason(s string, max int) string {
	s = strings.ToValidUTF8(s, "?")
	if len(s) <= max {
		return s
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
