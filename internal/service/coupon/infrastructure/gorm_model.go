package infrastructure

import (
	"database/sql"
	"time"
)

// CouponModel 对应数据库中的 coupon 表
type CouponModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	Name           string `gorm:"size:128;not null"`
	TotalQuantity  int64  `gorm:"not null"`
	IssuedQuantity int64  `gorm:"not null;default:0"`
	ValidFrom      sql.NullTime
	ValidTo        sql.NullTime
	Status         string `gorm:"size:16;not null;index"`
	Rule           string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName 指定 GORM 应该使用的表名
func (CouponModel) TableName() string {
	return "coupon"
}

// IssuanceRecordModel 对应数据库中的 coupon_issuance_record 表。
// (coupon_id, user_id) 上的唯一索引保证每个用户每张券最多一条记录。
type IssuanceRecordModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	CouponID       int64  `gorm:"not null;uniqueIndex:uk_coupon_user,priority:1;index:idx_record_coupon_status,priority:1"`
	UserID         int64  `gorm:"not null;uniqueIndex:uk_coupon_user,priority:2;index:idx_record_user"`
	SequenceNumber int64  `gorm:"not null"`
	RequestID      string `gorm:"size:64"`
	ReservedAt     time.Time
	CommittedAt    sql.NullTime
	Status         string `gorm:"size:16;not null;index:idx_record_coupon_status,priority:2"`
	FailureReason  string `gorm:"size:512"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName 指定 GORM 应该使用的表名
func (IssuanceRecordModel) TableName() string {
	return "coupon_issuance_record"
}
