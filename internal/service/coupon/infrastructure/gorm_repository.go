package infrastructure

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"couponhub/internal/service/coupon/domain"
)

// GormCouponRepository 是 CouponRepository 的 GORM 实现
type GormCouponRepository struct {
	db *gorm.DB
}

func NewGormCouponRepository(db *gorm.DB) *GormCouponRepository {
	return &GormCouponRepository{db: db}
}

func (r *GormCouponRepository) Create(ctx context.Context, coupon *domain.Coupon) error {
	model := FromDomainCoupon(coupon)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return pkgerrors.Wrap(err, "failed to create coupon")
	}
	coupon.ID = model.ID
	coupon.CreatedAt = model.CreatedAt
	return nil
}

func (r *GormCouponRepository) FindByID(ctx context.Context, id int64) (*domain.Coupon, error) {
	var model CouponModel
	err := r.db.WithContext(ctx).First(&model, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCouponNotFound
		}
		return nil, pkgerrors.Wrap(err, "failed to find coupon")
	}
	return ToDomainCoupon(&model), nil
}

func (r *GormCouponRepository) ListAuditable(ctx context.Context) ([]*domain.Coupon, error) {
	var models []CouponModel
	err := r.db.WithContext(ctx).Order("id").Find(&models).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list coupons")
	}
	out := make([]*domain.Coupon, 0, len(models))
	for i := range models {
		out = append(out, ToDomainCoupon(&models[i]))
	}
	return out, nil
}

func (r *GormCouponRepository) UpdateStatus(ctx context.Context, id int64, to domain.Status, from ...domain.Status) (bool, error) {
	q := r.db.WithContext(ctx).Model(&CouponModel{}).Where("id = ?", id)
	if len(from) > 0 {
		states := make([]string, 0, len(from))
		for _, s := range from {
			states = append(states, string(s))
		}
		q = q.Where("status IN ?", states)
	}
	res := q.Update("status", string(to))
	if res.Error != nil {
		return false, pkgerrors.Wrap(res.Error, "failed to update coupon status")
	}
	return res.RowsAffected > 0, nil
}

// GormIssuanceRepository 是 IssuanceRepository 的 GORM 实现
type GormIssuanceRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormIssuanceRepository(db *gorm.DB) *GormIssuanceRepository {
	return &GormIssuanceRepository{db: db, now: time.Now}
}

// lockCoupon 锁定优惠券行，同一张券的提交和栅栏在此串行
func lockCoupon(tx *gorm.DB, couponID int64) (*CouponModel, error) {
	var coupon CouponModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&coupon, couponID).Error
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

func findRecord(tx *gorm.DB, couponID, userID int64) (*IssuanceRecordModel, error) {
	var existing IssuanceRecordModel
	err := tx.Where("coupon_id = ? AND user_id = ?", couponID, userID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *GormIssuanceRepository) CommitIssuance(ctx context.Context, record *domain.IssuanceRecord) (domain.CommitOutcome, error) {
	var outcome domain.CommitOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		coupon, err := lockCoupon(tx, record.CouponID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.Permanent(domain.ErrCouponNotFound)
			}
			return err
		}

		existing, err := findRecord(tx, record.CouponID, record.UserID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Status == string(domain.RecordCommitted) {
				outcome = domain.CommitDuplicate
				return nil
			}
			if existing.SequenceNumber >= record.SequenceNumber {
				// 该预留已被补偿
				outcome = domain.CommitStale
				return nil
			}
		}

		// 最后一道防线: 已持久化的数量不能超过总量
		if coupon.IssuedQuantity >= coupon.TotalQuantity {
			return domain.Permanent(pkgerrors.Wrapf(domain.ErrStockExceeded,
				"coupon %d issued %d of %d", coupon.ID, coupon.IssuedQuantity, coupon.TotalQuantity))
		}

		committedAt := record.CommittedAt
		if committedAt.IsZero() {
			committedAt = r.now()
		}
		if existing != nil {
			err = tx.Model(existing).Updates(map[string]interface{}{
				"sequence_number": record.SequenceNumber,
				"request_id":      record.RequestID,
				"reserved_at":     record.ReservedAt,
				"committed_at":    committedAt,
				"status":          string(domain.RecordCommitted),
				"failure_reason":  "",
			}).Error
			outcome = domain.CommitPromoted
		} else {
			model := FromDomainRecord(record)
			model.Status = string(domain.RecordCommitted)
			model.CommittedAt = toNullTime(committedAt)
			err = tx.Create(model).Error
			outcome = domain.CommitInserted
		}
		if err != nil {
			if isDuplicateKey(err) {
				// 并发写入，重试时会读到已有记录
				return pkgerrors.Wrap(err, "concurrent issuance insert")
			}
			return err
		}

		return tx.Model(&CouponModel{}).Where("id = ?", coupon.ID).
			UpdateColumn("issued_quantity", gorm.Expr("issued_quantity + ?", 1)).Error
	})
	if err != nil {
		if domain.IsPermanent(err) {
			return 0, err
		}
		return 0, pkgerrors.Wrap(err, "failed to commit issuance record")
	}
	return outcome, nil
}

func (r *GormIssuanceRepository) MarkFailed(ctx context.Context, event domain.IssuanceEvent, reason string) (domain.FenceResult, error) {
	reason = truncateReason(reason, maxFailureReason)
	var result domain.FenceResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockCoupon(tx, event.CouponID); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		existing, err := findRecord(tx, event.CouponID, event.UserID)
		if err != nil {
			return err
		}
		result = domain.FenceRecorded
		switch {
		case existing == nil:
			return tx.Create(&IssuanceRecordModel{
				CouponID:       event.CouponID,
				UserID:         event.UserID,
				SequenceNumber: event.SequenceNumber,
				RequestID:      event.RequestID,
				ReservedAt:     event.ReservedAt,
				Status:         string(domain.RecordFailed),
				FailureReason:  reason,
			}).Error
		case existing.Status == string(domain.RecordCommitted):
			result = domain.FenceAlreadyCommitted
			return nil
		case existing.SequenceNumber < event.SequenceNumber:
			return tx.Model(existing).Updates(map[string]interface{}{
				"sequence_number": event.SequenceNumber,
				"request_id":      event.RequestID,
				"reserved_at":     event.ReservedAt,
				"failure_reason":  reason,
			}).Error
		default:
			return nil
		}
	})
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to write failure fence")
	}
	return result, nil
}

func (r *GormIssuanceRepository) CountCommitted(ctx context.Context, couponID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&IssuanceRecordModel{}).
		Where("coupon_id = ? AND status = ?", couponID, string(domain.RecordCommitted)).
		Count(&n).Error
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to count committed records")
	}
	return n, nil
}

const findRecordsBatch = 500

func (r *GormIssuanceRepository) FindRecords(ctx context.Context, couponID int64, userIDs []int64) (map[int64]*domain.IssuanceRecord, error) {
	out := make(map[int64]*domain.IssuanceRecord, len(userIDs))
	for start := 0; start < len(userIDs); start += findRecordsBatch {
		end := min(start+findRecordsBatch, len(userIDs))
		var models []IssuanceRecordModel
		err := r.db.WithContext(ctx).
			Where("coupon_id = ? AND user_id IN ?", couponID, userIDs[start:end]).
			Find(&models).Error
		if err != nil {
			return nil, pkgerrors.Wrap(err, "failed to find issuance records")
		}
		for i := range models {
			out[models[i].UserID] = ToDomainRecord(&models[i])
		}
	}
	return out, nil
}

func (r *GormIssuanceRepository) FindByUser(ctx context.Context, userID int64) ([]*domain.IssuanceRecord, error) {
	var models []IssuanceRecordModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find user issuance records")
	}
	out := make([]*domain.IssuanceRecord, 0, len(models))
	for i := range models {
		out = append(out, ToDomainRecord(&models[i]))
	}
	return out, nil
}
