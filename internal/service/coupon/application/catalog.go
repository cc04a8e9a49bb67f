package application

import (
	"context"
	"fmt"

	"couponhub/internal/pkg/logger"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

// RuleValidator 校验领取资格表达式
type RuleValidator interface {
	Validate(rule string) error
}

// CatalogService 管理优惠券的创建和关闭，是发放流程之外的管理入口。
type CatalogService struct {
	coupons domain.CouponRepository
	records domain.IssuanceRepository
	store   port.StockStore
	rules   RuleValidator // 可为 nil
}

func NewCatalogService(coupons domain.CouponRepository, records domain.IssuanceRepository, store port.StockStore,
	rules RuleValidator) *CatalogService {
	return &CatalogService{coupons: coupons, records: records, store: store, rules: rules}
}

// CreateCoupon 先写数据库再初始化 Redis，Redis 初始化完成前 Gate 会把这张券当作不存在
func (s *CatalogService) CreateCoupon(ctx context.Context, req *CreateCouponRequest) (*CouponView, error) {
	coupon := &domain.Coupon{
		Name:       req.Name,
		TotalStock: req.TotalStock,
		ValidFrom:  derefTime(req.ValidFrom),
		ValidTo:    derefTime(req.ValidTo),
		Status:     domain.StatusOpen,
		Rule:       req.Rule,
	}
	if err := coupon.Validate(); err != nil {
		return nil, err
	}
	if coupon.Rule != "" && s.rules != nil {
		if err := s.rules.Validate(coupon.Rule); err != nil {
			return nil, err
		}
	}

	if err := s.coupons.Create(ctx, coupon); err != nil {
		return nil, err
	}
	if err := s.store.Provision(ctx, coupon); err != nil {
		return nil, fmt.Errorf("coupon %d created but not provisioned: %w", coupon.ID, err)
	}

	logger.Ctx(ctx).Info().
		Int64("couponId", coupon.ID).
		Str("name", coupon.Name).
		Int64("totalStock", coupon.TotalStock).
		Msg("✅ coupon created")
	return s.view(coupon, port.StockSnapshot{Exists: true, Remaining: coupon.TotalStock, Status: coupon.Status}), nil
}

// CloseCoupon 关闭后 Gate 对所有请求返回 CouponUnavailable，已预留的仍会被持久化
func (s *CatalogService) CloseCoupon(ctx context.Context, id int64) error {
	if _, err := s.coupons.FindByID(ctx, id); err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, id, domain.StatusClosed); err != nil {
		return err
	}
	if _, err := s.coupons.UpdateStatus(ctx, id, domain.StatusClosed); err != nil {
		return err
	}
	logger.Ctx(ctx).Info().Int64("couponId", id).Msg("coupon closed")
	return nil
}

func (s *CatalogService) GetCoupon(ctx context.Context, id int64) (*CouponView, error) {
	coupon, err := s.coupons.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := s.store.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(coupon, snap), nil
}

// ListUserCoupons 返回用户已持久化的券，包括被补偿为 FAILED 的。
// 尚在队列中的预留还没有记录，不会出现在结果里。
func (s *CatalogService) ListUserCoupons(ctx context.Context, userID int64) ([]UserCouponView, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user=%d", domain.ErrInvalidClaim, userID)
	}
	records, err := s.records.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]UserCouponView, 0, len(records))
	for _, r := range records {
		out = append(out, UserCouponView{
			CouponID:       r.CouponID,
			SequenceNumber: r.SequenceNumber,
			RequestID:      r.RequestID,
			Status:         r.Status,
			ReservedAt:     r.ReservedAt,
			CommittedAt:    r.CommittedAt,
			FailureReason:  r.FailureReason,
		})
	}
	return out, nil
}

func (s *CatalogService) view(c *domain.Coupon, snap port.StockSnapshot) *CouponView {
	v := &CouponView{
		ID:         c.ID,
		Name:       c.Name,
		Status:     c.Status,
		TotalStock: c.TotalStock,
		Issued:     c.IssuedCount,
		ValidFrom:  timePtr(c.ValidFrom),
		ValidTo:    timePtr(c.ValidTo),
		Rule:       c.Rule,
	}
	if snap.Exists {
		v.Status = snap.Status
		v.Remaining = snap.Remaining
		v.Pending = len(snap.PendingUsers)
	}
	return v
}
