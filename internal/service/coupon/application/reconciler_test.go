package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

func TestReconciler_PermanentFailuresRestoreStock(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedCoupon(t, 5)
	pub := &capturePublisher{}
	rec := env.reconciler()
	gate := NewStockGate(env.store, pub, rec, nil, env.cfg.Gate)
	ctx := context.Background()

	for u := int64(1); u <= 5; u++ {
		_, err := gate.Claim(ctx, domain.ClaimAttempt{CouponID: c.ID, UserID: u})
		require.NoError(t, err)
	}

	// 三个事件无法持久化，进入死信并补偿
	commitErr := &domain.CommitError{Tries: 5, Err: errors.New("db down")}
	for _, e := range pub.Events()[:3] {
		outcome, err := rec.Compensate(ctx, e, commitErr.Error())
		require.NoError(t, err)
		assert.Equal(t, port.CompensationRefunded, outcome)

		// 补偿是幂等的
		again, err := rec.Compensate(ctx, e, "dlt replay")
		require.NoError(t, err)
		assert.Equal(t, port.CompensationAlreadyReleased, again)
	}

	snap, err := env.store.Snapshot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Remaining)
	assert.Len(t, snap.PendingUsers, 2)

	n, err := env.records.CountCommitted(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "no orphan records")

	// 迟到的原始事件会被栅栏拦下
	committer := NewCommitter(env.records, env.store, env.cfg.Committer)
	require.NoError(t, committer.Handle(ctx, pub.Events()[0]))
	n, err = env.records.CountCommitted(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconciler_CompensateAlreadyCommitted(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedCoupon(t, 2)
	pub := &capturePublisher{}
	rec := env.reconciler()
	gate := NewStockGate(env.store, pub, rec, nil, env.cfg.Gate)
	ctx := context.Background()

	_, err := gate.Claim(ctx, domain.ClaimAttempt{CouponID: c.ID, UserID: 1})
	require.NoError(t, err)
	event := pub.Events()[0]
	_, err = env.records.CommitIssuance(ctx, domain.NewCommittedRecord(event, time.Now()))
	require.NoError(t, err)

	outcome, err := rec.Compensate(ctx, event, "late dead letter")
	require.NoError(t, err)
	assert.Equal(t, port.CompensationConfirmed, outcome)

	snap, err := env.store.Snapshot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Remaining, "committed reservation is never refunded")
	assert.Empty(t, snap.PendingUsers)
}

func TestReconciler_AuditResolvesAbandonedReservations(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedCoupon(t, 10)
	rec := env.reconciler()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	var reservations []*domain.Reservation
	for u := int64(1); u <= 3; u++ {
		res, err := env.store.Reserve(ctx, domain.ClaimAttempt{CouponID: c.ID, UserID: u, RequestID: "r"}, old)
		require.NoError(t, err)
		reservations = append(reservations, res.Reservation)
	}
	// user 1 已持久化但未结算，user 2 的栅栏已写但没有退还，user 3 完全丢失
	_, err := env.records.CommitIssuance(ctx, domain.NewCommittedRecord(reservations[0].Event(), time.Now()))
	require.NoError(t, err)
	_, err = env.records.MarkFailed(ctx, reservations[1].Event(), "release failed")
	require.NoError(t, err)
	// 新鲜的预留不受影响
	_, err = env.store.Reserve(ctx, domain.ClaimAttempt{CouponID: c.ID, UserID: 4, RequestID: "r"}, time.Now())
	require.NoError(t, err)

	report, err := rec.Audit(ctx)
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.Len(t, report.Coupons, 1)
	audit := report.Coupons[0]
	assert.Equal(t, 1, audit.Confirmed)
	assert.Equal(t, 1, audit.Refunded)
	assert.Equal(t, 1, audit.Compensated)
	assert.Equal(t, int64(1), audit.Committed)
	assert.Equal(t, int64(1), audit.Outstanding)
	assert.Zero(t, audit.Drift)

	snap, err := env.store.Snapshot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), snap.Remaining)
	assert.Equal(t, []int64{4}, snap.PendingUsers)

	recs, err := env.records.FindRecords(ctx, c.ID, []int64{3})
	require.NoError(t, err)
	assert.Equal(t, domain.RecordFailed, recs[3].Status)
}

func TestReconciler_AuditCorrectsDrift(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedCoupon(t, 10)
	rec := env.reconciler()
	ctx := context.Background()

	// 数据库已有 3 条记录，但 Redis 库存仍是 10 (例如 Redis 故障后重新初始化)
	for u := int64(1); u <= 3; u++ {
		_, err := env.records.CommitIssuance(ctx, domain.NewCommittedRecord(
			domain.IssuanceEvent{CouponID: c.ID, UserID: u, SequenceNumber: u, ReservedAt: time.Now()}, time.Now()))
		require.NoError(t, err)
	}

	inspected, err := rec.Inspect(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), inspected.Drift)
	assert.False(t, inspected.Corrected)

	report, err := rec.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Coupons, 1)
	assert.True(t, report.Coupons[0].Corrected)
	assert.Equal(t, int64(7), report.Coupons[0].Expected)

	snap, err := env.store.Snapshot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.Remaining)

	again, err := rec.Audit(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Coupons[0].Drift)
	assert.False(t, again.Coupons[0].Corrected)
}

func TestReconciler_DriftWithinTolerance(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Reconcile.DriftTolerance = 5
	c := env.seedCoupon(t, 10)
	ctx := context.Background()
	_, err := env.records.CommitIssuance(ctx, domain.NewCommittedRecord(
		domain.IssuanceEvent{CouponID: c.ID, UserID: 1, SequenceNumber: 1, ReservedAt: time.Now()}, time.Now()))
	require.NoError(t, err)

	report, err := env.reconciler().Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Coupons[0].Drift)
	assert.False(t, report.Coupons[0].Corrected)
}

func TestReconciler_AuditMarksExhaustedAndSyncsStatus(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedCoupon(t, 2)
	ctx := context.Background()
	for u := int64(1); u <= 2; u++ {
		_, err := env.records.CommitIssuance(ctx, domain.NewCommittedRecord(
			domain.IssuanceEvent{CouponID: c.ID, UserID: u, SequenceNumber: u, ReservedAt: time.Now()}, time.Now()))
		require.NoError(t, err)
	}

	report, err := env.reconciler().Audit(ctx)
	require.NoError(t, err)
	audit := report.Coupons[0]
	assert.True(t, audit.Corrected)
	assert.True(t, audit.Exhausted)
	assert.Equal(t, domain.StatusExhausted, audit.Status)

	snap, err := env.store.Snapshot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExhausted, snap.Status)

	stored, err := env.coupons.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExhausted, stored.Status)
}

func TestReconciler_ClosedCouponOnlyResolvesAbandoned(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedCoupon(t, 5)
	ctx := context.Background()

	_, err := env.store.Reserve(ctx, domain.ClaimAttempt{CouponID: c.ID, UserID: 1, RequestID: "r"}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	catalog := NewCatalogService(env.coupons, env.records, env.store, nil)
	require.NoError(t, catalog.CloseCoupon(ctx, c.ID))
	// 人为制造漂移
	ok, err := env.store.CorrectRemaining(ctx, c.ID, 4, 1)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := env.reconciler().Audit(ctx)
	require.NoError(t, err)
	audit := report.Coupons[0]
	assert.Equal(t, 1, audit.Compensated)
	assert.False(t, audit.Corrected, "closed coupons are not corrected")

	snap, err := env.store.Snapshot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, snap.Status)
	assert.Empty(t, snap.PendingUsers)
}

func TestReconciler_SkipsWhenLockHeld(t *testing.T) {
	env := newTestEnv(t)
	env.seedCoupon(t, 5)
	rec := NewReconciler(env.store, env.coupons, env.records, heldLock{}, env.cfg.Reconcile)

	report, err := rec.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, report.Coupons)
}

func TestReconciler_MissingFromFastStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := &domain.Coupon{Name: "db only", TotalStock: 3, Status: domain.StatusOpen}
	require.NoError(t, env.coupons.Create(ctx, c))

	audit, err := env.reconciler().Inspect(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, audit.Missing)

	_, err = env.reconciler().Inspect(ctx, 404)
	assert.ErrorIs(t, err, domain.ErrCouponNotFound)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedCoupon(t, 3)
	ctx := context.Background()
	_, err := env.records.CommitIssuance(ctx, domain.NewCommittedRecord(
		domain.IssuanceEvent{CouponID: c.ID, UserID: 1, SequenceNumber: 1, ReservedAt: time.Now()}, time.Now()))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- env.reconciler().Run(runCtx) }()

	assert.Eventually(t, func() bool {
		snap, err := env.store.Snapshot(ctx, c.ID)
		return err == nil && snap.Remaining == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
