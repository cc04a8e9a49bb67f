package infrastructure

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"couponhub/internal/service/coupon/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coupon.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(db))
	return db
}

func createCoupon(t *testing.T, repo *GormCouponRepository, total int64) *domain.Coupon {
	t.Helper()
	c := &domain.Coupon{Name: "双十一满减", TotalStock: total, Status: domain.StatusOpen}
	require.NoError(t, repo.Create(context.Background(), c))
	require.NotZero(t, c.ID)
	return c
}

func record(couponID, userID, seq int64) *domain.IssuanceRecord {
	return domain.NewCommittedRecord(domain.IssuanceEvent{
		CouponID:       couponID,
		UserID:         userID,
		SequenceNumber: seq,
		ReservedAt:     time.Now().Add(-time.Second),
		RequestID:      "req",
	}, time.Now())
}

func TestCouponRepository_CRUD(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormCouponRepository(db)
	ctx := context.Background()

	validTo := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	c := &domain.Coupon{Name: "new user", TotalStock: 100, Status: domain.StatusOpen, ValidTo: validTo, Rule: "user_id > 0"}
	require.NoError(t, repo.Create(ctx, c))

	got, err := repo.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "new user", got.Name)
	assert.Equal(t, int64(100), got.TotalStock)
	assert.True(t, got.ValidFrom.IsZero())
	assert.True(t, validTo.Equal(got.ValidTo))
	assert.Equal(t, "user_id > 0", got.Rule)

	_, err = repo.FindByID(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrCouponNotFound)

	ok, err := repo.UpdateStatus(ctx, c.ID, domain.StatusExhausted, domain.StatusOpen)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateStatus(ctx, c.ID, domain.StatusOpen, domain.StatusClosed)
	require.NoError(t, err)
	assert.False(t, ok, "from filter does not match")

	ok, err = repo.UpdateStatus(ctx, c.ID, domain.StatusClosed)
	require.NoError(t, err)
	assert.True(t, ok)

	createCoupon(t, repo, 5)
	all, err := repo.ListAuditable(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.StatusClosed, all[0].Status)
}

func TestCommitIssuance_InsertAndDuplicate(t *testing.T) {
	db := newTestDB(t)
	coupons := NewGormCouponRepository(db)
	repo := NewGormIssuanceRepository(db)
	ctx := context.Background()
	c := createCoupon(t, coupons, 3)

	outcome, err := repo.CommitIssuance(ctx, record(c.ID, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.CommitInserted, outcome)

	outcome, err = repo.CommitIssuance(ctx, record(c.ID, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.CommitDuplicate, outcome)

	n, err := repo.CountCommitted(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := coupons.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.IssuedCount, "duplicate must not bump issued count")
}

func TestCommitIssuance_StockExceeded(t *testing.T) {
	db := newTestDB(t)
	coupons := NewGormCouponRepository(db)
	repo := NewGormIssuanceRepository(db)
	ctx := context.Background()
	c := createCoupon(t, coupons, 2)

	for u := int64(1); u <= 2; u++ {
		_, err := repo.CommitIssuance(ctx, record(c.ID, u, u))
		require.NoError(t, err)
	}

	_, err := repo.CommitIssuance(ctx, record(c.ID, 3, 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStockExceeded)
	assert.True(t, domain.IsPermanent(err))

	n, err := repo.CountCommitted(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCommitIssuance_UnknownCoupon(t *testing.T) {
	repo := NewGormIssuanceRepository(newTestDB(t))

	_, err := repo.CommitIssuance(context.Background(), record(42, 1, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCouponNotFound)
	assert.True(t, domain.IsPermanent(err))
}

func TestMarkFailed_FencesStaleEvent(t *testing.T) {
	db := newTestDB(t)
	coupons := NewGormCouponRepository(db)
	repo := NewGormIssuanceRepository(db)
	ctx := context.Background()
	c := createCoupon(t, coupons, 3)

	event := domain.IssuanceEvent{CouponID: c.ID, UserID: 9, SequenceNumber: 4, ReservedAt: time.Now()}
	fence, err := repo.MarkFailed(ctx, event, "commit failed")
	require.NoError(t, err)
	assert.Equal(t, domain.FenceRecorded, fence)

	// 补偿之后才到达的同一个事件
	outcome, err := repo.CommitIssuance(ctx, record(c.ID, 9, 4))
	require.NoError(t, err)
	assert.Equal(t, domain.CommitStale, outcome)

	n, err := repo.CountCommitted(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// 再次写栅栏是幂等的
	fence, err = repo.MarkFailed(ctx, event, "again")
	require.NoError(t, err)
	assert.Equal(t, domain.FenceRecorded, fence)
}

func TestCommitIssuance_PromotesFailedRecordForNewReservation(t *testing.T) {
	db := newTestDB(t)
	coupons := NewGormCouponRepository(db)
	repo := NewGormIssuanceRepository(db)
	ctx := context.Background()
	c := createCoupon(t, coupons, 3)

	_, err := repo.MarkFailed(ctx, domain.IssuanceEvent{CouponID: c.ID, UserID: 9, SequenceNumber: 2}, "enqueue failed")
	require.NoError(t, err)

	// 退还后用户重新领取，得到更大的序号
	outcome, err := repo.CommitIssuance(ctx, record(c.ID, 9, 7))
	require.NoError(t, err)
	assert.Equal(t, domain.CommitPromoted, outcome)

	recs, err := repo.FindRecords(ctx, c.ID, []int64{9})
	require.NoError(t, err)
	require.Contains(t, recs, int64(9))
	assert.Equal(t, domain.RecordCommitted, recs[9].Status)
	assert.Equal(t, int64(7), recs[9].SequenceNumber)
	assert.Empty(t, recs[9].FailureReason)
	assert.False(t, recs[9].CommittedAt.IsZero())

	got, err := coupons.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.IssuedCount)
}

func TestMarkFailed_Branches(t *testing.T) {
	db := newTestDB(t)
	coupons := NewGormCouponRepository(db)
	repo := NewGormIssuanceRepository(db)
	ctx := context.Background()
	c := createCoupon(t, coupons, 3)

	_, err := repo.CommitIssuance(ctx, record(c.ID, 1, 1))
	require.NoError(t, err)
	fence, err := repo.MarkFailed(ctx, domain.IssuanceEvent{CouponID: c.ID, UserID: 1, SequenceNumber: 1}, "late")
	require.NoError(t, err)
	assert.Equal(t, domain.FenceAlreadyCommitted, fence)

	_, err = repo.MarkFailed(ctx, domain.IssuanceEvent{CouponID: c.ID, UserID: 2, SequenceNumber: 3}, "first")
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, domain.IssuanceEvent{CouponID: c.ID, UserID: 2, SequenceNumber: 8}, "second")
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, domain.IssuanceEvent{CouponID: c.ID, UserID: 2, SequenceNumber: 5}, "older")
	require.NoError(t, err)

	recs, err := repo.FindRecords(ctx, c.ID, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.RecordCommitted, recs[1].Status)
	assert.Equal(t, domain.RecordFailed, recs[2].Status)
	assert.Equal(t, int64(8), recs[2].SequenceNumber, "fence only moves forward")
	assert.Equal(t, "second", recs[2].FailureReason)

	// 券不存在时也能写栅栏
	fence, err = repo.MarkFailed(ctx, domain.IssuanceEvent{CouponID: 404, UserID: 1, SequenceNumber: 1}, "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.FenceRecorded, fence)

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	_, err = repo.MarkFailed(ctx, domain.IssuanceEvent{CouponID: c.ID, UserID: 4, SequenceNumber: 1}, string(long))
	require.NoError(t, err)
	recs, err = repo.FindRecords(ctx, c.ID, []int64{4})
	require.NoError(t, err)
	assert.Len(t, recs[4].FailureReason, 512)

	// 多字节字符不会被截断在中间
	_, err = repo.MarkFailed(ctx, domain.IssuanceEvent{CouponID: c.ID, UserID: 5, SequenceNumber: 1}, strings.Repeat("库存不足", 100))
	require.NoError(t, err)
	recs, err = repo.FindRecords(ctx, c.ID, []int64{5})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(recs[5].FailureReason))
	assert.Len(t, recs[5].FailureReason, 510)
}

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "short", truncateReason("short", 512))
	assert.Equal(t, "ab", truncateReason("ab数", 4), "3-byte rune does not fit")
	assert.Equal(t, "ab数", truncateReason("ab数x", 5))
	assert.Equal(t, "a?", truncateReason("a\xff", 512), "invalid bytes are replaced")
}

func TestFindRecords_Batched(t *testing.T) {
	db := newTestDB(t)
	coupons := NewGormCouponRepository(db)
	repo := NewGormIssuanceRepository(db)
	ctx := context.Background()
	c := createCoupon(t, coupons, 1000)

	var users []int64
	for u := int64(1); u <= 600; u++ {
		users = append(users, u)
		if u%2 == 0 {
			_, err := repo.CommitIssuance(ctx, record(c.ID, u, u))
			require.NoError(t, err)
		}
	}

	recs, err := repo.FindRecords(ctx, c.ID, users)
	require.NoError(t, err)
	assert.Len(t, recs, 300)

	empty, err := repo.FindRecords(ctx, c.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFindByUser(t *testing.T) {
	db := newTestDB(t)
	coupons := NewGormCouponRepository(db)
	repo := NewGormIssuanceRepository(db)
	ctx := context.Background()
	a := createCoupon(t, coupons, 5)
	b := createCoupon(t, coupons, 5)

	_, err := repo.CommitIssuance(ctx, record(a.ID, 1, 1))
	require.NoError(t, err)
	_, err = repo.CommitIssuance(ctx, record(a.ID, 2, 2))
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, domain.IssuanceEvent{CouponID: b.ID, UserID: 1, SequenceNumber: 1}, "enqueue failed")
	require.NoError(t, err)

	got, err := repo.FindByUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].CouponID)
	assert.Equal(t, domain.RecordCommitted, got[0].Status)
	assert.Equal(t, b.ID, got[1].CouponID)
	assert.Equal(t, domain.RecordFailed, got[1].Status)
	assert.Equal(t, "enqueue failed", got[1].FailureReason)

	none, err := repo.FindByUser(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}
