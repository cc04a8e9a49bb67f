package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"couponhub/internal/pkg/config"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

// scriptedRecords 按顺序返回 errs，之后返回 outcome
type scriptedRecords struct {
	domain.IssuanceRepository
	errs    []error
	outcome domain.CommitOutcome
	calls   int
}

func (s *scriptedRecords) CommitIssuance(context.Context, *domain.IssuanceRecord) (domain.CommitOutcome, error) {
	s.calls++
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return 0, s.errs[s.calls-1]
	}
	return s.outcome, nil
}

type confirmStore struct {
	port.StockStore
	confirmed []int64
}

func (s *confirmStore) Confirm(_ context.Context, _ int64, userID int64) (bool, error) {
	s.confirmed = append(s.confirmed, userID)
	return false, nil
}

// recordingTimer 记录每次等待的时长并立即触发；onStart 非 nil 时调用它且不触发
type recordingTimer struct {
	c       chan time.Time
	waits   []time.Duration
	onStart func()
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (t *recordingTimer) Start(d time.Duration) {
	t.waits = append(t.waits, d)
	if t.onStart != nil {
		t.onStart()
		return
	}
	t.c <- time.Now()
}

func (t *recordingTimer) Stop()               {}
func (t *recordingTimer) C() <-chan time.Time { return t.c }

func newScriptedCommitter(records domain.IssuanceRepository, store port.StockStore) (*Committer, *recordingTimer) {
	c := NewCommitter(records, store, config.CommitterConfig{
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  time.Second,
		MaxAttempts: 5,
	})
	timer := newRecordingTimer()
	c.newTimer = func() backoff.Timer { return timer }
	return c, timer
}

func validEvent() domain.IssuanceEvent {
	return domain.IssuanceEvent{CouponID: 1, UserID: 2, SequenceNumber: 3, ReservedAt: time.Now()}
}

func TestCommitter_RetriesTransientErrors(t *testing.T) {
	transient := errors.New("deadlock found")
	records := &scriptedRecords{errs: []error{transient, transient}, outcome: domain.CommitInserted}
	store := &confirmStore{}
	c, timer := newScriptedCommitter(records, store)

	require.NoError(t, c.Handle(context.Background(), validEvent()))
	assert.Equal(t, 3, records.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, timer.waits)
	assert.Equal(t, []int64{2}, store.confirmed)
}

func TestCommitter_GivesUpAtCeiling(t *testing.T) {
	transient := errors.New("connection reset")
	records := &scriptedRecords{errs: []error{transient, transient, transient, transient, transient}}
	store := &confirmStore{}
	c, timer := newScriptedCommitter(records, store)

	err := c.Handle(context.Background(), validEvent())
	require.ErrorIs(t, err, domain.ErrCommitFailed)
	assert.ErrorIs(t, err, transient)

	var commitErr *domain.CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, 5, commitErr.Attempts())
	assert.Equal(t, 5, records.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}, timer.waits)
	assert.Empty(t, store.confirmed)
}

func TestCommitter_PermanentErrorNotRetried(t *testing.T) {
	records := &scriptedRecords{errs: []error{domain.Permanent(domain.ErrStockExceeded)}}
	c, timer := newScriptedCommitter(records, &confirmStore{})

	err := c.Handle(context.Background(), validEvent())
	require.ErrorIs(t, err, domain.ErrCommitFailed)
	assert.ErrorIs(t, err, domain.ErrStockExceeded)
	var commitErr *domain.CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, 1, commitErr.Attempts())
	assert.Equal(t, 1, records.calls)
	assert.Empty(t, timer.waits)
}

func TestCommitter_InvalidEvent(t *testing.T) {
	records := &scriptedRecords{outcome: domain.CommitInserted}
	c, _ := newScriptedCommitter(records, &confirmStore{})

	err := c.Handle(context.Background(), domain.IssuanceEvent{CouponID: 1, UserID: 2})
	require.ErrorIs(t, err, domain.ErrCommitFailed)
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	assert.Zero(t, records.calls)
}

func TestCommitter_ContextCancelledDuringRetry(t *testing.T) {
	records := &scriptedRecords{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	c, timer := newScriptedCommitter(records, &confirmStore{})
	ctx, cancel := context.WithCancel(context.Background())
	timer.onStart = cancel

	err := c.Handle(ctx, validEvent())
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrCommitFailed, "shutdown must not dead-letter the event")
}

func TestCommitter_OutcomesAndSettlement(t *testing.T) {
	cases := []struct {
		outcome domain.CommitOutcome
		settled bool
	}{
		{domain.CommitInserted, true},
		{domain.CommitPromoted, true},
		{domain.CommitDuplicate, true},
		{domain.CommitStale, false},
	}
	for _, tc := range cases {
		t.Run(tc.outcome.String(), func(t *testing.T) {
			store := &confirmStore{}
			c, _ := newScriptedCommitter(&scriptedRecords{outcome: tc.outcome}, store)

			require.NoError(t, c.Handle(context.Background(), validEvent()))
			assert.Equal(t, tc.settled, len(store.confirmed) == 1)
		})
	}
}

func TestCommitter_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	cpn := env.seedCoupon(t, 3)
	pub := &capturePublisher{}
	gate := NewStockGate(env.store, pub, env.reconciler(), nil, env.cfg.Gate)
	committer := NewCommitter(env.records, env.store, env.cfg.Committer)
	ctx := context.Background()

	for u := int64(1); u <= 5; u++ {
		_, _ = gate.Claim(ctx, domain.ClaimAttempt{CouponID: cpn.ID, UserID: u})
	}
	events := pub.Events()
	require.Len(t, events, 3)

	for _, e := range events {
		require.NoError(t, committer.Handle(ctx, e))
	}
	// 重复投递
	require.NoError(t, committer.Handle(ctx, events[0]))

	n, err := env.records.CountCommitted(ctx, cpn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	snap, err := env.store.Snapshot(ctx, cpn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExhausted, snap.Status)
	assert.Empty(t, snap.PendingUsers)

	audit, err := env.reconciler().Inspect(ctx, cpn.ID)
	require.NoError(t, err)
	assert.Zero(t, audit.Drift)
	assert.Zero(t, audit.Outstanding)
}
