package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"couponhub/internal/pkg/redis"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

// StockRedisAdapter 是 port.StockStore 的 Redis 实现。
type StockRedisAdapter struct {
	redisClient *redis.Client
}

// NewStockRedisAdapter 创建适配器并加载所有 Lua 脚本。
func NewStockRedisAdapter(redisClient *redis.Client) (*StockRedisAdapter, error) {
	scripts := map[string]string{
		claimScriptName:    claimScript,
		releaseScriptName:  releaseScript,
		settleScriptName:   settleScript,
		correctScriptName:  correctScript,
		snapshotScriptName: snapshotScript,
	}
	for name, content := range scripts {
		if err := redisClient.LoadScriptFromContent(name, content); err != nil {
			return nil, fmt.Errorf("failed to load critical coupon script: %w", err)
		}
	}
	return &StockRedisAdapter{redisClient: redisClient}, nil
}

type couponKeys struct {
	meta, stock, claims, pending, seq string
}

func keysFor(couponID int64) couponKeys {
	tag := "{" + strconv.FormatInt(couponID, 10) + "}"
	return couponKeys{
		meta:    "coupon:" + tag + ":meta",
		stock:   "coupon:" + tag + ":stock",
		claims:  "coupon:" + tag + ":claims",
		pending: "coupon:" + tag + ":pending",
		seq:     "coupon:" + tag + ":seq",
	}
}

// Reserve 执行原子领取脚本
func (a *StockRedisAdapter) Reserve(ctx context.Context, attempt domain.ClaimAttempt, now time.Time) (port.ClaimResult, error) {
	k := keysFor(attempt.CouponID)
	keys := []string{k.meta, k.stock, k.claims, k.pending, k.seq}
	args := []interface{}{attempt.UserID, attempt.RequestID, now.UnixMilli()}

	result, err := a.redisClient.RunScript(ctx, claimScriptName, keys, args...)
	if err != nil {
		return port.ClaimResult{}, errors.Wrap(err, "stock adapter failed to run claim script")
	}

	values, ok := result.([]interface{})
	if !ok || len(values) == 0 {
		return port.ClaimResult{}, fmt.Errorf("unexpected result type from claim script: %T", result)
	}
	code, err := toInt64(values[0])
	if err != nil {
		return port.ClaimResult{}, err
	}

	switch code {
	case 1:
		res, err := parseEntry(attempt.CouponID, attempt.UserID, values, 1)
		if err != nil {
			return port.ClaimResult{}, err
		}
		return port.ClaimResult{Code: port.ClaimGranted, Reservation: res}, nil
	case 2:
		res, err := parseEntry(attempt.CouponID, attempt.UserID, values, 1)
		if err != nil {
			return port.ClaimResult{}, err
		}
		pending := false
		if len(values) > 2 {
			flag, _ := toInt64(values[2])
			pending = flag == 1
		}
		return port.ClaimResult{Code: port.ClaimDuplicate, Reservation: res, Pending: pending}, nil
	case 0:
		return port.ClaimResult{Code: port.ClaimSoldOut}, nil
	case 3:
		return port.ClaimResult{Code: port.ClaimUnavailable}, nil
	case 4:
		return port.ClaimResult{Code: port.ClaimUnknownCoupon}, nil
	default:
		return port.ClaimResult{}, fmt.Errorf("unknown result code from claim script: %d", code)
	}
}

// Release 是领取的补偿操作，只有预留序号匹配时才退还
func (a *StockRedisAdapter) Release(ctx context.Context, couponID, userID, sequence int64) (bool, error) {
	k := keysFor(couponID)
	result, err := a.redisClient.RunScript(ctx, releaseScriptName,
		[]string{k.meta, k.stock, k.claims, k.pending}, userID, sequence)
	if err != nil {
		return false, errors.Wrap(err, "stock adapter failed to run release script")
	}
	n, err := toInt64(result)
	return n == 1, err
}

func (a *StockRedisAdapter) Confirm(ctx context.Context, couponID, userID int64) (bool, error) {
	return a.settle(ctx, couponID, strconv.FormatInt(userID, 10))
}

func (a *StockRedisAdapter) MarkExhausted(ctx context.Context, couponID int64) (bool, error) {
	return a.settle(ctx, couponID, "")
}

func (a *StockRedisAdapter) settle(ctx context.Context, couponID int64, userID string) (bool, error) {
	k := keysFor(couponID)
	result, err := a.redisClient.RunScript(ctx, settleScriptName, []string{k.meta, k.stock, k.pending}, userID)
	if err != nil {
		return false, errors.Wrap(err, "stock adapter failed to run settle script")
	}
	n, err := toInt64(result)
	return n == 1, err
}

func (a *StockRedisAdapter) CorrectRemaining(ctx context.Context, couponID, observed, target int64) (bool, error) {
	k := keysFor(couponID)
	result, err := a.redisClient.RunScript(ctx, correctScriptName, []string{k.meta, k.stock}, observed, target)
	if err != nil {
		return false, errors.Wrap(err, "stock adapter failed to run correct script")
	}
	n, err := toInt64(result)
	return n == 1, err
}

// Provision (管理用) 初始化优惠券的库存和元数据，会清空已有的领取记录
func (a *StockRedisAdapter) Provision(ctx context.Context, coupon *domain.Coupon) error {
	k := keysFor(coupon.ID)

	// 同一个 hash tag 下的 key 在同一个 slot，可以放进一个 MULTI
	pipe := a.redisClient.GetClient().TxPipeline()
	pipe.Del(ctx, k.claims, k.pending)
	pipe.HSet(ctx, k.meta,
		"status", string(coupon.Status),
		"total", coupon.TotalStock,
		"valid_from", unixMilliOrZero(coupon.ValidFrom),
		"valid_to", unixMilliOrZero(coupon.ValidTo),
		"rule", coupon.Rule,
	)
	pipe.Set(ctx, k.stock, coupon.TotalStock, 0)
	pipe.Set(ctx, k.seq, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to provision coupon stock")
	}
	return nil
}

// Rule 读取准入规则。券不存在时 exists 为 false
func (a *StockRedisAdapter) Rule(ctx context.Context, couponID int64) (rule string, exists bool, err error) {
	k := keysFor(couponID)
	values, err := a.redisClient.GetClient().HMGet(ctx, k.meta, "status", "rule").Result()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to read coupon rule")
	}
	if status, _ := values[0].(string); status == "" {
		return "", false, nil
	}
	rule, _ = values[1].(string)
	return rule, true, nil
}

func (a *StockRedisAdapter) SetStatus(ctx context.Context, couponID int64, status domain.Status) error {
	k := keysFor(couponID)
	if err := a.redisClient.GetClient().HSet(ctx, k.meta, "status", string(status)).Err(); err != nil {
		return errors.Wrap(err, "failed to set coupon status")
	}
	return nil
}

func (a *StockRedisAdapter) Snapshot(ctx context.Context, couponID int64) (port.StockSnapshot, error) {
	k := keysFor(couponID)
	result, err := a.redisClient.RunScript(ctx, snapshotScriptName,
		[]string{k.meta, k.stock, k.claims, k.pending, k.seq})
	if err != nil {
		return port.StockSnapshot{}, errors.Wrap(err, "stock adapter failed to run snapshot script")
	}
	values, ok := result.([]interface{})
	if !ok || len(values) < 6 {
		return port.StockSnapshot{}, fmt.Errorf("unexpected result from snapshot script: %v", result)
	}

	status, _ := values[0].(string)
	if status == "" {
		return port.StockSnapshot{}, nil
	}
	snap := port.StockSnapshot{Exists: true, Status: domain.Status(status)}
	nums := make([]int64, 4)
	for i := range nums {
		if nums[i], err = toInt64(values[i+1]); err != nil {
			return port.StockSnapshot{}, err
		}
	}
	snap.Total, snap.Remaining, snap.LastSequence, snap.Claims = nums[0], nums[1], nums[2], nums[3]

	members, _ := values[5].([]interface{})
	for _, m := range members {
		uid, err := toInt64(m)
		if err != nil {
			return port.StockSnapshot{}, err
		}
		snap.PendingUsers = append(snap.PendingUsers, uid)
	}
	return snap, nil
}

func (a *StockRedisAdapter) PendingOlderThan(ctx context.Context, couponID int64, before time.Time, limit int) ([]domain.Reservation, error) {
	k := keysFor(couponID)
	rdb := a.redisClient.GetClient()

	users, err := rdb.ZRangeByScore(ctx, k.pending, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending reservations")
	}
	if len(users) == 0 {
		return nil, nil
	}

	entries, err := rdb.HMGet(ctx, k.claims, users...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read claims")
	}

	out := make([]domain.Reservation, 0, len(users))
	for i, u := range users {
		entry, ok := entries[i].(string)
		if !ok {
			// 并发退还了，跳过
			continue
		}
		uid, err := strconv.ParseInt(u, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid pending member %q: %w", u, err)
		}
		res, err := decodeEntry(couponID, uid, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, nil
}

func parseEntry(couponID, userID int64, values []interface{}, idx int) (*domain.Reservation, error) {
	if len(values) <= idx {
		return nil, fmt.Errorf("claim script returned no entry")
	}
	entry, ok := values[idx].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected claim entry type: %T", values[idx])
	}
	return decodeEntry(couponID, userID, entry)
}

// decodeEntry 解析 "seq|reservedAtMs|requestId"
func decodeEntry(couponID, userID int64, entry string) (*domain.Reservation, error) {
	parts := strings.SplitN(entry, "|", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed claim entry %q", entry)
	}
	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed sequence in claim entry %q: %w", entry, err)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed timestamp in claim entry %q: %w", entry, err)
	}
	return &domain.Reservation{
		CouponID:       couponID,
		UserID:         userID,
		RequestID:      parts[2],
		SequenceNumber: seq,
		ReservedAt:     time.UnixMilli(ms),
	}, nil
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unexpected numeric value %q: %w", t, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected result type from script: %T", v)
	}
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
