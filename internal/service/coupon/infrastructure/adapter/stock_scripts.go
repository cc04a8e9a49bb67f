package adapter

const (
	claimScriptName    = "coupon_claim"
	releaseScriptName  = "coupon_release"
	settleScriptName   = "coupon_settle"
	correctScriptName  = "coupon_correct"
	snapshotScriptName = "coupon_snapshot"
)

// 所有脚本的 KEYS 都带有同一个 {couponId} hash tag，集群下落在同一个 slot

// KEYS[1]: meta    KEYS[2]: stock   KEYS[3]: claims
// KEYS[4]: pending KEYS[5]: seq
// ARGV[1]: userId  ARGV[2]: requestId  ARGV[3]: 当前时间 (毫秒)
//
// 返回值:
//	{1, entry}             成功, entry = "seq|reservedAtMs|requestId"
//	{0}                    已售罄
//	{2, entry, pending}    已领取, pending=1 表示尚未结算
//	{3}                    已关闭或不在有效期
//	{4}                    券不存在
var claimScript = `
local meta = redis.call('HMGET', KEYS[1], 'status', 'valid_from', 'valid_to')
local status = meta[1]
if not status then
    return {4}
end

-- 已领取的用户无论券处于什么状态都返回原预留，重放才能拿到同一个结果
local prior = redis.call('HGET', KEYS[3], ARGV[1])
if prior then
    if redis.call('ZSCORE', KEYS[4], ARGV[1]) then
        return {2, prior, 1}
    end
    return {2, prior, 0}
end

if status == 'EXHAUSTED' then
    return {0}
end
if status ~= 'OPEN' then
    return {3}
end

local now = tonumber(ARGV[3])
local from = tonumber(meta[2]) or 0
local to = tonumber(meta[3]) or 0
if (from > 0 and now < from) or (to > 0 and now >= to) then
    return {3}
end

local stock = tonumber(redis.call('GET', KEYS[2]) or '0')
if stock <= 0 then
    return {0}
end

redis.call('DECR', KEYS[2])
local seq = redis.call('INCR', KEYS[5])
local entry = seq .. '|' .. ARGV[3] .. '|' .. ARGV[2]
redis.call('HSET', KEYS[3], ARGV[1], entry)
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
return {1, entry}
`

// KEYS[1]: meta KEYS[2]: stock KEYS[3]: claims KEYS[4]: pending
// ARGV[1]: userId ARGV[2]: 预留序号
// 返回 1 表示退还了一个单位，0 表示预留不存在或已被新的预留替换
var releaseScript = `
local prior = redis.call('HGET', KEYS[3], ARGV[1])
if not prior then
    return 0
end
local sep = string.find(prior, '|', 1, true)
if not sep or string.sub(prior, 1, sep - 1) ~= ARGV[2] then
    return 0
end

redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('INCR', KEYS[2])
if redis.call('HGET', KEYS[1], 'status') == 'EXHAUSTED' then
    redis.call('HSET', KEYS[1], 'status', 'OPEN')
end
return 1
`

// KEYS[1]: meta KEYS[2]: stock KEYS[3]: pending
// ARGV[1]: userId，为空时只检查是否可以转为 EXHAUSTED
// 返回 1 表示状态转为 EXHAUSTED
var settleScript = `
if ARGV[1] ~= '' then
    redis.call('ZREM', KEYS[3], ARGV[1])
end
local stock = tonumber(redis.call('GET', KEYS[2]) or '0')
if stock <= 0 and redis.call('ZCARD', KEYS[3]) == 0 and redis.call('HGET', KEYS[1], 'status') == 'OPEN' then
    redis.call('HSET', KEYS[1], 'status', 'EXHAUSTED')
    return 1
end
return 0
`

// KEYS[1]: meta KEYS[2]: stock
// ARGV[1]: 观察到的剩余库存 ARGV[2]: 目标值
var correctScript = `
local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
if cur ~= tonumber(ARGV[1]) then
    return 0
end
redis.call('SET', KEYS[2], ARGV[2])
if tonumber(ARGV[2]) > 0 and redis.call('HGET', KEYS[1], 'status') == 'EXHAUSTED' then
    redis.call('HSET', KEYS[1], 'status', 'OPEN')
end
return 1
`

// KEYS[1]: meta KEYS[2]: stock KEYS[3]: claims KEYS[4]: pending KEYS[5]: seq
// 返回 {status, total, stock, seq, claims, {userId...}}
var snapshotScript = `
local meta = redis.call('HMGET', KEYS[1], 'status', 'total')
local stock = redis.call('GET', KEYS[2]) or '0'
local seq = redis.call('GET', KEYS[5]) or '0'
local claims = redis.call('HLEN', KEYS[3])
local pending = redis.call('ZRANGE', KEYS[4], 0, -1)
return {meta[1] or '', meta[2] or '0', stock, seq, claims, pending}
`
