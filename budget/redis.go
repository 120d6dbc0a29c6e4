package budget

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger is a Ledger backed by Redis, for deployments where several
// supervisor instances share one budget scope. Settled usage lives in a
// sorted set scored by unix-milli timestamp (window pruning is a range
// delete); outstanding reservations live in a hash. Reservation admission
// runs as a Lua script so the read-check-debit is atomic across instances.
type RedisLedger struct {
	client    redis.UniversalClient
	window    time.Duration
	keyPrefix string
}

// NewRedisLedger creates a ledger on client with the given rolling window.
func NewRedisLedger(client redis.UniversalClient, window time.Duration) *RedisLedger {
	return &RedisLedger{client: client, window: window, keyPrefix: "mcpflow:budget"}
}

// WithKeyPrefix overrides the default key namespace, for deployments
// sharing one Redis across environments.
func (l *RedisLedger) WithKeyPrefix(prefix string) *RedisLedger {
	if prefix != "" {
		l.keyPrefix = prefix + ":budget"
	}
	return l
}

func (l *RedisLedger) usageKey(userID string) string {
	return fmt.Sprintf("%s:usage:%s", l.keyPrefix, userID)
}

func (l *RedisLedger) reservationKey(userID string) string {
	return fmt.Sprintf("%s:resv:%s", l.keyPrefix, userID)
}

// reserveScript prunes expired usage, sums settled + outstanding cost, and
// debits the reservation only if the total stays within the cap.
// KEYS[1] usage zset, KEYS[2] reservation hash.
// ARGV: nowMillis, windowMillis, reservationID, cost, cap.
var reserveScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
local used = 0
for _, member in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
  local sep = string.find(member, '|')
  used = used + tonumber(string.sub(member, sep + 1))
end
local outstanding = 0
local resv = redis.call('HVALS', KEYS[2])
for _, v in ipairs(resv) do
  outstanding = outstanding + tonumber(v)
end
local cost = tonumber(ARGV[4])
if used + outstanding + cost > tonumber(ARGV[5]) then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

func (l *RedisLedger) Reserve(ctx context.Context, userID, reservationID string, cost, cap float64) error {
	now := time.Now().UnixMilli()
	ok, err := reserveScript.Run(ctx, l.client,
		[]string{l.usageKey(userID), l.reservationKey(userID)},
		now, l.window.Milliseconds(), reservationID, cost, cap,
	).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		committed, _ := l.committed(ctx, userID)
		return errBudgetExceeded(userID, committed, cost, cap)
	}
	return nil
}

// settleScript moves a reservation into settled usage atomically.
// KEYS[1] usage zset, KEYS[2] reservation hash.
// ARGV: nowMillis, reservationID, actualCost.
var settleScript = redis.NewScript(`
if redis.call('HDEL', KEYS[2], ARGV[2]) == 0 then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('ZADD', KEYS[1], tonumber(ARGV[1]), ARGV[2] .. '|' .. ARGV[3])
end
return 1
`)

func (l *RedisLedger) Settle(ctx context.Context, userID, reservationID string, actual float64) error {
	return settleScript.Run(ctx, l.client,
		[]string{l.usageKey(userID), l.reservationKey(userID)},
		time.Now().UnixMilli(), reservationID, actual,
	).Err()
}

func (l *RedisLedger) UsedInWindow(ctx context.Context, userID string) (float64, error) {
	cutoff := time.Now().Add(-l.window).UnixMilli()
	if err := l.client.ZRemRangeByScore(ctx, l.usageKey(userID), "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return 0, err
	}
	members, err := l.client.ZRange(ctx, l.usageKey(userID), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	used := 0.0
	for _, member := range members {
		if i := strings.IndexByte(member, '|'); i >= 0 {
			if c, err := strconv.ParseFloat(member[i+1:], 64); err == nil {
				used += c
			}
		}
	}
	return used, nil
}

func (l *RedisLedger) Outstanding(ctx context.Context, userID string) (float64, error) {
	vals, err := l.client.HVals(ctx, l.reservationKey(userID)).Result()
	if err != nil {
		return 0, err
	}
	outstanding := 0.0
	for _, v := range vals {
		if c, err := strconv.ParseFloat(v, 64); err == nil {
			outstanding += c
		}
	}
	return outstanding, nil
}

func (l *RedisLedger) committed(ctx context.Context, userID string) (float64, error) {
	used, err := l.UsedInWindow(ctx, userID)
	if err != nil {
		return 0, err
	}
	outstanding, err := l.Outstanding(ctx, userID)
	if err != nil {
		return used, err
	}
	return used + outstanding, nil
}
