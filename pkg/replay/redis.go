package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript performs the claim atomically in Redis. The record is a hash
// holding request_hash, completed, and cached_response.
//
// KEYS[1] = record key
// ARGV[1] = request hash
// ARGV[2] = TTL seconds (applied only to pending claims)
//
// Returns {status, cached_response} where status is one of
// "new", "in_flight", "replay", "conflict".
var claimScript = redis.NewScript(`
local key = KEYS[1]
local req_hash = ARGV[1]
local ttl = tonumber(ARGV[2])

local stored = redis.call("HGET", key, "request_hash")
if not stored then
    redis.call("HSET", key, "request_hash", req_hash, "completed", "0")
    if ttl > 0 then
        redis.call("EXPIRE", key, ttl)
    end
    return {"new", ""}
end

if stored ~= req_hash then
    return {"conflict", ""}
end

if redis.call("HGET", key, "completed") == "1" then
    return {"replay", redis.call("HGET", key, "cached_response") or ""}
end

return {"in_flight", ""}
`)

// completeScript marks a pending claim completed and persists the record.
var completeScript = redis.NewScript(`
local key = KEYS[1]
local req_hash = ARGV[1]

if redis.call("HGET", key, "request_hash") ~= req_hash then
    return 0
end
if redis.call("HGET", key, "completed") == "1" then
    return 0
end
redis.call("HSET", key, "completed", "1", "cached_response", ARGV[2])
redis.call("PERSIST", key)
return 1
`)

// releaseScript deletes a pending claim; completed records are permanent.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("HGET", key, "request_hash") ~= ARGV[1] then
    return 0
end
if redis.call("HGET", key, "completed") == "1" then
    return 0
end
redis.call("DEL", key)
return 1
`)

// RedisLedger is a Ledger backed by Redis, for fleets that already run a
// shared Redis and do not want claim traffic on the primary database.
// Pending claims carry a TTL so a crashed holder cannot wedge a key
// forever; completed records are persisted without expiry.
type RedisLedger struct {
	client     redis.UniversalClient
	keyPrefix  string
	pendingTTL time.Duration
}

// NewRedisLedger creates a ledger with the given pending-claim TTL.
func NewRedisLedger(client redis.UniversalClient, pendingTTL time.Duration) *RedisLedger {
	return &RedisLedger{
		client:     client,
		keyPrefix:  "clearhold:replay:",
		pendingTTL: pendingTTL,
	}
}

func (l *RedisLedger) key(tenantID, key string) string {
	return l.keyPrefix + tenantID + ":" + key
}

func (l *RedisLedger) Claim(ctx context.Context, tenantID, key, requestHash string) (*Claim, error) {
	res, err := claimScript.Run(ctx, l.client,
		[]string{l.key(tenantID, key)},
		requestHash, int(l.pendingTTL.Seconds()),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("replay: redis claim failed: %w", err)
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return nil, fmt.Errorf("replay: unexpected redis claim reply %T", res)
	}
	status, _ := arr[0].(string)
	cached, _ := arr[1].(string)

	switch ClaimStatus(status) {
	case StatusNew, StatusInFlight, StatusConflict:
		return &Claim{Status: ClaimStatus(status)}, nil
	case StatusReplay:
		return &Claim{Status: StatusReplay, CachedResponse: []byte(cached)}, nil
	default:
		return nil, fmt.Errorf("replay: unknown claim status %q", status)
	}
}

func (l *RedisLedger) Complete(ctx context.Context, tenantID, key, requestHash string, response []byte) error {
	n, err := completeScript.Run(ctx, l.client,
		[]string{l.key(tenantID, key)},
		requestHash, string(response),
	).Int()
	if err != nil {
		return fmt.Errorf("replay: redis complete failed: %w", err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, tenantID, key, requestHash string) error {
	n, err := releaseScript.Run(ctx, l.client,
		[]string{l.key(tenantID, key)},
		requestHash,
	).Int()
	if err != nil {
		return fmt.Errorf("replay: redis release failed: %w", err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}
