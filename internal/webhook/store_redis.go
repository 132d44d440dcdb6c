package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rhema/internal/types"
)

// DefaultRedisKeyPrefix namespaces record keys.
const DefaultRedisKeyPrefix = "rhema:webhook:event:"

// Records are hashes so the claim script can compare fields without decoding
// JSON: kind, status, attempts, claimed_at and processed_at (unix ms), ack
// (JSON) and last_error.
var claimScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local lease = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local status = redis.call('HGET', key, 'status')
local attempts = 0
if status then
	attempts = tonumber(redis.call('HGET', key, 'attempts'))
	if status == 'succeeded' then
		return {'replay', attempts}
	end
	if status == 'processing' then
		local claimed = tonumber(redis.call('HGET', key, 'claimed_at'))
		if now - claimed < lease then
			return {'in_progress', attempts}
		end
	end
	if attempts >= max then
		return {'exhausted', attempts}
	end
end

attempts = attempts + 1
redis.call('HSET', key, 'kind', ARGV[1], 'status', 'processing', 'attempts', attempts,
	'claimed_at', now, 'processed_at', 0)
redis.call('EXPIRE', key, ttl)
return {'acquired', attempts}
`)

var completeScript = redis.NewScript(`
local key = KEYS[1]
local current = redis.call('HGET', key, 'attempts')
if current and tonumber(current) ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', key, 'attempts', ARGV[1], 'kind', ARGV[2], 'status', ARGV[3], 'ack', ARGV[4],
	'last_error', ARGV[5], 'claimed_at', ARGV[6], 'processed_at', ARGV[7])
redis.call('EXPIRE', key, tonumber(ARGV[8]))
return 1
`)

// RedisStore keeps records in Redis with a per-key TTL, so no sweeping is
// needed.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a store over client. A zero ttl defaults to seven
// days.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: DefaultRedisKeyPrefix, ttl: ttl, now: time.Now}
}

// OpenRedis parses redisURL, connects and pings within timeout.
func OpenRedis(ctx context.Context, redisURL string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(eventID string) string {
	return s.prefix + eventID
}

// Claim implements Store.
func (s *RedisStore) Claim(ctx context.Context, eventID string, kind EventKind, policy ClaimPolicy) (ClaimResult, error) {
	now := s.now()
	res, err := claimScript.Run(ctx, s.client, []string{s.key(eventID)},
		string(kind),
		now.UnixMilli(),
		policy.MaxAttempts,
		policy.Lease.Milliseconds(),
		int64(s.ttl.Seconds()),
	).Slice()
	if err != nil {
		return ClaimResult{}, types.NewAppError(types.ErrCodeInternalDB, "failed to claim webhook event", err)
	}
	if len(res) != 2 {
		return ClaimResult{}, types.NewAppError(types.ErrCodeInternalDB, "unexpected claim script reply", nil)
	}

	outcome, _ := res[0].(string)
	attempts, _ := res[1].(int64)

	if outcome == "acquired" {
		return ClaimResult{
			Outcome: ClaimAcquired,
			Record:  newClaim(eventID, kind, int(attempts), time.UnixMilli(now.UnixMilli())),
		}, nil
	}

	rec, err := s.get(ctx, eventID)
	if err != nil {
		return ClaimResult{}, err
	}

	switch outcome {
	case "replay":
		return ClaimResult{Outcome: ClaimReplay, Record: rec}, nil
	case "exhausted":
		return ClaimResult{Outcome: ClaimExhausted, Record: rec}, nil
	case "in_progress":
		return ClaimResult{Outcome: ClaimInProgress, Record: rec}, nil
	default:
		return ClaimResult{}, types.NewAppError(types.ErrCodeInternalDB, "unknown claim outcome "+outcome, nil)
	}
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, rec Record) error {
	ack, err := json.Marshal(rec.Ack)
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}

	ok, err := completeScript.Run(ctx, s.client, []string{s.key(rec.EventID)},
		rec.Attempts,
		string(rec.Kind),
		string(rec.Status),
		string(ack),
		rec.LastError,
		unixMilli(rec.ClaimedAt),
		unixMilli(rec.ProcessedAt),
		int64(s.ttl.Seconds()),
	).Int()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook outcome", err)
	}
	if ok == 0 {
		return ErrStaleClaim
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) get(ctx context.Context, eventID string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(eventID)).Result()
	if err != nil {
		return Record{}, types.NewAppError(types.ErrCodeInternalDB, "failed to read webhook event", err)
	}
	return recordFromHash(eventID, fields)
}

func recordFromHash(eventID string, fields map[string]string) (Record, error) {
	rec := Record{
		EventID:   eventID,
		Kind:      EventKind(fields["kind"]),
		Status:    Status(fields["status"]),
		LastError: fields["last_error"],
	}
	if v := fields["attempts"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Record{}, fmt.Errorf("decode attempts: %w", err)
		}
		rec.Attempts = n
	}
	rec.ClaimedAt = unixMilliField(fields["claimed_at"])
	rec.ProcessedAt = unixMilliField(fields["processed_at"])
	if v := fields["ack"]; v != "" {
		if err := json.Unmarshal([]byte(v), &rec.Ack); err != nil {
			return Record{}, fmt.Errorf("decode stored ack: %w", err)
		}
	}
	return rec, nil
}

func unixMilliField(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
