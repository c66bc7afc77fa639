package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ingest-scheduler/internal/models"
)

// RedisStore keeps lock rows as Redis hashes and performs the conditional
// writes in Lua so each one is atomic on the server. Times are passed in from
// the caller rather than read from the Redis clock.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a store; expired rows are kept for retention past their
// expiry before Redis evicts them on its own.
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "job_lock:"
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) key(jobName string) string {
	return s.prefix + jobName
}

func (s *RedisStore) GetLock(ctx context.Context, jobName string) (models.JobLock, error) {
	vals, err := s.client.HMGet(ctx, s.key(jobName), "token", "locked_until", "updated_at").Result()
	if err != nil {
		return models.JobLock{}, err
	}
	token, _ := vals[0].(string)
	if token == "" {
		return models.JobLock{}, models.ErrNotFound
	}
	until, err := parseMillis(vals[1])
	if err != nil {
		return models.JobLock{}, fmt.Errorf("decode locked_until: %w", err)
	}
	updated, _ := parseMillis(vals[2])
	return models.JobLock{JobName: jobName, LockToken: token, LockedUntil: until, UpdatedAt: updated}, nil
}

func (s *RedisStore) InsertLock(ctx context.Context, l models.JobLock) error {
	res, err := insertScript.Run(ctx, s.client, []string{s.key(l.JobName)},
		l.LockToken, l.LockedUntil.UnixMilli(), l.UpdatedAt.UnixMilli(), s.ttlMillis(l)).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return models.ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) SwapLock(ctx context.Context, expectedToken string, next models.JobLock) (bool, error) {
	res, err := swapScript.Run(ctx, s.client, []string{s.key(next.JobName)},
		expectedToken, next.LockToken, next.LockedUntil.UnixMilli(), next.UpdatedAt.UnixMilli(), s.ttlMillis(next)).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) ExtendLock(ctx context.Context, jobName, token string, until, now time.Time) (bool, error) {
	ttl := until.Sub(now) + s.retention
	res, err := swapScript.Run(ctx, s.client, []string{s.key(jobName)},
		token, token, until.UnixMilli(), now.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) DeleteLock(ctx context.Context, jobName, token string) (bool, error) {
	res, err := deleteScript.Run(ctx, s.client, []string{s.key(jobName)}, token).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return total, err
		}
		for _, k := range keys {
			n, err := deleteExpiredScript.Run(ctx, s.client, []string{k}, now.UnixMilli()).Int64()
			if err != nil {
				return total, err
			}
			total += n
		}
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

func (s *RedisStore) ttlMillis(l models.JobLock) int64 {
	ttl := l.LockedUntil.Sub(l.UpdatedAt) + s.retention
	if ttl <= 0 {
		ttl = s.retention
	}
	return ttl.Milliseconds()
}

func parseMillis(v any) (time.Time, error) {
	str, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected value %T", v)
	}
	ms, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

var insertScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 1 then return 0 end
redis.call('HMSET', key, 'token', ARGV[1], 'locked_until', ARGV[2], 'updated_at', ARGV[3])
redis.call('PEXPIRE', key, ARGV[4])
return 1
`)

var swapScript = redis.NewScript(`
local key = KEYS[1]
local current = redis.call('HGET', key, 'token')
if current ~= ARGV[1] then return 0 end
redis.call('HMSET', key, 'token', ARGV[2], 'locked_until', ARGV[3], 'updated_at', ARGV[4])
redis.call('PEXPIRE', key, ARGV[5])
return 1
`)

var deleteScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'token') ~= ARGV[1] then return 0 end
redis.call('DEL', key)
return 1
`)

var deleteExpiredScript = redis.NewScript(`
local key = KEYS[1]
local until_ms = tonumber(redis.call('HGET', key, 'locked_until'))
if until_ms ~= nil and until_ms < tonumber(ARGV[1]) then
  redis.call('DEL', key)
  return 1
end
return 0
`)
