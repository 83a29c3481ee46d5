package resources

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "jobs:gpu:reservations"

// reserveScript books ARGV[2] GPUs for job ARGV[1] when the hash at
// KEYS[1] leaves room under capacity ARGV[3]. Returns 1 when the job
// holds a reservation afterwards.
var reserveScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
  return 1
end
local used = 0
for _, v in ipairs(redis.call("HVALS", KEYS[1])) do
  used = used + tonumber(v)
end
if used + tonumber(ARGV[2]) > tonumber(ARGV[3]) then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// RedisPool shares one capacity across scheduler replicas. Reservations
// live in a single hash of job id to GPU count.
type RedisPool struct {
	rdb      redis.Cmdable
	key      string
	capacity int
}

func NewRedisPool(rdb redis.Cmdable, capacity int) *RedisPool {
	return &RedisPool{rdb: rdb, key: defaultRedisKey, capacity: capacity}
}

func (p *RedisPool) Reserve(ctx context.Context, jobID string, n int) error {
	if n <= 0 || p.capacity <= 0 {
		return nil
	}
	if err := checkRequest(p.capacity, n); err != nil {
		return err
	}
	ok, err := reserveScript.Run(ctx, p.rdb, []string{p.key}, jobID, n, p.capacity).Int()
	if err != nil {
		return fmt.Errorf("reserving gpus for job %s: %w", jobID, err)
	}
	if ok != 1 {
		return fmt.Errorf("%w: %d requested", ErrExhausted, n)
	}
	return nil
}

func (p *RedisPool) Release(ctx context.Context, jobID string) error {
	if err := p.rdb.HDel(ctx, p.key, jobID).Err(); err != nil {
		return fmt.Errorf("releasing gpus of job %s: %w", jobID, err)
	}
	return nil
}
