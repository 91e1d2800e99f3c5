package lease

import (
	"context"
	"fmt"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/redis/go-redis/v9"
)

// redisHeartbeatScript extends an operation lease atomically.
// KEYS[1] = lease key (e.g. "rbe:lease:operations/123")
// ARGV[1] = owner (worker id)
// ARGV[2] = execution stage name
// ARGV[3] = ttl in milliseconds
// Returns 1 if the lease is held by the owner afterwards, 0 if someone else
// holds it.
var redisHeartbeatScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "owner")
if owner and owner ~= ARGV[1] then
    return 0
end

redis.call("HSET", KEYS[1], "owner", ARGV[1], "stage", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// RedisHeartbeater keeps leases as Redis hashes with a TTL. A missing key
// is claimed; a key owned by another worker means the lease is lost.
type RedisHeartbeater struct {
	client    redis.UniversalClient
	owner     string
	keyPrefix string
	ttl       time.Duration
}

// NewRedisClient creates a Redis client for lease keys.
func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisHeartbeater creates a heartbeater that holds leases for owner.
func NewRedisHeartbeater(client redis.UniversalClient, owner, keyPrefix string, ttl time.Duration) *RedisHeartbeater {
	return &RedisHeartbeater{
		client:    client,
		owner:     owner,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// Heartbeat claims or extends the lease for name.
func (h *RedisHeartbeater) Heartbeat(ctx context.Context, name string, stage remoteexecution.ExecutionStage_Value) error {
	key := h.keyPrefix + name

	held, err := redisHeartbeatScript.Run(ctx, h.client, []string{key}, h.owner, stage.String(), h.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis heartbeat %s: %w", name, err)
	}
	if held != 1 {
		return fmt.Errorf("operation %s: %w", name, ErrLeaseLost)
	}
	return nil
}

// Owner returns the current holder of the lease for name, or "" if none.
func (h *RedisHeartbeater) Owner(ctx context.Context, name string) (string, error) {
	owner, err := h.client.HGet(ctx, h.keyPrefix+name, "owner").Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get owner %s: %w", name, err)
	}
	return owner, nil
}

// Verify RedisHeartbeater implements Heartbeater.
var _ Heartbeater = (*RedisHeartbeater)(nil)
