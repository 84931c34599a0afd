package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned by RenewLease when this instance no longer holds the lease.
var ErrNotLeader = errors.New("not leader")

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// LeaderElection implements single-leader election using Redis SETNX.
// The leader holds a key with a TTL; when it expires any instance may take over.
type LeaderElection struct {
	redis      *redis.Client
	instanceID string
	ttl        time.Duration
	key        string
}

func NewLeaderElection(rdb *redis.Client, instanceID string, key string, ttl time.Duration) *LeaderElection {
	return &LeaderElection{
		redis:      rdb,
		instanceID: instanceID,
		ttl:        ttl,
		key:        key,
	}
}

// TryBecomeLeader reports whether this call acquired the lease.
func (l *LeaderElection) TryBecomeLeader(ctx context.Context) (bool, error) {
	return l.redis.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
}

// RenewLease extends the TTL if this instance still holds the lease.
func (l *LeaderElection) RenewLease(ctx context.Context) error {
	result, err := renewScript.Run(ctx, l.redis, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrNotLeader
	}
	return nil
}

func (l *LeaderElection) IsLeader(ctx context.Context) (bool, error) {
	current, err := l.redis.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == l.instanceID, nil
}

// ReleaseLease gives up leadership if this instance holds it.
func (l *LeaderElection) ReleaseLease(ctx context.Context) error {
	return releaseScript.Run(ctx, l.redis, []string{l.key}, l.instanceID).Err()
}
