package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	instancesKey      = "quizrelay:instances"
	pruneLeaderKey    = "quizrelay:leader:instance_pruner"
	defaultStaleAfter = 60 * time.Second
)

// ConnectionCounter reports the live connections held by this instance.
type ConnectionCounter interface {
	Count() int
}

type InstanceOptions struct {
	InstanceID string
	Version    string
	Heartbeat  time.Duration
	// StaleAfter is how old a heartbeat may be before the instance is
	// considered gone. Defaults to 60s.
	StaleAfter time.Duration
	Clock      clockwork.Clock
}

// InstanceRegistry tracks the running relay instances in a Redis hash.
// Each instance writes a heartbeat periodically. The instance holding the
// pruner lease also deletes entries whose heartbeat went stale.
type InstanceRegistry struct {
	redis      *redis.Client
	counter    ConnectionCounter
	instanceID string
	version    string
	heartbeat  time.Duration
	staleAfter time.Duration
	clock      clockwork.Clock
	leader     *LeaderElection
	metrics    *metrics.CoordinationMetrics
}

// InstanceInfo holds metadata about an instance.
type InstanceInfo struct {
	InstanceID  string `json:"instance_id"`
	Timestamp   int64  `json:"timestamp"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
}

// NewInstanceRegistry creates a new instance registry. m may be nil.
func NewInstanceRegistry(rdb *redis.Client, counter ConnectionCounter, opts InstanceOptions, m *metrics.CoordinationMetrics) *InstanceRegistry {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &InstanceRegistry{
		redis:      rdb,
		counter:    counter,
		instanceID: opts.InstanceID,
		version:    opts.Version,
		heartbeat:  opts.Heartbeat,
		staleAfter: opts.StaleAfter,
		clock:      opts.Clock,
		leader:     NewLeaderElection(rdb, opts.InstanceID, pruneLeaderKey, opts.StaleAfter),
		metrics:    m,
	}
}

// Start registers immediately, then heartbeats on every tick.
// Blocks until ctx is cancelled, then unregisters and returns.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.tick(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.tick(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) tick(ctx context.Context) {
	if err := r.register(ctx); err != nil {
		if r.metrics != nil {
			r.metrics.HeartbeatFailures.Inc()
		}
		slog.Warn("Instance heartbeat failed", "instance_id", r.instanceID, "error", err)
		return
	}

	if err := r.pruneIfLeader(ctx); err != nil {
		slog.Warn("Pruning stale instances failed", "error", err)
	}
}

func (r *InstanceRegistry) register(ctx context.Context) error {
	info := InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
	}
	if r.counter != nil {
		info.Connections = r.counter.Count()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	return r.redis.HSet(ctx, instancesKey, r.instanceID, data).Err()
}

// unregister removes this instance and gives up the pruner lease.
func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.redis.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		slog.Warn("Failed to unregister instance", "instance_id", r.instanceID, "error", err)
	}
	if err := r.leader.ReleaseLease(ctx); err != nil {
		slog.Warn("Failed to release pruner lease", "error", err)
	}
}

func (r *InstanceRegistry) pruneIfLeader(ctx context.Context) error {
	isLeader, err := r.leader.TryBecomeLeader(ctx)
	if err != nil {
		return err
	}
	if !isLeader {
		if err := r.leader.RenewLease(ctx); err != nil {
			if errors.Is(err, ErrNotLeader) {
				return nil
			}
			return err
		}
	}

	pruned, err := r.pruneStale(ctx)
	if err != nil {
		return err
	}
	if len(pruned) > 0 {
		slog.Info("Pruned stale instances", "instances", strings.Join(pruned, ","))
	}
	return nil
}

func (r *InstanceRegistry) pruneStale(ctx context.Context) ([]string, error) {
	entries, err := r.redis.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	var stale []string
	for id, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil || !r.isActive(info) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	slices.Sort(stale)
	return stale, r.redis.HDel(ctx, instancesKey, stale...).Err()
}

func (r *InstanceRegistry) isActive(info InstanceInfo) bool {
	age := r.clock.Now().Unix() - info.Timestamp
	return age < int64(r.staleAfter.Seconds())
}

// ActiveInstances returns every instance with a fresh heartbeat, sorted by ID.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.redis.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	infos := []InstanceInfo{}
	for _, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if r.isActive(info) {
			infos = append(infos, info)
		}
	}
	slices.SortFunc(infos, func(a, b InstanceInfo) int { return strings.Compare(a.InstanceID, b.InstanceID) })

	if r.metrics != nil {
		r.metrics.Instances.Set(float64(len(infos)))
	}
	return infos, nil
}
