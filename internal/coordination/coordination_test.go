package coordination

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	testRedisURL string
	redContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redContainer, err = rediscontainer.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()
	if err := redContainer.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
	}
	os.Exit(code)
}

// setupTestRedis creates a Redis client on a flushed database.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}

	opts, err := redis.ParseURL(testRedisURL)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	require.NoError(t, client.FlushAll(context.Background()).Err())

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

type fixedCounter struct{ n atomic.Int64 }

func (c *fixedCounter) Count() int { return int(c.n.Load()) }

func newTestRegistry(rdb *redis.Client, id string, clock clockwork.Clock, counter ConnectionCounter) *InstanceRegistry {
	return NewInstanceRegistry(rdb, counter, InstanceOptions{
		InstanceID: id,
		Version:    "v1.0.0",
		Heartbeat:  time.Second,
		Clock:      clock,
	}, nil)
}

func TestInstanceRegistry_RegisterAndList(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(t)
	clock := clockwork.NewFakeClock()

	counter := &fixedCounter{}
	counter.n.Store(7)
	m := metrics.NewCoordinationMetrics(prometheus.NewRegistry())
	registry := NewInstanceRegistry(rdb, counter, InstanceOptions{InstanceID: "instance-1", Version: "v1.0.0", Heartbeat: time.Second, Clock: clock}, m)

	require.NoError(t, registry.register(ctx))

	infos, err := registry.ActiveInstances(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "instance-1", infos[0].InstanceID)
	assert.Equal(t, "v1.0.0", infos[0].Version)
	assert.Equal(t, 7, infos[0].Connections)
	assert.Equal(t, clock.Now().Unix(), infos[0].Timestamp)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Instances), 0)
}

func TestInstanceRegistry_StaleHeartbeatIsHidden(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(t)
	clock := clockwork.NewFakeClock()

	registry := newTestRegistry(rdb, "instance-1", clock, nil)
	require.NoError(t, registry.register(ctx))

	clock.Advance(defaultStaleAfter + time.Second)

	infos, err := registry.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestInstanceRegistry_MultipleInstancesSorted(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(t)
	clock := clockwork.NewFakeClock()

	for _, id := range []string{"instance-3", "instance-1", "instance-2"} {
		require.NoError(t, newTestRegistry(rdb, id, clock, nil).register(ctx))
	}

	infos, err := newTestRegistry(rdb, "observer", clock, nil).ActiveInstances(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "instance-1", infos[0].InstanceID)
	assert.Equal(t, "instance-2", infos[1].InstanceID)
	assert.Equal(t, "instance-3", infos[2].InstanceID)
}

func TestInstanceRegistry_Unregister(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(t)

	registry := newTestRegistry(rdb, "instance-1", clockwork.NewFakeClock(), nil)
	require.NoError(t, registry.register(ctx))

	registry.unregister()

	infos, err := registry.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestInstanceRegistry_LeaderPrunesStaleEntries(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(t)
	clock := clockwork.NewFakeClock()

	stale, err := json.Marshal(InstanceInfo{InstanceID: "crashed", Timestamp: clock.Now().Add(-2 * defaultStaleAfter).Unix()})
	require.NoError(t, err)
	require.NoError(t, rdb.HSet(ctx, instancesKey, "crashed", stale, "garbage", "{not json").Err())

	leader := newTestRegistry(rdb, "instance-1", clock, nil)
	follower := newTestRegistry(rdb, "instance-2", clock, nil)

	leader.tick(ctx)
	follower.tick(ctx)

	isLeader, err := leader.leader.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, isLeader)

	fields, err := rdb.HKeys(ctx, instancesKey).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"instance-1", "instance-2"}, fields)
}

func TestInstanceRegistry_StartHeartbeatsAndUnregisters(t *testing.T) {
	rdb := setupTestRedis(t)
	clock := clockwork.NewFakeClock()
	counter := &fixedCounter{}
	registry := newTestRegistry(rdb, "instance-1", clock, counter)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		registry.Start(ctx)
	}()

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer blockCancel()
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))

	infos, err := registry.ActiveInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 0, infos[0].Connections)

	counter.n.Store(3)
	clock.Advance(time.Second)

	assert.Eventually(t, func() bool {
		infos, err := registry.ActiveInstances(context.Background())
		return err == nil && len(infos) == 1 && infos[0].Connections == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()

	infos, err = registry.ActiveInstances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestLeaderElection_TryBecomeLeader(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(t)

	leader := NewLeaderElection(rdb, "instance-1", "leader:test1", 10*time.Second)

	success, err := leader.TryBecomeLeader(ctx)
	require.NoError(t, err)
	assert.True(t, success)

	isLeader, err := leader.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, isLeader)
}

func TestLeaderElection_OnlyOneLeader(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(t)

	const n = 10
	results := make([]bool, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			le := NewLeaderElection(rdb, fmt.Sprintf("instance-%d", i), "leader:concurrent", 10*time.Second)
			results[i], _ = le.TryBecomeLeader(ctx)
		}()
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestLeaderElection_RenewLease(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(t)

	leader := NewLeaderElection(rdb, "instance-1", "leader:test3", 2*time.Second)
	_, err := leader.TryBecomeLeader(ctx)
	require.NoError(t, err)

	require.NoError(t, leader.RenewLease(ctx))

	ttl, err := rdb.PTTL(ctx, "leader:test3").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Second)
}

func TestLeaderElection_RenewLeaseFailsWhenNotLeader(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(t)

	leader1 := NewLeaderElection(rdb, "instance-1", "leader:test4", 10*time.Second)
	leader2 := NewLeaderElection(rdb, "instance-2", "leader:test4", 10*time.Second)

	_, err := leader1.TryBecomeLeader(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, leader2.RenewLease(ctx), ErrNotLeader)
}

func TestLeaderElection_ReleaseLease(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(t)

	leader := NewLeaderElection(rdb, "instance-1", "leader:test5", 10*time.Second)
	_, err := leader.TryBecomeLeader(ctx)
	require.NoError(t, err)

	other := NewLeaderElection(rdb, "instance-2", "leader:test5", 10*time.Second)
	require.NoError(t, other.ReleaseLease(ctx))
	isLeader, err := leader.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, isLeader, "release by a non-leader is a no-op")

	require.NoError(t, leader.ReleaseLease(ctx))
	isLeader, err = leader.IsLeader(ctx)
	require.NoError(t, err)
	assert.False(t, isLeader)

	success, err := other.TryBecomeLeader(ctx)
	require.NoError(t, err)
	assert.True(t, success)
}

func TestLeaderElection_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(t)

	leader1 := NewLeaderElection(rdb, "instance-1", "leader:test6", 500*time.Millisecond)
	leader2 := NewLeaderElection(rdb, "instance-2", "leader:test6", 500*time.Millisecond)

	success, err := leader1.TryBecomeLeader(ctx)
	require.NoError(t, err)
	assert.True(t, success)

	assert.Eventually(t, func() bool {
		ok, err := leader2.TryBecomeLeader(ctx)
		return err == nil && ok
	}, 3*time.Second, 50*time.Millisecond)
}
