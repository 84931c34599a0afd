package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestMetricsHook_CountsOutcomes(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := NewMetricsHook(m)
	ctx := context.Background()

	_ = hook.ProcessHook(succeeding)(ctx, publishCmd(ctx))
	_ = hook.ProcessHook(failing)(ctx, publishCmd(ctx))
	_ = hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })(ctx, goredis.NewStringCmd(ctx, "get", "k"))
	_ = hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return errors.New("boom") })(ctx, nil)

	assert.InDelta(t, 1, testutil.ToFloat64(m.OpsTotal.WithLabelValues("publish", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OpsTotal.WithLabelValues("publish", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OpsTotal.WithLabelValues("get", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OpsTotal.WithLabelValues("pipeline", "error")), 0)
}
