package pubsub

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	"github.com/pscheid92/quizrelay/internal/domain"
	"github.com/pscheid92/quizrelay/internal/platform/config"
	goredis "github.com/redis/go-redis/v9"
)

// Backends holds the connections a broker backend may need. Only the one
// matching the configured backend has to be set.
type Backends struct {
	Redis     *goredis.Client
	Postgres  *pgxpool.Pool
	DBMetrics *metrics.DatabaseMetrics
}

// NewBroker picks the broker implementation for cfg.BrokerBackend.
func NewBroker(cfg *config.Config, b Backends) (domain.Broker, error) {
	switch cfg.BrokerBackend {
	case config.BrokerMemory, "":
		slog.Info("Using in-memory broker (single instance mode)")
		return NewMemoryBroker(), nil

	case config.BrokerRedis:
		if b.Redis == nil {
			return nil, errors.New("redis client is required for the redis broker backend")
		}
		slog.Info("Using Redis broker", "channel", cfg.BrokerChannel)
		return NewRedisBroker(b.Redis), nil

	case config.BrokerPostgres:
		if b.Postgres == nil {
			return nil, errors.New("database pool is required for the postgres broker backend")
		}
		slog.Info("Using PostgreSQL LISTEN/NOTIFY broker", "channel", cfg.BrokerChannel)
		return NewPostgresBroker(b.Postgres, b.DBMetrics), nil

	default:
		return nil, fmt.Errorf("unknown broker backend: %s (valid options: memory, redis, postgres)", cfg.BrokerBackend)
	}
}
