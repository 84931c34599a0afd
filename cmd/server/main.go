package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/quizrelay/internal/adapter/httpserver"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	"github.com/pscheid92/quizrelay/internal/adapter/postgres"
	"github.com/pscheid92/quizrelay/internal/adapter/pubsub"
	"github.com/pscheid92/quizrelay/internal/adapter/redis"
	"github.com/pscheid92/quizrelay/internal/adapter/websocket"
	"github.com/pscheid92/quizrelay/internal/coordination"
	"github.com/pscheid92/quizrelay/internal/domain"
	"github.com/pscheid92/quizrelay/internal/platform/config"
	"github.com/pscheid92/quizrelay/internal/platform/logging"
	"github.com/pscheid92/quizrelay/internal/platform/retry"
	"github.com/pscheid92/quizrelay/internal/platform/version"
	"github.com/pscheid92/quizrelay/internal/propagator"
	"github.com/pscheid92/quizrelay/internal/registry"
	goredis "github.com/redis/go-redis/v9"
)

const (
	shutdownReason  = "server shutting down"
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type backends struct {
	redis *goredis.Client
	pool  *pgxpool.Pool
}

func (b backends) close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			slog.Error("Failed to close Redis client", "error", err)
		}
	}
}

// setupBackends connects only what the configured broker needs. Redis is
// also used for the instance registry whenever REDIS_URL is set.
func setupBackends(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, dbMetrics *metrics.DatabaseMetrics) (backends, error) {
	var b backends

	if cfg.BrokerBackend == config.BrokerRedis || cfg.RedisURL != "" {
		redisMetrics := metrics.NewRedisMetrics(reg)
		client, err := connectWithRetry(ctx, "redis", startupRetry, func(ctx context.Context) (*goredis.Client, error) {
			return redis.NewClient(ctx, cfg.RedisURL, redisMetrics)
		})
		if err != nil {
			return b, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		b.redis = client
	}

	if cfg.BrokerBackend == config.BrokerPostgres {
		pool, err := connectWithRetry(ctx, "postgres", startupRetry, func(ctx context.Context) (*pgxpool.Pool, error) {
			return postgres.Connect(ctx, cfg.DatabaseURL, dbMetrics)
		})
		if err != nil {
			b.close()
			return backends{}, fmt.Errorf("failed to connect to database: %w", err)
		}
		b.pool = pool
	}

	return b, nil
}

// startupRetry rides out a broker that comes up a few seconds after the
// relay, which is common under compose and Kubernetes.
var startupRetry = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

// connectWithRetry gives each attempt its own connect timeout. A malformed
// URL fails immediately.
func connectWithRetry[T any](ctx context.Context, backend string, policy retry.Policy, connect retry.Operation[T]) (T, error) {
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Backend connect failed, retrying",
			"backend", backend,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
	}
	return retry.Do(ctx, policy, classifyConnectError, func(ctx context.Context) (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return connect(attemptCtx)
	})
}

func classifyConnectError(err error) retry.Action {
	if errors.Is(err, domain.ErrInvalidBackendURL) {
		return retry.Stop
	}
	return retry.Retry
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	_, logCloser := logging.InitLogger(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer func() { _ = logCloser.Close() }()

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"instance_id", instanceID,
		"broker", cfg.BrokerBackend,
		"version", version.Get().Version)

	clock := clockwork.NewRealClock()
	promRegistry := metrics.NewRegistry()
	dbMetrics := metrics.NewDatabaseMetrics(promRegistry)

	b, err := setupBackends(ctx, cfg, promRegistry, dbMetrics)
	if err != nil {
		return err
	}
	defer b.close()

	broker, err := pubsub.NewBroker(cfg, pubsub.Backends{Redis: b.redis, Postgres: b.pool, DBMetrics: dbMetrics})
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("Failed to close broker", "error", err)
		}
	}()

	connRegistry := registry.New(clock, cfg.MaxConnectionsPerUser, metrics.NewRegistryMetrics(promRegistry))
	defer connRegistry.Stop(shutdownReason)

	prop := propagator.New(broker, propagator.Options{
		Channel:        cfg.BrokerChannel,
		InstanceID:     instanceID,
		PublishPolicy:  cfg.PublishPolicy,
		QueueSize:      cfg.PublishQueueSize,
		InitialBackoff: cfg.ReconnectInitialBackoff,
		MaxBackoff:     cfg.ReconnectMaxBackoff,
		Clock:          clock,
	}, metrics.NewPropagatorMetrics(promRegistry))

	limits := websocket.NewConnectionLimits(clock, int64(cfg.MaxWebSocketConnections), cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst)
	wsAdapter, err := websocket.NewAdapter(connRegistry, prop, websocket.Options{
		AppURL:         cfg.AppURL,
		AllowedOrigins: cfg.AllowedOrigins,
		Development:    !cfg.IsProduction(),
		Limits:         limits,
		Clock:          clock,
		ClientIP:       httpserver.IPExtractor(cfg.TrustProxy),
	}, metrics.NewWebSocketMetrics(promRegistry))
	if err != nil {
		return fmt.Errorf("failed to create websocket adapter: %w", err)
	}

	// The subscription outlives the signal context; shutdown closes it
	// explicitly after the HTTP server has drained.
	if err := prop.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start propagator: %w", err)
	}

	deps := httpserver.Deps{
		Registry:    connRegistry,
		Publisher:   prop,
		WebSocket:   wsAdapter,
		Metrics:     promRegistry,
		HTTPMetrics: metrics.NewHTTPMetrics(promRegistry),
		HealthChecks: []httpserver.HealthCheck{
			{Name: "broker", Check: broker.Ping},
			{Name: "propagator", Check: prop.Ping},
		},
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	instancesDone := make(chan struct{})
	if b.redis != nil {
		instances := coordination.NewInstanceRegistry(b.redis, connRegistry, coordination.InstanceOptions{
			InstanceID: instanceID,
			Version:    version.Get().Version,
			Heartbeat:  cfg.HeartbeatInterval,
			Clock:      clock,
		}, metrics.NewCoordinationMetrics(promRegistry))
		deps.Instances = instances
		go func() {
			defer close(instancesDone)
			instances.Start(runCtx)
		}()
	} else {
		close(instancesDone)
	}

	srv := httpserver.NewServer(cfg, deps)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received, cleaning up...")
	case runErr = <-serveErr:
		if runErr != nil {
			slog.Error("Server stopped unexpectedly", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	if err := prop.Close(); err != nil {
		slog.Error("Propagator close error", "error", err)
	}

	connRegistry.Stop(shutdownReason)
	wsAdapter.Wait()

	cancelRun()
	<-instancesDone

	slog.Info("Shutdown complete")
	return runErr
}
