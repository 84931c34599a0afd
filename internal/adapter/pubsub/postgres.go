package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	"github.com/pscheid92/quizrelay/internal/domain"
	"github.com/sony/gobreaker"
)

// MaxNotifyPayload is the NOTIFY payload limit of a default PostgreSQL build.
const MaxNotifyPayload = 7999

const (
	notifyBreakerFailures = 5
	notifyBreakerTimeout  = 10 * time.Second
)

// PostgresBroker maps the broker channel onto LISTEN/NOTIFY. Each
// subscription holds one pooled connection for its lifetime. The pool is
// owned by the caller.
type PostgresBroker struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ domain.Broker = (*PostgresBroker)(nil)

// NewPostgresBroker creates the broker. m may be nil.
func NewPostgresBroker(pool *pgxpool.Pool, m *metrics.DatabaseMetrics) *PostgresBroker {
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresBroker{
		pool:    pool,
		breaker: newNotifyBreaker(m, notifyBreakerTimeout),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func newNotifyBreaker(m *metrics.DatabaseMetrics, timeout time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres-notify",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= notifyBreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			if m != nil {
				m.CircuitState.Set(float64(to))
			}
		},
	})
}

func (b *PostgresBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.ctx.Err() != nil {
		return domain.ErrBrokerUnavailable
	}
	if len(payload) > MaxNotifyPayload {
		return fmt.Errorf("%w: %d bytes (max %d)", domain.ErrPayloadTooLarge, len(payload), MaxNotifyPayload)
	}

	_, err := b.breaker.Execute(func() (interface{}, error) {
		_, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload))
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("%w: notify: %w", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// Subscribe acquires a dedicated connection and issues LISTEN on it. The
// returned channel closes when the connection fails.
func (b *PostgresBroker) Subscribe(ctx context.Context, channel string) (<-chan domain.Message, error) {
	if b.ctx.Err() != nil {
		return nil, domain.ErrBrokerUnavailable
	}

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.ctx, cancel)

	conn, err := b.pool.Acquire(subCtx)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("%w: acquire listen connection: %w", domain.ErrBrokerUnavailable, err)
	}

	if _, err := conn.Exec(subCtx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		stop()
		cancel()
		conn.Release()
		return nil, fmt.Errorf("%w: listen: %w", domain.ErrBrokerUnavailable, err)
	}

	out := make(chan domain.Message, subscriberBufferSize)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer func() {
			stop()
			cancel()
			// The LISTEN state must not leak back into the pool.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					slog.Warn("Postgres subscription lost", "channel", channel, "error", err)
				}
				return
			}
			if n.Channel != channel {
				continue
			}
			select {
			case out <- domain.Message{Channel: n.Channel, Payload: []byte(n.Payload)}:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (b *PostgresBroker) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: postgres ping: %w", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *PostgresBroker) Close() error {
	b.cancel()
	b.wg.Wait()
	slog.Info("Postgres broker closed")
	return nil
}
