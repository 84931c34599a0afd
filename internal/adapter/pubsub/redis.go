package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/quizrelay/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// RedisBroker maps the broker channel onto Redis PUBLISH/SUBSCRIBE. The
// client is owned by the caller and is not closed by Close.
type RedisBroker struct {
	client *goredis.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ domain.Broker = (*RedisBroker)(nil)

func NewRedisBroker(client *goredis.Client) *RedisBroker {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBroker{client: client, ctx: ctx, cancel: cancel}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.ctx.Err() != nil {
		return domain.ErrBrokerUnavailable
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %w", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// Subscribe confirms the subscription before returning. The returned channel
// closes on the first receive error so the caller can re-subscribe with its
// own backoff instead of relying on the client's silent reconnects.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan domain.Message, error) {
	if b.ctx.Err() != nil {
		return nil, domain.ErrBrokerUnavailable
	}

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.ctx, cancel)

	ps := b.client.Subscribe(subCtx, channel)
	if _, err := ps.Receive(subCtx); err != nil {
		stop()
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("%w: redis subscribe: %w", domain.ErrBrokerUnavailable, err)
	}

	out := make(chan domain.Message, subscriberBufferSize)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer func() {
			stop()
			cancel()
			_ = ps.Close()
		}()

		for {
			msg, err := ps.ReceiveMessage(subCtx)
			if err != nil {
				if subCtx.Err() == nil && !errors.Is(err, goredis.ErrClosed) {
					slog.Warn("Redis subscription lost", "channel", channel, "error", err)
				}
				return
			}
			select {
			case out <- domain.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %w", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// Close ends every subscription and waits for the readers to exit.
func (b *RedisBroker) Close() error {
	b.cancel()
	b.wg.Wait()
	slog.Info("Redis broker closed")
	return nil
}
