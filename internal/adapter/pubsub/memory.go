package pubsub

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/pscheid92/quizrelay/internal/domain"
)

const subscriberBufferSize = 256

type memorySubscriber struct {
	mu     sync.Mutex
	ch     chan domain.Message
	closed bool
}

// send never blocks; a full subscriber loses the message.
func (s *memorySubscriber) send(msg domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *memorySubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// MemoryBroker delivers messages between subscribers of the same process.
// Several propagators sharing one MemoryBroker behave like separate server
// instances on a shared channel.
type MemoryBroker struct {
	mu          sync.RWMutex
	subscribers map[string][]*memorySubscriber
	down        bool
	closed      bool
}

var _ domain.Broker = (*MemoryBroker)(nil)

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subscribers: make(map[string][]*memorySubscriber)}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed || b.down {
		b.mu.RUnlock()
		return domain.ErrBrokerUnavailable
	}
	subs := slices.Clone(b.subscribers[channel])
	b.mu.RUnlock()

	msg := domain.Message{Channel: channel, Payload: slices.Clone(payload)}
	for _, sub := range subs {
		if !sub.send(msg) {
			slog.Warn("Memory broker subscriber full, dropping message", "channel", channel)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan domain.Message, error) {
	sub := &memorySubscriber{ch: make(chan domain.Message, subscriberBufferSize)}

	b.mu.Lock()
	if b.closed || b.down {
		b.mu.Unlock()
		return nil, domain.ErrBrokerUnavailable
	}
	b.subscribers[channel] = append(b.subscribers[channel], sub)
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.unsubscribe(channel, sub)
	})

	return sub.ch, nil
}

func (b *MemoryBroker) unsubscribe(channel string, sub *memorySubscriber) {
	b.mu.Lock()
	b.subscribers[channel] = slices.DeleteFunc(b.subscribers[channel], func(s *memorySubscriber) bool {
		return s == sub
	})
	if len(b.subscribers[channel]) == 0 {
		delete(b.subscribers, channel)
	}
	b.mu.Unlock()

	sub.close()
}

func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed || b.down {
		return domain.ErrBrokerUnavailable
	}
	return nil
}

// Disconnect simulates a lost broker connection: every subscription channel
// is closed and further calls fail with ErrBrokerUnavailable until Reconnect.
func (b *MemoryBroker) Disconnect() {
	b.mu.Lock()
	b.down = true
	subs := b.drain()
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *MemoryBroker) Reconnect() {
	b.mu.Lock()
	b.down = false
	b.mu.Unlock()
}

// SubscriberCount reports the live subscriptions on channel.
func (b *MemoryBroker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.drain()
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}

// drain must be called with mu held.
func (b *MemoryBroker) drain() []*memorySubscriber {
	var all []*memorySubscriber
	for _, subs := range b.subscribers {
		all = append(all, subs...)
	}
	b.subscribers = make(map[string][]*memorySubscriber)
	return all
}
