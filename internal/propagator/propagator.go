package propagator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	"github.com/pscheid92/quizrelay/internal/domain"
	"github.com/pscheid92/quizrelay/internal/platform/config"
	"github.com/pscheid92/quizrelay/internal/platform/retry"
)

type State int

const (
	StateUninitialized State = iota
	StateConnected
	// StateReconnecting is a sub-state of Connected entered while the broker
	// subscription is being re-established.
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultQueueSize      = 1024
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

var (
	errAlreadyStarted   = errors.New("propagator already started")
	errNoTransport      = errors.New("no transport attached")
	errAttachNil        = errors.New("cannot attach nil transport")
	errReconnectPending = errors.New("broker subscription is reconnecting")
)

type Options struct {
	Channel    string
	InstanceID string
	// PublishPolicy is config.PublishPolicyFailFast (default) or
	// config.PublishPolicyQueue.
	PublishPolicy  string
	QueueSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          clockwork.Clock
}

// Propagator bridges local publishes to the broker channel and broker
// messages to the attached transport.
type Propagator struct {
	broker     domain.Broker
	channel    string
	instanceID string
	policy     string
	queueSize  int
	backoff    retry.Policy
	metrics    *metrics.PropagatorMetrics

	mu        sync.Mutex
	state     State
	transport domain.Deliverer

	// queueMu serializes queued publishes with flushes so events leave in
	// publish order.
	queueMu sync.Mutex
	queue   [][]byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(broker domain.Broker, opts Options, m *metrics.PropagatorMetrics) *Propagator {
	if opts.PublishPolicy == "" {
		opts.PublishPolicy = config.PublishPolicyFailFast
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Propagator{
		broker:     broker,
		channel:    opts.Channel,
		instanceID: opts.InstanceID,
		policy:     opts.PublishPolicy,
		queueSize:  opts.QueueSize,
		backoff: retry.Policy{
			InitialBackoff: opts.InitialBackoff,
			MaxBackoff:     opts.MaxBackoff,
			Clock:          opts.Clock,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				slog.Warn("Broker re-subscribe failed", "attempt", attempt, "backoff", backoff, "error", err)
			},
		},
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AttachTransport injects the local deliverer. It succeeds exactly once.
func (p *Propagator) AttachTransport(d domain.Deliverer) error {
	if d == nil {
		return errAttachNil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport != nil {
		return domain.ErrTransportAlreadyAttached
	}
	p.transport = d
	return nil
}

func (p *Propagator) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Ping reports whether the propagator can currently reach the broker.
func (p *Propagator) Ping(ctx context.Context) error {
	switch state := p.State(); state {
	case StateConnected:
		return p.broker.Ping(ctx)
	case StateReconnecting:
		return fmt.Errorf("%w: %w", domain.ErrBrokerUnavailable, errReconnectPending)
	default:
		return fmt.Errorf("%w: %s", domain.ErrPropagatorNotConnected, state)
	}
}

// Start subscribes to the broker channel and moves to Connected. The
// subscription lives until ctx is cancelled or Close is called.
func (p *Propagator) Start(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.state == StateClosed:
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrPropagatorNotConnected, StateClosed)
	case p.state != StateUninitialized:
		p.mu.Unlock()
		return errAlreadyStarted
	case p.transport == nil:
		p.mu.Unlock()
		return errNoTransport
	}
	p.mu.Unlock()

	context.AfterFunc(ctx, p.cancel)

	sub, err := p.broker.Subscribe(p.ctx, p.channel)
	if err != nil {
		return fmt.Errorf("subscribe to %q: %w", p.channel, err)
	}

	p.mu.Lock()
	if p.state != StateUninitialized {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrPropagatorNotConnected, p.state)
	}
	p.state = StateConnected
	p.mu.Unlock()

	p.metrics.SubscriptionUp.Set(1)
	slog.Info("Propagator connected", "channel", p.channel, "instance_id", p.instanceID, "publish_policy", p.policy)

	p.wg.Add(1)
	go p.run(sub)
	return nil
}

// Publish stamps the event with this instance's ID and sends it to every
// instance, this one included.
func (p *Propagator) Publish(ctx context.Context, event domain.Event) error {
	state := p.State()
	if state != StateConnected && state != StateReconnecting {
		p.metrics.Published.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %s", domain.ErrPropagatorNotConnected, state)
	}

	event.Origin = p.instanceID
	payload, err := event.Encode()
	if err != nil {
		p.metrics.Published.WithLabelValues("rejected").Inc()
		return err
	}

	if p.policy == config.PublishPolicyQueue {
		return p.publishQueued(ctx, payload, state)
	}

	if state == StateReconnecting {
		p.metrics.Published.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %w", domain.ErrBrokerUnavailable, errReconnectPending)
	}
	if err := p.broker.Publish(ctx, p.channel, payload); err != nil {
		p.metrics.Published.WithLabelValues("error").Inc()
		if !errors.Is(err, domain.ErrBrokerUnavailable) {
			return fmt.Errorf("publish: %w", err)
		}
		return err
	}
	p.metrics.Published.WithLabelValues("ok").Inc()
	return nil
}

func (p *Propagator) publishQueued(ctx context.Context, payload []byte, state State) error {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()

	if state == StateConnected {
		p.flushLocked(ctx)
		if len(p.queue) == 0 {
			err := p.broker.Publish(ctx, p.channel, payload)
			if err == nil {
				p.metrics.Published.WithLabelValues("ok").Inc()
				return nil
			}
			if !errors.Is(err, domain.ErrBrokerUnavailable) {
				p.metrics.Published.WithLabelValues("error").Inc()
				return fmt.Errorf("publish: %w", err)
			}
			slog.Warn("Broker publish failed, queueing event", "error", err)
		}
	}

	p.enqueueLocked(payload)
	p.metrics.Published.WithLabelValues("queued").Inc()
	return nil
}

func (p *Propagator) enqueueLocked(payload []byte) {
	if len(p.queue) >= p.queueSize {
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.metrics.QueueDropped.Inc()
		slog.Warn("Publish queue full, dropping oldest event", "queue_size", p.queueSize)
	}
	p.queue = append(p.queue, payload)
	p.metrics.QueueDepth.Set(float64(len(p.queue)))
}

func (p *Propagator) flush() {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	p.flushLocked(p.ctx)
}

// flushLocked publishes queued events in order and stops at the first
// broker outage. Events the broker rejects for other reasons are dropped.
func (p *Propagator) flushLocked(ctx context.Context) {
	sent := 0
	for len(p.queue) > 0 {
		err := p.broker.Publish(ctx, p.channel, p.queue[0])
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			break
		}
		if err != nil {
			p.metrics.Published.WithLabelValues("error").Inc()
			slog.Error("Dropping queued event rejected by broker", "error", err)
		} else {
			sent++
		}
		p.queue[0] = nil
		p.queue = p.queue[1:]
	}
	p.metrics.QueueDepth.Set(float64(len(p.queue)))
	if sent > 0 {
		slog.Info("Flushed queued events", "count", sent, "remaining", len(p.queue))
	}
}

// QueueLen reports events waiting for the broker.
func (p *Propagator) QueueLen() int {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return len(p.queue)
}

// run owns the subscription. When it returns the propagator is Closed,
// whether through Close, cancellation of the Start context or a permanent
// re-subscribe failure.
func (p *Propagator) run(sub <-chan domain.Message) {
	defer p.wg.Done()
	defer p.markClosed()

	for {
		select {
		case msg, ok := <-sub:
			if !ok {
				if sub = p.resubscribe(); sub == nil {
					return
				}
				continue
			}
			p.onBrokerMessage(msg.Payload)
		case <-p.ctx.Done():
			return
		}
	}
}

// resubscribe returns nil once the propagator is shutting down.
func (p *Propagator) resubscribe() <-chan domain.Message {
	if p.ctx.Err() != nil {
		return nil
	}

	p.mu.Lock()
	if p.state != StateConnected {
		p.mu.Unlock()
		return nil
	}
	p.state = StateReconnecting
	p.mu.Unlock()

	p.metrics.SubscriptionUp.Set(0)
	slog.Warn("Broker subscription lost, reconnecting", "channel", p.channel)

	sub, err := retry.Do(p.ctx, p.backoff, classifySubscribeError, func(ctx context.Context) (<-chan domain.Message, error) {
		return p.broker.Subscribe(ctx, p.channel)
	})
	if err != nil {
		var permanent *retry.PermanentError
		if errors.As(err, &permanent) {
			slog.Error("Broker subscription failed permanently", "channel", p.channel, "error", err)
		}
		return nil
	}

	p.mu.Lock()
	if p.state != StateReconnecting {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnected
	p.mu.Unlock()

	p.metrics.Reconnects.Inc()
	p.metrics.SubscriptionUp.Set(1)
	slog.Info("Broker subscription re-established", "channel", p.channel)

	p.flush()
	return sub
}

// classifySubscribeError retries only outages. Anything else means the
// broker cannot serve this channel at all.
func classifySubscribeError(err error) retry.Action {
	if errors.Is(err, domain.ErrBrokerUnavailable) {
		return retry.Retry
	}
	return retry.Stop
}

func (p *Propagator) markClosed() {
	p.mu.Lock()
	changed := p.state != StateClosed
	p.state = StateClosed
	p.mu.Unlock()

	p.metrics.SubscriptionUp.Set(0)
	if changed {
		slog.Info("Propagator closed", "channel", p.channel, "instance_id", p.instanceID)
	}
}

// onBrokerMessage decodes one broker message and delivers it locally.
// Malformed messages are logged, counted and dropped.
func (p *Propagator) onBrokerMessage(raw []byte) {
	p.mu.Lock()
	state, transport := p.state, p.transport
	p.mu.Unlock()

	if state != StateConnected {
		return
	}
	p.metrics.Received.Inc()

	event, err := domain.DecodeEvent(raw)
	if err != nil {
		p.metrics.Malformed.Inc()
		slog.Warn("Dropping malformed broker message", "channel", p.channel, "bytes", len(raw), "error", err)
		return
	}

	start := time.Now()
	delivered := transport.Deliver(event)
	p.metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

	slog.Debug("Delivered propagated event",
		"target", event.Target.String(),
		"event", event.Name,
		"origin", event.Origin,
		"delivered", delivered)
}

// Close moves to Closed, ends the subscription and waits for the receive
// loop to exit. Queued events that were never flushed are discarded.
func (p *Propagator) Close() error {
	p.mu.Lock()
	wasClosed := p.state == StateClosed
	p.state = StateClosed
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.metrics.SubscriptionUp.Set(0)

	p.queueMu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.queueMu.Unlock()
	p.metrics.QueueDepth.Set(0)

	if dropped > 0 {
		slog.Warn("Discarding unsent queued events", "count", dropped)
	}
	if !wasClosed {
		slog.Info("Propagator closed", "channel", p.channel, "instance_id", p.instanceID)
	}
	return nil
}
