package registry

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	"github.com/pscheid92/quizrelay/internal/domain"
)

const (
	commandChannelSize = 256
	commandTimeout     = 5 * time.Second
	stopTimeout        = 10 * time.Second
	depthWarnThreshold = 200

	closeReasonDeliveryFailed = "delivery failed"
	closeReasonPanic          = "registry panic"
)

type userConnections map[string]domain.Connection

type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type addCmd struct {
	baseRegistryCmd
	userID string
	conn   domain.Connection
	errCh  chan error
}

type removeCmd struct {
	baseRegistryCmd
	userID  string
	connID  string
	replyCh chan bool
}

type connectionsCmd struct {
	baseRegistryCmd
	userID  string
	replyCh chan []domain.Connection
}

type usersCmd struct {
	baseRegistryCmd
	replyCh chan []string
}

type countCmd struct {
	baseRegistryCmd
	replyCh chan int
}

type deliverCmd struct {
	baseRegistryCmd
	event   domain.Event
	replyCh chan int
}

type stopCmd struct {
	baseRegistryCmd
	reason string
}

// Registry maps user IDs to the set of live connections on this instance.
type Registry struct {
	cmdCh       chan registryCmd
	clock       clockwork.Clock
	users       map[string]userConnections
	total       int
	maxPerUser  int
	metrics     *metrics.RegistryMetrics
	done        chan struct{}
	stopTimeout time.Duration
}

var _ domain.Deliverer = (*Registry)(nil)

// New starts the registry actor. maxPerUser caps the connections a single
// user may hold on this instance; zero or less disables the cap.
func New(clock clockwork.Clock, maxPerUser int, m *metrics.RegistryMetrics) *Registry {
	r := &Registry{
		cmdCh:       make(chan registryCmd, commandChannelSize),
		clock:       clock,
		users:       make(map[string]userConnections),
		maxPerUser:  maxPerUser,
		metrics:     m,
		done:        make(chan struct{}),
		stopTimeout: stopTimeout,
	}
	go r.run()
	return r
}

// Add registers conn under userID. Adding a connection that is already
// registered is a no-op.
func (r *Registry) Add(userID string, conn domain.Connection) error {
	errCh := make(chan error, 1)
	if !r.send(addCmd{userID: userID, conn: conn, errCh: errCh}) {
		return domain.ErrRegistryStopped
	}
	return awaitReply(r, errCh, domain.ErrRegistryStopped, func() error {
		return fmt.Errorf("add command timed out after %v", commandTimeout)
	})
}

// Remove drops conn from userID's set and waits until the actor applied it.
// Unknown users or connections are ignored.
func (r *Registry) Remove(userID string, conn domain.Connection) {
	replyCh := make(chan bool, 1)
	if !r.send(removeCmd{userID: userID, connID: conn.ID(), replyCh: replyCh}) {
		return
	}
	awaitReply(r, replyCh, false, func() bool {
		slog.Warn("Remove command timed out", "timeout", commandTimeout, "user_id", userID)
		return false
	})
}

// Connections returns a snapshot of userID's live connections. The result is
// never nil.
func (r *Registry) Connections(userID string) []domain.Connection {
	replyCh := make(chan []domain.Connection, 1)
	if !r.send(connectionsCmd{userID: userID, replyCh: replyCh}) {
		return []domain.Connection{}
	}
	return awaitReply(r, replyCh, []domain.Connection{}, func() []domain.Connection {
		slog.Warn("Connections query timed out", "timeout", commandTimeout)
		return []domain.Connection{}
	})
}

// Users returns the sorted IDs of every user with at least one connection.
func (r *Registry) Users() []string {
	replyCh := make(chan []string, 1)
	if !r.send(usersCmd{replyCh: replyCh}) {
		return []string{}
	}
	return awaitReply(r, replyCh, []string{}, func() []string {
		slog.Warn("Users query timed out", "timeout", commandTimeout)
		return []string{}
	})
}

// Count returns the number of connections held. Returns -1 if the query times out.
func (r *Registry) Count() int {
	replyCh := make(chan int, 1)
	if !r.send(countCmd{replyCh: replyCh}) {
		return 0
	}
	return awaitReply(r, replyCh, 0, func() int {
		slog.Warn("Count query timed out", "timeout", commandTimeout)
		return -1
	})
}

// Deliver sends the event's frame to every matching local connection and
// returns how many accepted it. Connections whose send fails are closed and
// removed; the failure is never reported to the caller.
func (r *Registry) Deliver(event domain.Event) int {
	replyCh := make(chan int, 1)
	if !r.send(deliverCmd{event: event, replyCh: replyCh}) {
		return 0
	}
	return awaitReply(r, replyCh, 0, func() int {
		slog.Warn("Deliver command timed out", "timeout", commandTimeout, "target", event.Target.String())
		return 0
	})
}

// Stop closes every connection with reason and shuts the actor down.
// Blocks until the actor has exited or the stop timeout is reached.
func (r *Registry) Stop(reason string) {
	if !r.send(stopCmd{reason: reason}) {
		return
	}

	timeout := r.clock.NewTimer(r.stopTimeout)
	defer timeout.Stop()

	select {
	case <-r.done:
		slog.Info("Registry stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Registry stop timeout exceeded", "timeout", r.stopTimeout)
		r.metrics.StopTimeouts.Inc()
	}
}

func (r *Registry) send(cmd registryCmd) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.cmdCh <- cmd:
		return true
	case <-r.done:
		return false
	}
}

func awaitReply[T any](r *Registry, replyCh chan T, stopped T, onTimeout func() T) T {
	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case v := <-replyCh:
		return v
	case <-r.done:
		// The actor may have answered right before exiting.
		select {
		case v := <-replyCh:
			return v
		default:
			return stopped
		}
	case <-timer.Chan():
		return onTimeout()
	}
}

func (r *Registry) run() {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Registry panic recovered", "panic", rec)
			r.metrics.Panics.Inc()
			r.closeAll(closeReasonPanic)
		}
	}()

	depthTicker := r.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(r.cmdCh)
			r.metrics.CommandChannelDepth.Set(float64(depth))
			if depth > depthWarnThreshold {
				slog.Warn("Registry command channel near capacity", "depth", depth, "capacity", cap(r.cmdCh))
			}

		case cmd := <-r.cmdCh:
			switch c := cmd.(type) {
			case addCmd:
				c.errCh <- r.handleAdd(c)
			case removeCmd:
				c.replyCh <- r.handleRemove(c.userID, c.connID)
			case connectionsCmd:
				c.replyCh <- r.snapshot(c.userID)
			case usersCmd:
				c.replyCh <- r.userIDs()
			case countCmd:
				c.replyCh <- r.total
			case deliverCmd:
				c.replyCh <- r.handleDeliver(c.event)
			case stopCmd:
				r.handleStop(c.reason)
				return
			default:
				slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (r *Registry) handleAdd(c addCmd) error {
	conns, exists := r.users[c.userID]
	if exists {
		if _, dup := conns[c.conn.ID()]; dup {
			return nil
		}
	}

	if r.maxPerUser > 0 && len(conns) >= r.maxPerUser {
		slog.Warn("Rejecting connection: max connections per user reached",
			"user_id", c.userID,
			"connection_id", c.conn.ID(),
			"max_connections", r.maxPerUser,
		)
		r.metrics.AdmissionsRejected.Inc()
		return fmt.Errorf("%w: limit %d", domain.ErrTooManyConnections, r.maxPerUser)
	}

	if !exists {
		conns = make(userConnections)
		r.users[c.userID] = conns
	}
	conns[c.conn.ID()] = c.conn
	r.total++
	r.updateGauges()

	slog.Debug("Connection registered", "user_id", c.userID, "connection_id", c.conn.ID(), "user_connections", len(conns))
	return nil
}

func (r *Registry) handleRemove(userID, connID string) bool {
	conns, exists := r.users[userID]
	if !exists {
		return false
	}
	if _, exists := conns[connID]; !exists {
		return false
	}

	delete(conns, connID)
	r.total--
	if len(conns) == 0 {
		delete(r.users, userID)
		slog.Debug("Last connection of user removed", "user_id", userID)
	} else {
		slog.Debug("Connection removed", "user_id", userID, "connection_id", connID, "remaining", len(conns))
	}
	r.updateGauges()
	return true
}

func (r *Registry) snapshot(userID string) []domain.Connection {
	conns := r.users[userID]
	out := make([]domain.Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	slices.SortFunc(out, func(a, b domain.Connection) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		default:
			return 0
		}
	})
	return out
}

func (r *Registry) userIDs() []string {
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) handleDeliver(event domain.Event) int {
	frame, err := event.Frame()
	if err != nil {
		slog.Error("Failed to render frame", "target", event.Target.String(), "error", err)
		return 0
	}

	var targets []string
	if event.Target.IsAll() {
		targets = r.userIDs()
	} else {
		targets = event.Target.Users()
	}

	delivered := 0
	for _, userID := range targets {
		for _, conn := range r.snapshot(userID) {
			if !event.Matches(conn.Identity()) {
				continue
			}
			if err := conn.Send(frame); err != nil {
				r.evict(userID, conn, err)
				continue
			}
			delivered++
		}
	}

	r.metrics.Deliveries.Add(float64(delivered))
	return delivered
}

// evict removes conn before closing it so no later command can observe a
// closed handle.
func (r *Registry) evict(userID string, conn domain.Connection, cause error) {
	r.handleRemove(userID, conn.ID())
	r.metrics.DeliveryFailures.Inc()
	slog.Warn("Evicting connection after failed send",
		"user_id", userID,
		"connection_id", conn.ID(),
		"error", fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, cause),
	)
	conn.Close(closeReasonDeliveryFailed)
}

func (r *Registry) handleStop(reason string) {
	users, total := len(r.users), r.total
	slog.Info("Registry shutting down", "users", users, "connections", total)
	r.closeAll(reason)
	slog.Info("Registry shutdown complete", "disconnected", total)
}

func (r *Registry) closeAll(reason string) {
	for userID, conns := range r.users {
		for _, conn := range conns {
			conn.Close(reason)
		}
		delete(r.users, userID)
	}
	r.total = 0
	r.updateGauges()
}

func (r *Registry) updateGauges() {
	r.metrics.Users.Set(float64(len(r.users)))
	r.metrics.Connections.Set(float64(r.total))
}
