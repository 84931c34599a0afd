package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	"github.com/pscheid92/quizrelay/internal/domain"
	"github.com/pscheid92/quizrelay/internal/platform/correlation"
)

const (
	queryToken      = "token"
	queryScope      = "scope"
	queryScopeAlias = "quiz"
)

// IdentityResolver turns a raw handshake token into an identity. It runs on
// the request goroutine before the upgrade and may block.
type IdentityResolver func(ctx context.Context, token, scope string) (domain.Identity, error)

// TokenAsUserID is the default resolver: the token is the user ID.
func TokenAsUserID(_ context.Context, token, scope string) (domain.Identity, error) {
	return domain.Identity{UserID: token, Scope: scope}, nil
}

// LocalRegistry is the connection registry as the adapter sees it.
type LocalRegistry interface {
	domain.Deliverer
	Add(userID string, conn domain.Connection) error
	Remove(userID string, conn domain.Connection)
}

// TransportAttacher receives the local deliverer exactly once at startup.
type TransportAttacher interface {
	AttachTransport(d domain.Deliverer) error
}

type Options struct {
	AppURL         string
	AllowedOrigins []string
	Development    bool
	Resolver       IdentityResolver
	Limits         *ConnectionLimits
	Clock          clockwork.Clock
	// ClientIP resolves the address counted against per-IP limits.
	// Defaults to the TCP peer; forwarding headers are ignored unless the
	// caller installs a proxy-aware extractor.
	ClientIP func(*http.Request) string
}

// Adapter owns the WebSocket endpoint. It validates handshakes, registers
// admitted clients with the registry and removes them when their read loop
// ends.
type Adapter struct {
	registry LocalRegistry
	resolver IdentityResolver
	limits   *ConnectionLimits
	clock    clockwork.Clock
	clientIP func(*http.Request) string
	metrics  *metrics.WebSocketMetrics
	upgrader websocket.Upgrader

	mu           sync.RWMutex
	onConnect    []func(domain.Connection)
	onDisconnect []func(domain.Connection)

	wg sync.WaitGroup
}

var _ http.Handler = (*Adapter)(nil)

// NewAdapter wires the registry into the propagator as the local transport
// and returns the endpoint handler. It fails if the propagator already has a
// transport.
func NewAdapter(registry LocalRegistry, propagator TransportAttacher, opts Options, m *metrics.WebSocketMetrics) (*Adapter, error) {
	if err := propagator.AttachTransport(registry); err != nil {
		return nil, fmt.Errorf("attach transport: %w", err)
	}

	if opts.Resolver == nil {
		opts.Resolver = TokenAsUserID
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ClientIP == nil {
		opts.ClientIP = remoteIP
	}

	return &Adapter{
		registry: registry,
		resolver: opts.Resolver,
		limits:   opts.Limits,
		clock:    opts.Clock,
		clientIP: opts.ClientIP,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(opts.AppURL, opts.AllowedOrigins, opts.Development),
		},
	}, nil
}

// OnConnect registers fn to run after every admission, once the connection
// is in the registry.
func (a *Adapter) OnConnect(fn func(domain.Connection)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onConnect = append(a.onConnect, fn)
}

// OnDisconnect registers fn to run after a connection has left the registry.
func (a *Adapter) OnDisconnect(fn func(domain.Connection)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDisconnect = append(a.onDisconnect, fn)
}

// Wait blocks until every read loop has finished.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := a.clientIP(r)

	identity, err := a.handshake(r)
	if err != nil {
		a.reject(w, r, http.StatusUnauthorized, "handshake", err)
		return
	}

	if a.limits != nil {
		ok, reason := a.limits.Acquire(ip)
		a.observeLimits()
		if !ok {
			a.reject(w, r, http.StatusTooManyRequests, string(reason), fmt.Errorf("connection limit: %s", reason))
			return
		}
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		slog.Warn("WebSocket upgrade failed", "remote_ip", ip, "error", err)
		a.metrics.ConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		a.release(ip)
		return
	}

	client := newClient(conn, identity, ip, a.clock, a.metrics)
	if err := a.registry.Add(identity.UserID, client); err != nil {
		slog.Warn("Connection not admitted", "user_id", identity.UserID, "error", err)
		a.metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		client.Close(admissionCloseReason(err))
		client.wait()
		a.release(ip)
		return
	}

	a.metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	a.metrics.ActiveConnections.Inc()
	slog.Debug("Client connected", "user_id", identity.UserID, "scope", identity.Scope, "connection_id", client.ID())

	for _, fn := range a.callbacks(&a.onConnect) {
		fn(client)
	}

	a.wg.Add(1)
	go a.readLoop(client)
}

// handshake extracts and resolves the identity. Missing tokens and the
// "undefined" sentinel are rejected without consulting the resolver.
func (a *Adapter) handshake(r *http.Request) (domain.Identity, error) {
	q := r.URL.Query()
	token := strings.TrimSpace(q.Get(queryToken))
	if domain.IsUnsetToken(token) {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrHandshakeRejected)
	}

	scope := strings.TrimSpace(q.Get(queryScope))
	if scope == "" {
		scope = strings.TrimSpace(q.Get(queryScopeAlias))
	}

	identity, err := a.resolver(r.Context(), token, scope)
	if err != nil {
		if errors.Is(err, domain.ErrHandshakeRejected) {
			return domain.Identity{}, err
		}
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrHandshakeRejected, err)
	}
	if domain.IsUnsetToken(identity.UserID) {
		return domain.Identity{}, fmt.Errorf("%w: resolver returned no user", domain.ErrHandshakeRejected)
	}
	return identity, nil
}

func (a *Adapter) readLoop(client *Client) {
	defer a.wg.Done()
	ctx := correlation.WithConnection(context.Background(), client.ID())

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "WebSocket read ended", "error", err)
			}
			break
		}
		client.recordActivity()
	}

	a.registry.Remove(client.identity.UserID, client)
	client.Close("")
	client.wait()
	a.release(client.remoteIP)

	a.metrics.ActiveConnections.Dec()
	a.metrics.ConnectionDuration.Observe(a.clock.Since(client.connectedAt).Seconds())
	slog.DebugContext(ctx, "Client disconnected", "user_id", client.identity.UserID)

	for _, fn := range a.callbacks(&a.onDisconnect) {
		fn(client)
	}
}

func (a *Adapter) callbacks(list *[]func(domain.Connection)) []func(domain.Connection) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]func(domain.Connection){}, (*list)...)
}

func (a *Adapter) release(ip string) {
	if a.limits != nil {
		a.limits.Release(ip)
		a.observeLimits()
	}
}

func (a *Adapter) observeLimits() {
	a.metrics.LimiterUniqueIPs.Set(float64(a.limits.UniqueIPs()))
	a.metrics.LimiterCapacity.Set(a.limits.CapacityPct())
}

func (a *Adapter) reject(w http.ResponseWriter, r *http.Request, status int, reason string, err error) {
	slog.Warn("WebSocket handshake rejected", "remote_addr", r.RemoteAddr, "reason", reason, "error", err)
	a.metrics.HandshakeRejected.WithLabelValues(reason).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func admissionCloseReason(err error) string {
	if errors.Is(err, domain.ErrTooManyConnections) {
		return "too many connections"
	}
	return "server unavailable"
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
