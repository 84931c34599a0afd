package httpserver

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	"github.com/pscheid92/quizrelay/internal/coordination"
	"github.com/pscheid92/quizrelay/internal/domain"
	"github.com/pscheid92/quizrelay/internal/platform/config"
)

// --- Mock implementations ---

type stubConn struct {
	id     string
	userID string
}

func (c stubConn) ID() string                { return c.id }
func (c stubConn) Identity() domain.Identity { return domain.Identity{UserID: c.userID} }
func (c stubConn) Send([]byte) error         { return nil }
func (c stubConn) Close(string)              {}

type mockRegistry struct {
	conns map[string][]domain.Connection
}

func (m *mockRegistry) Connections(userID string) []domain.Connection {
	return append([]domain.Connection{}, m.conns[userID]...)
}

func (m *mockRegistry) Users() []string {
	users := make([]string, 0, len(m.conns))
	for u := range m.conns {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}

func (m *mockRegistry) Count() int {
	n := 0
	for _, c := range m.conns {
		n += len(c)
	}
	return n
}

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockPublisher) published() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events...)
}

type mockInstances struct {
	infos []coordination.InstanceInfo
	err   error
}

func (m *mockInstances) ActiveInstances(context.Context) ([]coordination.InstanceInfo, error) {
	return m.infos, m.err
}

var errRedisDown = errors.New("connection refused")

// --- Server construction ---

type serverOption func(*Deps, *config.Config)

const testAPIKey = "test-internal-api-key"

func withHealthChecks(checks ...HealthCheck) serverOption {
	return func(d *Deps, _ *config.Config) { d.HealthChecks = checks }
}

func withRegistry(r *mockRegistry) serverOption {
	return func(d *Deps, _ *config.Config) { d.Registry = r }
}

func withPublisher(p *mockPublisher) serverOption {
	return func(d *Deps, _ *config.Config) { d.Publisher = p }
}

func withInstances(i InstanceLister) serverOption {
	return func(d *Deps, _ *config.Config) { d.Instances = i }
}

func withAPIRate(rate float64, burst int) serverOption {
	return func(_ *Deps, cfg *config.Config) {
		cfg.APIRate = rate
		cfg.APIBurst = burst
	}
}

func newTestServer(t *testing.T, opts ...serverOption) *Server {
	t.Helper()

	cfg := &config.Config{AppEnv: "test", Port: "0", APIRate: 1000, APIBurst: 1000, InternalAPIKey: testAPIKey}
	reg := metrics.NewRegistry()
	deps := Deps{
		Registry:    &mockRegistry{conns: map[string][]domain.Connection{}},
		Publisher:   &mockPublisher{},
		Metrics:     reg,
		HTTPMetrics: metrics.NewHTTPMetrics(reg),
	}
	for _, opt := range opts {
		opt(&deps, cfg)
	}
	return NewServer(cfg, deps)
}
