package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	rateLimiterIdleTTL     = 10 * time.Minute
	rateLimiterSweepPeriod = 5 * time.Minute
)

// LimitReason describes why a connection attempt was turned away.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits guards the upgrade endpoint with a global cap, a per-IP
// cap and a per-IP token bucket for new connections.
type ConnectionLimits struct {
	clock clockwork.Clock

	// current is read without mu by Current.
	current atomic.Int64
	max     int64

	mu       sync.Mutex
	perIP    map[string]int
	maxPerIP int

	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	sweepAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionLimits(clock clockwork.Clock, globalMax int64, perIPMax int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		clock:    clock,
		max:      globalMax,
		perIP:    make(map[string]int),
		maxPerIP: perIPMax,
		buckets:  make(map[string]*bucket),
		rate:     rate.Limit(connectionsPerSecond),
		burst:    burst,
		sweepAt:  clock.Now().Add(rateLimiterSweepPeriod),
	}
}

// Acquire reserves a slot for ip. On success the caller must Release it
// once the connection ends.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.allowRate(ip) {
		return false, LimitReasonRate
	}

	if l.current.Load() >= l.max {
		return false, LimitReasonGlobal
	}
	if l.perIP[ip] >= l.maxPerIP {
		return false, LimitReasonPerIP
	}

	l.perIP[ip]++
	l.current.Add(1)
	return true, ""
}

func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.perIP[ip]; count > 0 {
		if count == 1 {
			delete(l.perIP, ip)
		} else {
			l.perIP[ip] = count - 1
		}
		l.current.Add(-1)
	}
}

// Current returns the number of held slots.
func (l *ConnectionLimits) Current() int64 {
	return l.current.Load()
}

// UniqueIPs returns the number of addresses holding at least one slot.
func (l *ConnectionLimits) UniqueIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}

// CapacityPct returns global utilization as a percentage.
func (l *ConnectionLimits) CapacityPct() float64 {
	if l.max == 0 {
		return 0
	}
	return float64(l.Current()) / float64(l.max) * 100
}

// allowRate must be called with mu held.
func (l *ConnectionLimits) allowRate(ip string) bool {
	now := l.clock.Now()
	if now.After(l.sweepAt) {
		cutoff := now.Add(-rateLimiterIdleTTL)
		for key, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.sweepAt = now.Add(rateLimiterSweepPeriod)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
