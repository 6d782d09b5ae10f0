// pool.go implements the per-(tenant, broker) session cache.
//
// A brokerage login is expensive and session-bound, so sessions are created
// lazily on first use and reused until idle for longer than the TTL. A
// capacity bound keeps the pool from growing without limit when many tenants
// trade briefly. Construction happens outside the pool lock with a
// double-check on re-insert: when two workers race to build the same session,
// the loser's adapter is logged out and the winner's is shared.
package broker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConfigSource supplies a tenant's stored credentials for one brokerage.
// The store satisfies this.
type ConfigSource interface {
	BrokerConfig(tenantID, brokerName string) (map[string]string, error)
}

// defaultSweepInterval throttles background maintenance.
const defaultSweepInterval = 5 * time.Minute

type sessionKey struct {
	tenantID   string
	brokerName string
}

type session struct {
	adapter    Adapter
	lastAccess time.Time
}

// Pool caches logged-in adapters keyed by (tenant, broker).
type Pool struct {
	ttl    time.Duration
	max    int
	source ConfigSource
	logger *slog.Logger

	// construct builds adapters; tests swap it for a fake.
	construct func(name string, cfg map[string]string) (Adapter, error)
	// sweepInterval throttles maybeSweep; tests shrink it to force eviction.
	sweepInterval time.Duration

	mu        sync.Mutex
	sessions  map[sessionKey]*session
	lastSweep time.Time
}

// NewPool creates a session pool.
func NewPool(ttl time.Duration, max int, source ConfigSource, logger *slog.Logger) *Pool {
	return &Pool{
		ttl:           ttl,
		max:           max,
		source:        source,
		logger:        logger.With("component", "broker-pool"),
		construct:     New,
		sweepInterval: defaultSweepInterval,
		sessions:      make(map[sessionKey]*session),
		lastSweep:     time.Now(),
	}
}

// Acquire returns a logged-in adapter for the tenant's named brokerage,
// constructing and caching one if needed. Failures wrap ErrUnavailable.
func (p *Pool) Acquire(tenantID, brokerName string) (Adapter, error) {
	p.maybeSweep()

	key := sessionKey{tenantID, brokerName}

	p.mu.Lock()
	if sess, ok := p.sessions[key]; ok {
		if sess.adapter.IsLoggedIn() {
			sess.lastAccess = time.Now()
			p.mu.Unlock()
			return sess.adapter, nil
		}
		// Session died; drop it and rebuild below.
		delete(p.sessions, key)
	}
	p.mu.Unlock()

	// Config fetch and login happen outside the lock: both can block on I/O.
	cfg, err := p.source.BrokerConfig(tenantID, brokerName)
	if err != nil {
		return nil, fmt.Errorf("%w: load config for %s/%s: %v", ErrUnavailable, tenantID, brokerName, err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: tenant %s has no %s config", ErrUnavailable, tenantID, brokerName)
	}

	adapter, err := p.construct(brokerName, cfg)
	if err != nil {
		return nil, err
	}
	if err := adapter.Login(); err != nil {
		return nil, fmt.Errorf("%w: login %s: %v", ErrUnavailable, brokerName, err)
	}

	p.mu.Lock()
	if existing, ok := p.sessions[key]; ok && existing.adapter.IsLoggedIn() {
		// A concurrent constructor won the race. Keep the winner, log the
		// loser out after releasing the lock.
		existing.lastAccess = time.Now()
		winner := existing.adapter
		p.mu.Unlock()
		adapter.Logout()
		return winner, nil
	}
	p.sessions[key] = &session{adapter: adapter, lastAccess: time.Now()}
	p.mu.Unlock()

	p.logger.Info("broker session opened", "tenant", tenantID, "broker", brokerName)
	return adapter, nil
}

// Size returns the number of cached sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// maybeSweep runs eviction at most once per sweepInterval.
func (p *Pool) maybeSweep() {
	p.mu.Lock()
	if time.Since(p.lastSweep) < p.sweepInterval {
		p.mu.Unlock()
		return
	}
	p.lastSweep = time.Now()
	p.mu.Unlock()

	p.Sweep()
}

// Sweep evicts idle sessions past the TTL, then enforces the capacity bound
// by evicting the oldest sessions. Evicted adapters are logged out outside
// the pool lock.
func (p *Pool) Sweep() {
	now := time.Now()
	var evicted []Adapter

	p.mu.Lock()
	for key, sess := range p.sessions {
		if now.Sub(sess.lastAccess) > p.ttl {
			evicted = append(evicted, sess.adapter)
			delete(p.sessions, key)
		}
	}

	if len(p.sessions) > p.max {
		type aged struct {
			key  sessionKey
			last time.Time
		}
		byAge := make([]aged, 0, len(p.sessions))
		for key, sess := range p.sessions {
			byAge = append(byAge, aged{key, sess.lastAccess})
		}
		sort.Slice(byAge, func(i, j int) bool { return byAge[i].last.Before(byAge[j].last) })
		for _, a := range byAge[:len(p.sessions)-p.max] {
			evicted = append(evicted, p.sessions[a.key].adapter)
			delete(p.sessions, a.key)
		}
	}
	p.mu.Unlock()

	for _, a := range evicted {
		a.Logout()
	}
	if len(evicted) > 0 {
		p.logger.Info("broker sessions evicted", "count", len(evicted))
	}
}

// Close logs out every cached session. Called on engine shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	adapters := make([]Adapter, 0, len(p.sessions))
	for _, sess := range p.sessions {
		adapters = append(adapters, sess.adapter)
	}
	p.sessions = make(map[sessionKey]*session)
	p.mu.Unlock()

	for _, a := range adapters {
		a.Logout()
	}
	p.logger.Info("broker pool closed", "sessions", len(adapters))
}
