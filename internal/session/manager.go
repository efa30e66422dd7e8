package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/alerts-api/pkg/logger"
	"github.com/jwalitptl/alerts-api/pkg/metrics"
)

// Opener builds a new session for a client.
type Opener func(clientID int64) *Session

type ManagerConfig struct {
	IdleTTL         time.Duration
	CleanupInterval time.Duration
	Logger          *logger.Logger
	Metrics         *metrics.Metrics
}

// Manager shares one session per client between all requests and streams.
// A session is closed once it has been idle for IdleTTL and nobody holds it.
type Manager struct {
	open    Opener
	idle    *cache.Cache
	log     *logger.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	// opening holds a channel per key whose session is being opened.
	opening map[string]chan struct{}
	closed  bool
}

func NewManager(cfg ManagerConfig, open Opener) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	m := &Manager{
		open:     open,
		idle:     cache.New(cfg.IdleTTL, cfg.CleanupInterval),
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*Session),
		opening:  make(map[string]chan struct{}),
	}
	m.idle.OnEvicted(m.evicted)
	return m
}

// Acquire returns the client's session, opening it if needed. The caller
// must call release exactly once when done with it. Opening runs without
// the manager lock, so one slow client does not hold up the others.
func (m *Manager) Acquire(clientID int64) (s *Session, release func(), err error) {
	key := sessionKey(clientID)

	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, nil, ErrManagerClosed
		}
		if s = m.sessions[key]; s != nil {
			break
		}
		wait, busy := m.opening[key]
		if !busy {
			break
		}
		m.mu.Unlock()
		<-wait
		m.mu.Lock()
	}

	if s == nil {
		done := make(chan struct{})
		m.opening[key] = done
		m.mu.Unlock()

		s = m.open(clientID)
		if m.metrics != nil {
			m.metrics.ActiveSessions.Inc()
		}

		m.mu.Lock()
		delete(m.opening, key)
		close(done)
		if m.closed {
			s.closed = true
			m.mu.Unlock()
			m.closeSession(s)
			return nil, nil, ErrManagerClosed
		}
		m.sessions[key] = s
		m.log.Debug("session opened", "client_id", key)
	}
	s.refs++
	m.idle.Set(key, s, cache.DefaultExpiration)
	m.mu.Unlock()

	var once sync.Once
	return s, func() { once.Do(func() { m.release(key, s) }) }, nil
}

// Lookup returns the client's session only if one is open.
func (m *Manager) Lookup(clientID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(clientID)]
	return s, ok
}

// Invalidate marks a query of the client's session stale, if the session exists.
func (m *Manager) Invalidate(clientID int64, queryKey string) bool {
	s, ok := m.Lookup(clientID)
	if !ok {
		return false
	}
	s.Queries.Invalidate(queryKey)
	return true
}

// Len is the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes every session regardless of references.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		delete(m.sessions, key)
		s.closed = true
		open = append(open, s)
	}
	// Flush does not call the eviction hook.
	m.idle.Flush()
	m.mu.Unlock()

	for _, s := range open {
		m.closeSession(s)
	}
}

func (m *Manager) release(key string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if !s.closed && m.sessions[key] == s {
		// restart the idle timer
		m.idle.Set(key, s, cache.DefaultExpiration)
	}
}

// evicted runs once the idle timer of key fired. Held sessions get a new
// timer; idle ones are removed and closed.
func (m *Manager) evicted(key string, v interface{}) {
	m.mu.Lock()
	s := m.sessions[key]
	if s == nil || s != v.(*Session) || m.closed {
		m.mu.Unlock()
		return
	}
	if _, rearmed := m.idle.Get(key); rearmed {
		// acquired or released after the janitor picked the entry
		m.mu.Unlock()
		return
	}
	if s.refs > 0 {
		m.idle.Set(key, s, cache.DefaultExpiration)
		m.mu.Unlock()
		return
	}
	delete(m.sessions, key)
	s.closed = true
	m.mu.Unlock()

	m.closeSession(s)
}

func (m *Manager) closeSession(s *Session) {
	s.Close()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
	}
}

func sessionKey(clientID int64) string {
	return strconv.FormatInt(clientID, 10)
}
