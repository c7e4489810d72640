// Package pool implements the backend server set (primary + replicas, with
// health tracking and a pluggable slave-selection strategy) and the
// per-user/per-server idle connection reuse cache (spec.md §2 "Backend
// pool", §4.8).
package pool

import "sync"

// SelectionStrategy picks one address out of a set of healthy candidates.
// Concrete strategies are stateful (round-robin needs a cursor) so they are
// values owned by one ServerSet, not shared across sets.
type SelectionStrategy interface {
	Select(candidates []string) string
}

// RoundRobin cycles through candidates in order.
type RoundRobin struct {
	mu      sync.Mutex
	cursor  int
}

func (r *RoundRobin) Select(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	addr := candidates[r.cursor%len(candidates)]
	r.cursor++
	return addr
}

// LeastConnections picks the candidate with the fewest sessions currently
// routed through it, as tracked externally via LeastConnections.MarkAcquired/
// MarkReleased. Ties fall back to the first candidate in order (stable,
// cheap, matches the round-robin tie-break the teacher's pool uses).
type LeastConnections struct {
	mu    sync.Mutex
	conns map[string]int
}

// NewLeastConnections returns a LeastConnections strategy with a fresh
// connection-count table.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{conns: make(map[string]int)}
}

func (l *LeastConnections) Select(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	best := candidates[0]
	bestN := l.conns[best]
	for _, c := range candidates[1:] {
		if n := l.conns[c]; n < bestN {
			best, bestN = c, n
		}
	}
	return best
}

func (l *LeastConnections) MarkAcquired(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[addr]++
}

func (l *LeastConnections) MarkReleased(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[addr] > 0 {
		l.conns[addr]--
	}
}

// ServerSet tracks one primary and a set of replicas with health state
// (grounded on the teacher's replica.Pool, generalized to a pluggable
// SelectionStrategy instead of a hardcoded round-robin cursor).
type ServerSet struct {
	mu       sync.RWMutex
	primary  string
	replicas []string
	healthy  map[string]bool
	strategy SelectionStrategy
}

// NewServerSet creates a server set. strategy defaults to RoundRobin when nil.
func NewServerSet(primary string, replicas []string, strategy SelectionStrategy) *ServerSet {
	if strategy == nil {
		strategy = &RoundRobin{}
	}
	s := &ServerSet{
		primary:  primary,
		replicas: replicas,
		healthy:  make(map[string]bool),
		strategy: strategy,
	}
	for _, r := range replicas {
		s.healthy[r] = true
	}
	return s
}

// UpdateReplicas hot-reloads the replica list, preserving health state for
// addresses that persist across the reload.
func (s *ServerSet) UpdateReplicas(primary string, replicas []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary = primary
	healthy := make(map[string]bool, len(replicas))
	for _, r := range replicas {
		if v, ok := s.healthy[r]; ok {
			healthy[r] = v
		} else {
			healthy[r] = true
		}
	}
	s.replicas = replicas
	s.healthy = healthy
}

// Primary returns the primary's address.
func (s *ServerSet) Primary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primary
}

// Replica picks a healthy replica via the configured strategy, falling back
// to the primary if none are healthy.
func (s *ServerSet) Replica() (addr string, isPrimary bool) {
	s.mu.RLock()
	var candidates []string
	for _, r := range s.replicas {
		if s.healthy[r] {
			candidates = append(candidates, r)
		}
	}
	primary := s.primary
	s.mu.RUnlock()

	if len(candidates) == 0 {
		return primary, true
	}
	return s.strategy.Select(candidates), false
}

// All returns the primary followed by every healthy replica, for
// operations that must reach every backend (spec.md §4.7: a PREPARE
// routed to ALL "reaches every backend with its own per-backend id").
// The primary is always included even if marked unhealthy, since a
// session with no master cannot make progress anyway.
func (s *ServerSet) All() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]string, 0, 1+len(s.replicas))
	if s.primary != "" {
		addrs = append(addrs, s.primary)
	}
	for _, r := range s.replicas {
		if s.healthy[r] && r != s.primary {
			addrs = append(addrs, r)
		}
	}
	return addrs
}

func (s *ServerSet) MarkUnhealthy(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.healthy[addr]; ok {
		s.healthy[addr] = false
	}
}

func (s *ServerSet) MarkHealthy(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.healthy[addr]; ok {
		s.healthy[addr] = true
	}
}

func (s *ServerSet) HealthyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.healthy {
		if v {
			n++
		}
	}
	return n
}
