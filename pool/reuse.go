package pool

import "sync"

// ReuseMode is the fidelity of reuse a pooled connection can offer a new
// session (spec.md §4.8 "three reuse modes of decreasing fidelity").
type ReuseMode int

const (
	ReuseNone ReuseMode = iota
	ReuseChangeUser
	ReuseResetConnection
	ReuseDirect
)

// ConnAttrs describes a pooled backend connection's current identity, used
// to decide how much re-initialization a new session would need.
type ConnAttrs struct {
	User             string
	Host             string
	DefaultDB        string
	Capabilities     uint32
	ProxyProtocolSrc string // empty when proxy-protocol is not in use
}

// Requirements describes what a new session needs from a reused backend.
type Requirements struct {
	User                  string
	Host                  string
	DefaultDB             string
	RequiredCapabilities  uint32
	ProxyProtocolEnabled  bool
	ClientRemote          string
}

// CanReuse implements the spec.md §4.8 table: DIRECT requires an exact
// match of user@host, default DB, capabilities, and (if proxy-protocol is
// enabled) the client's remote address; RESET_CONNECTION only requires
// compatible capabilities and the same proxy-protocol constraint;
// CHANGE_USER requires only compatible capabilities; otherwise NONE.
func CanReuse(conn ConnAttrs, want Requirements) ReuseMode {
	capsOK := conn.Capabilities&want.RequiredCapabilities == want.RequiredCapabilities
	if !capsOK {
		return ReuseNone
	}

	proxyOK := true
	if want.ProxyProtocolEnabled {
		proxyOK = conn.ProxyProtocolSrc == want.ClientRemote
	}
	if !proxyOK {
		return ReuseChangeUser
	}

	if conn.User == want.User && conn.Host == want.Host && conn.DefaultDB == want.DefaultDB {
		return ReuseDirect
	}
	return ReuseResetConnection
}

// idleConn is one pooled, idle backend connection. Handle is an opaque
// reference to the concrete backend connection object (backendconn.Conn);
// kept generic here so pool has no dependency on the wire-protocol layer.
type idleConn struct {
	attrs  ConnAttrs
	handle interface{}
}

// key groups the idle cache by server address + user, matching the
// teacher's per-server pool granularity (replica.Pool is keyed by server
// address; this adds the per-user dimension spec.md §4.8 requires).
type key struct {
	server string
	user   string
}

// IdleCache is the pooled-connection cache. A listener keeps one and shares
// it among all the connections it serves; every method holds mu, so it is
// safe for concurrent use.
type IdleCache struct {
	mu    sync.Mutex
	conns map[key][]idleConn
}

// NewIdleCache returns an empty pool.
func NewIdleCache() *IdleCache {
	return &IdleCache{conns: make(map[key][]idleConn)}
}

// Put hands a clean, idle connection back to the pool.
func (c *IdleCache) Put(server, user string, attrs ConnAttrs, handle interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{server: server, user: user}
	c.conns[k] = append(c.conns[k], idleConn{attrs: attrs, handle: handle})
}

// Take removes and returns the best-matching idle connection for server,
// preferring DIRECT reuse, then RESET_CONNECTION, then CHANGE_USER.
// Returns ok=false if the pool has nothing usable.
func (c *IdleCache) Take(server string, want Requirements) (handle interface{}, mode ReuseMode, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bestMode := ReuseNone
	bestKey := key{}
	bestIdx := -1

	for k, list := range c.conns {
		if k.server != server {
			continue
		}
		for i, ic := range list {
			m := CanReuse(ic.attrs, want)
			if m > bestMode {
				bestMode, bestKey, bestIdx = m, k, i
			}
		}
	}
	if bestIdx < 0 {
		return nil, ReuseNone, false
	}
	list := c.conns[bestKey]
	handle = list[bestIdx].handle
	c.conns[bestKey] = append(list[:bestIdx], list[bestIdx+1:]...)
	return handle, bestMode, true
}

// Len reports the number of pooled connections across all servers/users.
func (c *IdleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, list := range c.conns {
		n += len(list)
	}
	return n
}
