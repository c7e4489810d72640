// Package backendconn implements the backend-side protocol state machine
// (spec.md §4.4), the reply builder that tracks OK/ERR/EOF/resultset
// framing and DEPRECATE_EOF substitution (spec.md §4.5), and the delayed
// queue of client packets that arrive while a backend is still
// initializing.
package backendconn

// State is a node in the backend-side protocol state machine (spec.md
// §4.4). The MariaDB and Postgres variants share this type; Postgres
// skips SEND_HISTORY/READ_HISTORY when no history exists yet.
type State int

const (
	StateHandshaking State = iota
	StateAuthenticating
	StateConnectionInit
	StateSendHistory
	StateReadHistory
	StateSendDelayQ
	StateRouting
	StatePinging
	StatePreparePS
	StateResetConnection
	StateResetConnectionFast
	StateSendChangeUser
	StateReadChangeUser
	StatePooled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateConnectionInit:
		return "CONNECTION_INIT"
	case StateSendHistory:
		return "SEND_HISTORY"
	case StateReadHistory:
		return "READ_HISTORY"
	case StateSendDelayQ:
		return "SEND_DELAYQ"
	case StateRouting:
		return "ROUTING"
	case StatePinging:
		return "PINGING"
	case StatePreparePS:
		return "PREPARE_PS"
	case StateResetConnection:
		return "RESET_CONNECTION"
	case StateResetConnectionFast:
		return "RESET_CONNECTION_FAST"
	case StateSendChangeUser:
		return "SEND_CHANGE_USER"
	case StateReadChangeUser:
		return "READ_CHANGE_USER"
	case StatePooled:
		return "POOLED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Conn tracks one backend connection's lifecycle state plus the delayed
// queue of client packets received while it was not yet ROUTING.
type Conn struct {
	Server string
	state  State
	delayQ [][]byte

	// HistoryFastPath is set when no CONNECTION_INIT queries are
	// configured and the reuse mode is RESET_CONNECTION, allowing
	// RESET_CONNECTION_FAST to transition straight to READ_HISTORY
	// (spec.md §4.6 "Fast path").
	HistoryFastPath bool

	idleTicks int
}

// NewConn starts a backend connection in HANDSHAKING.
func NewConn(server string) *Conn {
	return &Conn{Server: server, state: StateHandshaking}
}

func (c *Conn) State() State { return c.state }

// Enqueue buffers a client packet that arrived before ROUTING was
// reached (spec.md §4.4 "Delayed queue").
func (c *Conn) Enqueue(packet []byte) {
	c.delayQ = append(c.delayQ, packet)
}

// DrainDelayQ returns and clears the buffered packets, to be replayed in
// order once the backend reaches ROUTING.
func (c *Conn) DrainDelayQ() [][]byte {
	q := c.delayQ
	c.delayQ = nil
	return q
}

// Advance drives the handshake/init portion of the state machine forward
// on success; callers call Fail on any protocol/auth error instead.
func (c *Conn) Advance() {
	switch c.state {
	case StateHandshaking:
		c.state = StateAuthenticating
	case StateAuthenticating:
		c.state = StateConnectionInit
	case StateConnectionInit:
		if c.HistoryFastPath {
			c.state = StateResetConnectionFast
		} else {
			c.state = StateSendHistory
		}
	case StateSendHistory:
		c.state = StateReadHistory
	case StateResetConnectionFast:
		c.state = StateReadHistory
	case StateReadHistory:
		c.state = StateSendDelayQ
	case StateSendDelayQ:
		c.state = StateRouting
	case StatePinging:
		c.state = StateRouting
	case StatePreparePS:
		c.state = StateRouting
	case StateResetConnection:
		c.state = StateConnectionInit
	case StateSendChangeUser:
		c.state = StateReadChangeUser
	case StateReadChangeUser:
		c.state = StateConnectionInit
	}
}

// BeginReuse transitions a pooled connection into the reuse mode the pool
// selected (spec.md §4.8), ahead of re-running CONNECTION_INIT and
// history replay.
func (c *Conn) BeginReuse(mode ReuseTransition) {
	switch mode {
	case ReuseTransitionDirect:
		c.state = StateConnectionInit
	case ReuseTransitionReset:
		c.state = StateResetConnection
	case ReuseTransitionChangeUser:
		c.state = StateSendChangeUser
	}
}

// ReuseTransition mirrors pool.ReuseMode but only the three modes that
// require a backend-side transition (ReuseNone never reaches this far).
type ReuseTransition int

const (
	ReuseTransitionDirect ReuseTransition = iota
	ReuseTransitionReset
	ReuseTransitionChangeUser
)

// Fail moves the connection to FAILED; callers must close the socket.
func (c *Conn) Fail() { c.state = StateFailed }

// Pool marks a clean ROUTING/idle connection as returned to the pool
// (spec.md §4.8).
func (c *Conn) Pool() {
	if c.state == StateRouting {
		c.state = StatePooled
	}
}

// Unpool brings a pooled connection back out for reuse.
func (c *Conn) Unpool() {
	if c.state == StatePooled {
		c.state = StateRouting
	}
}

// PingThreshold is the number of idle ROUTING ticks before a COM_PING is
// issued (spec.md §4.4 "Pinging").
const PingThreshold = 30

// Tick advances the idle counter while ROUTING and reports whether a
// ping should now be sent.
func (c *Conn) Tick() (shouldPing bool) {
	if c.state != StateRouting {
		c.idleTicks = 0
		return false
	}
	c.idleTicks++
	if c.idleTicks >= PingThreshold {
		c.idleTicks = 0
		c.state = StatePinging
		return true
	}
	return false
}

// ResetActivity clears the idle counter on any routed traffic.
func (c *Conn) ResetActivity() { c.idleTicks = 0 }
