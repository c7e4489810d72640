// Package causal implements the causal-read coordinator: a small
// per-session state machine that injects a GTID-wait prefix statement
// ahead of a read routed to a replica, then unwraps the prefix's response
// from the wire so the client sees only the original statement's reply
// (spec.md §4.9).
package causal

import "fmt"

// Mode selects where the "last seen GTID" comes from.
type Mode int

const (
	ModeDisabled Mode = iota
	ModeLocal
	ModeGlobal
	ModeFastGlobal
	ModeUniversal
)

// State is the per-session causal-read state machine.
type State int

const (
	StateNone State = iota
	StateReadingGTID
	StateGTIDReadDone
	StateWaitingForHeader
	StateUpdatingPackets
	StateRetryingOnMaster
)

// Coordinator tracks one session's causal-read state.
type Coordinator struct {
	Mode      Mode
	state     State
	lastGTID  string
	universalProbed bool
	timeoutSeconds int
}

// NewCoordinator returns a coordinator in the given mode with the
// configured MASTER_GTID_WAIT timeout.
func NewCoordinator(mode Mode, timeoutSeconds int) *Coordinator {
	return &Coordinator{Mode: mode, timeoutSeconds: timeoutSeconds}
}

// State returns the coordinator's current state (test/diagnostic use).
func (c *Coordinator) State() State { return c.state }

// ObserveWriteGTID records the server-reported last_gtid after a write
// routed to master (spec.md §4.9 LOCAL mode: "After every write, the
// session records the server-reported last_gtid").
func (c *Coordinator) ObserveWriteGTID(gtid string) {
	if gtid != "" {
		c.lastGTID = gtid
	}
}

// NeedsProbe reports whether UNIVERSAL mode still needs its one-time
// `SELECT @@gtid_current_pos` probe against master before the session's
// first replica-routed read.
func (c *Coordinator) NeedsProbe() bool {
	return c.Mode == ModeUniversal && !c.universalProbed
}

// ObserveProbeResult records the UNIVERSAL mode's one-time probe result,
// after which behavior follows LOCAL (spec.md §4.9).
func (c *Coordinator) ObserveProbeResult(gtid string) {
	c.universalProbed = true
	c.lastGTID = gtid
}

// ShouldInjectPrefix reports whether a read about to be routed to a
// replica needs a GTID-wait prefix, and the GTID to wait for.
func (c *Coordinator) ShouldInjectPrefix(serviceGTID string) (gtid string, inject bool) {
	switch c.Mode {
	case ModeDisabled:
		return "", false
	case ModeLocal, ModeUniversal:
		if c.lastGTID == "" {
			return "", false
		}
		return c.lastGTID, true
	case ModeGlobal, ModeFastGlobal:
		if serviceGTID == "" {
			return "", false
		}
		return serviceGTID, true
	default:
		return "", false
	}
}

// BuildPrefix returns the SQL prefix injected ahead of the original
// statement, and whether a master-retry fallback should be appended
// (FAST_GLOBAL sends only the wait, with no fallback, per spec.md §4.9).
func (c *Coordinator) BuildPrefix(gtid string) (prefix string, hasFallback bool) {
	wait := fmt.Sprintf("MASTER_GTID_WAIT('%s', %d)", gtid, c.timeoutSeconds)
	if c.Mode == ModeFastGlobal {
		return fmt.Sprintf("SET @maxscale_secret_variable=(SELECT %s)", wait), false
	}
	return fmt.Sprintf(
		"SET @maxscale_secret_variable=(SELECT CASE WHEN %s = 0 THEN 1 ELSE (SELECT 1 FROM INFORMATION_SCHEMA.ENGINES) END)",
		wait,
	), true
}

// BeginWait transitions the state machine into the wait sequence (spec.md
// §4.9: READING_GTID / GTID_READ_DONE / WAITING_FOR_HEADER).
func (c *Coordinator) BeginWait() {
	c.state = StateWaitingForHeader
}

// PrefixResult is the outcome of the injected prefix statement.
type PrefixResult int

const (
	PrefixOK PrefixResult = iota
	PrefixTimeout
)

// Outcome describes what the caller must now do with the wire stream and
// the original statement.
type Outcome struct {
	// StripPrefixResponse: the prefix's OK/ERR must be removed from the
	// packet stream and subsequent sequence numbers decremented by one.
	StripPrefixResponse bool
	// RetryOnMaster: resend the original statement against master with a
	// routing hint.
	RetryOnMaster bool
	// SyntheticError: a read-only transaction hit a causal-read timeout and
	// must receive a synthetic ERR instead of a retry (spec.md §4.9).
	SyntheticError bool
}

// ResolvePrefix advances the state machine once the prefix statement's
// result is known (spec.md §4.9: "On prefix timeout (ERR), the original
// statement is retried against master ... unless the session is in a
// read-only transaction, in which case a synthetic ERR is returned").
func (c *Coordinator) ResolvePrefix(result PrefixResult, inReadOnlyTxn bool) Outcome {
	switch result {
	case PrefixOK:
		c.state = StateUpdatingPackets
		return Outcome{StripPrefixResponse: true}
	case PrefixTimeout:
		if inReadOnlyTxn {
			c.state = StateNone
			return Outcome{StripPrefixResponse: true, SyntheticError: true}
		}
		c.state = StateRetryingOnMaster
		return Outcome{StripPrefixResponse: true, RetryOnMaster: true}
	default:
		return Outcome{}
	}
}

// Done resets the state machine to NONE once the logical batch completes.
func (c *Coordinator) Done() {
	c.state = StateNone
}
