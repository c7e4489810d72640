// Package errtax implements the proxy's error taxonomy (spec.md §7): each
// error carries a Kind that determines its recovery path (close the
// session, close one backend and continue, retry, or synthesize a client
// ERR) independent of which wire protocol produced it.
package errtax

import "fmt"

// Kind classifies an error by its required recovery action.
type Kind int

const (
	// ProtocolViolation: permanent, close session.
	ProtocolViolation Kind = iota
	// AuthFail: permanent, close session; optionally triggers a
	// rate-limited user-data refresh.
	AuthFail
	// BackendTransient: network reset, timeout, group-change style error;
	// the router may reconnect and retry.
	BackendTransient
	// BackendPermanent: bad capabilities, history divergence, late-response
	// mismatch; close that backend, session continues if possible.
	BackendPermanent
	// ClientSynthetic: causal-read timeout inside a read-only transaction,
	// unknown PS id; return a synthetic ERR, session continues.
	ClientSynthetic
	// Internal: close session.
	Internal
)

func (k Kind) String() string {
	switch k {
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case AuthFail:
		return "AUTH_FAIL"
	case BackendTransient:
		return "BACKEND_TRANSIENT"
	case BackendPermanent:
		return "BACKEND_PERMANENT"
	case ClientSynthetic:
		return "CLIENT_SYNTHETIC"
	case Internal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// ClosesSession reports whether this Kind always tears down the whole
// session (as opposed to just one backend or being recoverable in place).
func (k Kind) ClosesSession() bool {
	switch k {
	case ProtocolViolation, AuthFail, Internal:
		return true
	default:
		return false
	}
}

// Error is a taxonomized proxy error. Code/SQLState/Message follow the
// MariaDB ERR-packet shape (spec.md §7); Postgres callers populate Message
// and leave Code/SQLState empty and instead set PGSeverity/PGCode.
type Error struct {
	Kind       Kind
	Code       uint16
	SQLState   string
	Message    string
	PGSeverity string
	PGCode     string
	Backend    string // which backend produced this, if any
	Cause      error
}

func (e *Error) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s [%s]: %s (backend %s)", e.Kind, e.Code16(), e.Message, e.Backend)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code16(), e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Code16 renders the MariaDB numeric code for display, falling back to the
// Postgres code when this is a Postgres-originated error.
func (e *Error) Code16() string {
	if e.Code != 0 {
		return fmt.Sprintf("%d", e.Code)
	}
	return e.PGCode
}

// New constructs a taxonomized error.
func New(kind Kind, code uint16, sqlState, message string) *Error {
	return &Error{Kind: kind, Code: code, SQLState: sqlState, Message: message}
}

// Wrap taxonomizes an underlying error (e.g. a net.Error) as kind.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// MariaDB error codes the core inspects directly (spec.md §7).
const (
	ErrHostIsBlocked    uint16 = 1129
	ErrAccessDeniedError uint16 = 1045
)

// IsHostBlocked reports whether err is a backend ERR with the
// ER_HOST_IS_BLOCKED code, which should trigger marking that backend in
// maintenance to stop repeated failed connects.
func IsHostBlocked(err *Error) bool {
	return err != nil && err.Code == ErrHostIsBlocked
}

// IsAccessDenied reports whether err is a backend ERR with
// ER_ACCESS_DENIED_ERROR during initial connect, which should trigger a
// rate-limited user-account refresh.
func IsAccessDenied(err *Error) bool {
	return err != nil && err.Code == ErrAccessDeniedError
}
