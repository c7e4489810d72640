// Package session wires the classifier, router, history, prepared-
// statement registry, backend pool, and causal-read coordinator into the
// per-connection decision engine described by spec.md §4.3 (client-side
// protocol state machine). It owns the policy; wire I/O and the actual
// backend dialing loop live in the listener package.
package session

import (
	"fmt"

	"github.com/mevdschee/maxcore/causal"
	"github.com/mevdschee/maxcore/errtax"
	"github.com/mevdschee/maxcore/history"
	"github.com/mevdschee/maxcore/pool"
	"github.com/mevdschee/maxcore/psmap"
	"github.com/mevdschee/maxcore/qc"
	"github.com/mevdschee/maxcore/router"
	"github.com/mevdschee/maxcore/routeinfo"
)

// State is the client-side protocol state machine's position (spec.md
// §4.3).
type State int

const (
	StateNew State = iota
	StateHandshakeWait
	StateAuthenticating
	StateRouting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateHandshakeWait:
		return "HANDSHAKE_WAIT"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateRouting:
		return "ROUTING"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is one client connection's routing/history/PS/causal state.
// It is single-threaded: spec.md §9 guarantees no session data structure
// is ever touched by more than one worker goroutine concurrently.
type Session struct {
	ID    uint32
	User  string
	Host  string
	DB    string

	state State

	Classifier *qc.Classifier
	Route      *routeinfo.RouteInfo
	History    *history.History
	PS         *psmap.Map
	Causal     *causal.Coordinator

	servers *pool.ServerSet

	// shareUserVars gates USERVAR_WRITE broadcasting to every backend
	// (spec.md §4.7 step 4), set per-listener via config.
	shareUserVars bool

	// execMetadata remembers the last COM_STMT_EXECUTE parameter-type
	// metadata sent for each internal PS id, for splicing (spec.md §4.4).
	execMetadata map[uint32][]byte

	lastErr *errtax.Error
}

// New creates a session in the NEW state. classifier may be a shared,
// dialect-specific instance configured by the listener; the causal-read
// coordinator is created per session from causalMode.
func New(id uint32, classifier *qc.Classifier, causalMode causal.Mode, causalTimeoutSeconds int, prunePolicy history.PrunePolicy, historyMaxLen int, servers *pool.ServerSet, shareUserVars bool) *Session {
	return &Session{
		ID:            id,
		state:         StateNew,
		Classifier:    classifier,
		Route:         routeinfo.New(),
		History:       history.New(prunePolicy, historyMaxLen),
		PS:            psmap.New(),
		Causal:        causal.NewCoordinator(causalMode, causalTimeoutSeconds),
		servers:       servers,
		shareUserVars: shareUserVars,
		execMetadata:  make(map[uint32][]byte),
	}
}

func (s *Session) State() State { return s.state }

// BeginHandshake transitions NEW -> HANDSHAKE_WAIT after the server
// greeting is sent.
func (s *Session) BeginHandshake() { s.state = StateHandshakeWait }

// BeginAuthenticating transitions on a HandshakeResponse.
func (s *Session) BeginAuthenticating(user, host, db string) {
	s.User, s.Host, s.DB = user, host, db
	s.state = StateAuthenticating
}

// AuthSucceeded arms the session for routing (spec.md §4.3: "create
// session; arm history").
func (s *Session) AuthSucceeded() { s.state = StateRouting }

// AuthFailed records the failure and moves the session to FAILED
// (spec.md §4.3 step 4, §7).
func (s *Session) AuthFailed(err *errtax.Error) {
	s.lastErr = err
	s.state = StateFailed
}

// Quit marks a clean COM_QUIT exit.
func (s *Session) Quit() { s.state = StateClosed }

// Decision is what the session computed for one routed packet.
type Decision struct {
	router.Decision
	Info        *qc.Info
	InjectPrefix string // non-empty: causal-read GTID-wait prefix to send first
	PrefixHasFallback bool
}

// RouteQuery classifies sql and runs it through the 7-step decision
// table, applying multi-statement master-pinning, temp-table read
// pinning and causal-read prefix injection (spec.md §4.2, §4.7, §4.9).
func (s *Session) RouteQuery(sql string, hints []router.Hint, level qc.CollectionLevel, isPrepare bool) (Decision, error) {
	if len(s.Route.TempTables) > 0 {
		level |= qc.CollectTables
	}
	info, err := s.Classifier.Classify(sql, level)
	if err != nil {
		return Decision{}, fmt.Errorf("session: classify: %w", err)
	}

	if info.MultiStmt {
		s.Route.LockedToMaster = true
	}

	if info.TypeMask.Has(qc.TypeCreateTmpTable) {
		for _, t := range info.Tables {
			s.Route.AddTempTable(t.Schema, t.Table)
		}
	}
	if info.Operation == qc.OpDropTable {
		for _, t := range info.Tables {
			s.Route.RemoveTempTable(t.Schema, t.Table)
		}
	}
	if len(info.Tables) > 0 && s.Route.ReferencesTempTable(info.Tables) {
		info.TypeMask |= qc.TypeMasterRead
	}

	s.Route.Transaction.Observe(info.TypeMask)

	in := router.Input{
		Info:               info,
		Transaction:        s.Route.Transaction,
		LockedToMaster:     s.Route.LockedToMaster,
		LoadDataActive:     s.Route.LoadData == routeinfo.LoadDataActive,
		Hints:              hints,
		IsPSContinuation:   s.Route.IsPSContinuation,
		IsPrepare:          isPrepare,
		ShareUserVars:      s.shareUserVars,
	}
	d := router.Decide(in)

	dec := Decision{Decision: d, Info: info}
	s.injectCausalPrefix(&dec)
	s.Route.TargetMask = d.Target
	return dec, nil
}

// RouteExecute resolves a COM_STMT_EXECUTE's target from the type mask its
// originating PREPARE was classified with, since the binary execute packet
// never reaches the SQL classifier itself (spec.md §4.4, §4.7).
func (s *Session) RouteExecute(mask qc.TypeMask) Decision {
	s.Route.Transaction.Observe(mask)

	info := &qc.Info{TypeMask: mask}
	in := router.Input{
		Info:             info,
		Transaction:      s.Route.Transaction,
		LockedToMaster:   s.Route.LockedToMaster,
		LoadDataActive:   s.Route.LoadData == routeinfo.LoadDataActive,
		IsPSContinuation: s.Route.IsPSContinuation,
		ShareUserVars:    s.shareUserVars,
	}
	d := router.Decide(in)

	dec := Decision{Decision: d, Info: info}
	s.injectCausalPrefix(&dec)
	s.Route.TargetMask = d.Target
	return dec
}

// injectCausalPrefix arms a GTID-wait prefix on dec when it targets a
// slave and the causal-read coordinator has something to wait for
// (spec.md §4.9).
func (s *Session) injectCausalPrefix(dec *Decision) {
	if !dec.Target.Has(routeinfo.TargetSlave) {
		return
	}
	gtid, inject := s.Causal.ShouldInjectPrefix("")
	if !inject {
		return
	}
	prefix, hasFallback := s.Causal.BuildPrefix(gtid)
	dec.InjectPrefix = prefix
	dec.PrefixHasFallback = hasFallback
	s.Causal.BeginWait()
}

// RecordSessionCommand appends a packet routed to ALL backends into the
// history log (spec.md §4.6), returning its assigned id.
func (s *Session) RecordSessionCommand(payload []byte, isOK bool, errCode uint16) uint32 {
	return s.History.Append(payload, isOK, errCode)
}

// ObserveWriteResult updates transaction/causal state after a write's
// reply (spec.md §4.9 LOCAL mode).
func (s *Session) ObserveWriteResult(lastGTID string) {
	s.Causal.ObserveWriteGTID(lastGTID)
}

// ApplyTransactionStatus feeds the transaction tracker from the server-
// reported status bits on a backend's OK reply, the primary (server-
// tracking) path spec.md §3 describes, rather than leaving it to the
// classifier-only fallback (routeinfo.TransactionTracker.Observe).
func (s *Session) ApplyTransactionStatus(inTrans, autocommit, readOnly bool) {
	s.Route.Transaction.ApplyServerStatus(inTrans, autocommit, readOnly)
}

// RememberExecMetadata stores the most recent COM_STMT_EXECUTE parameter
// type metadata for psID, for later splicing when a re-execute omits it.
func (s *Session) RememberExecMetadata(psID uint32, metadata []byte) {
	s.execMetadata[psID] = metadata
}

// ExecMetadata returns the last remembered metadata for psID, if any.
func (s *Session) ExecMetadata(psID uint32) []byte {
	return s.execMetadata[psID]
}

// Acquire picks a concrete backend address for target, consulting the
// last-used pin when requested (spec.md §4.7 "Last-used tracking").
func (s *Session) Acquire(target routeinfo.TargetMask) (addr string, err error) {
	if target.Has(routeinfo.TargetLastUsed) && s.Route.LastUsedBackend != "" {
		return s.Route.LastUsedBackend, nil
	}
	if target.Has(routeinfo.TargetMaster) {
		addr = s.servers.Primary()
	} else {
		addr, _ = s.servers.Replica()
	}
	if addr == "" {
		return "", fmt.Errorf("session: no healthy backend for target %v", target)
	}
	s.Route.LastUsedBackend = addr
	return addr, nil
}

// AcquireAll returns every backend address (primary first, then healthy
// replicas) a TargetAll operation such as PREPARE must reach (spec.md
// §4.7: "a PREPARE routed to all backends ... reaches every backend with
// its own per-backend id").
func (s *Session) AcquireAll() []string {
	return s.servers.All()
}
