package router

import (
	"github.com/mevdschee/maxcore/qc"
	"github.com/mevdschee/maxcore/routeinfo"
)

// Decision is the router's output for one packet (spec.md §4.7).
type Decision struct {
	Target     routeinfo.TargetMask
	NamedServer string
	MaxSlaveLagSeconds int
}

// Input bundles everything the decision table consumes.
type Input struct {
	Info           *qc.Info
	Transaction    routeinfo.TransactionTracker
	LockedToMaster bool
	LoadDataActive bool
	Hints          []Hint
	IsPSContinuation bool
	// IsPrepare covers both a textual PREPARE statement and a binary
	// COM_STMT_PREPARE packet (the latter never reaches the SQL
	// classifier, so the session state machine sets this directly).
	IsPrepare bool
	// ShareUserVars gates whether a USERVAR_WRITE is broadcast to every
	// backend (spec.md §4.7 step 4); a listener without this option set
	// leaves user variables local to whichever backend a session happens
	// to be using.
	ShareUserVars bool
}

// Decide implements the first-match-wins table from spec.md §4.7.
func Decide(in Input) Decision {
	mask := in.Info.TypeMask

	d := Decision{}
	switch {
	case in.LockedToMaster:
		d.Target = routeinfo.TargetMaster
	case in.IsPrepare || mask.Has(qc.TypePrepareNamedStmt):
		d.Target = routeinfo.TargetAll
	case in.LoadDataActive:
		d.Target = routeinfo.TargetLastUsed
	case isSessionWriteTarget(mask, in.ShareUserVars):
		d.Target = routeinfo.TargetAll
	case !in.Transaction.TrxActive && mask.ReadOnlyCompatible():
		d.Target = routeinfo.TargetSlave
	case in.Transaction.TrxActive && (in.Transaction.TrxReadOnly || in.Transaction.TrxStillRO):
		d.Target = routeinfo.TargetSlave
	default:
		d.Target = routeinfo.TargetMaster
	}

	// A read of the previous statement's result (FOUND_ROWS()) goes to the
	// backend that ran that statement rather than to any slave.
	if d.Target == routeinfo.TargetSlave && mask.Has(qc.TypeRelatesToPrevious) {
		d.Target = routeinfo.TargetLastUsed
	}

	applyHints(&d, in.Hints)
	return d
}

// isSessionWriteTarget is decision-table step 4: SESSION_WRITE or the
// listed session-scoped write bits, but not a true data WRITE (a data
// write always takes the default MASTER path even if it also flips a
// session-tracked flag as a side effect). USERVAR_WRITE only broadcasts
// to ALL when the listener has shareUserVars enabled; otherwise it falls
// through to ordinary MASTER/SLAVE routing since the variable only needs
// to exist on whichever backend sets and reads it.
func isSessionWriteTarget(mask qc.TypeMask, shareUserVars bool) bool {
	if mask.Has(qc.TypeWrite) {
		return false
	}
	bits := qc.TypeSessionWrite | qc.TypeGSysVarWrite | qc.TypeEnableAutocommit | qc.TypeDisableAutocommit
	if shareUserVars {
		bits |= qc.TypeUserVarWrite
	}
	return mask.Any(bits)
}

func applyHints(d *Decision, hints []Hint) {
	for _, h := range hints {
		switch h.Kind {
		case HintRouteToMaster:
			d.Target = routeinfo.TargetMaster
		case HintRouteToSlave:
			d.Target = routeinfo.TargetSlave
		case HintRouteToLastUsed:
			d.Target |= routeinfo.TargetLastUsed
		case HintRouteToAll:
			d.Target = routeinfo.TargetAll
		case HintRouteToNamedServer:
			d.Target |= routeinfo.TargetNamedServer
			d.NamedServer = h.ServerName
		case HintParameter:
			if n, ok := MaxSlaveReplicationLag([]Hint{h}); ok {
				d.Target |= routeinfo.TargetRLagMax
				d.MaxSlaveLagSeconds = n
			}
		}
	}
}
