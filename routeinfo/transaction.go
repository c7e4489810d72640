package routeinfo

import "github.com/mevdschee/maxcore/qc"

// TransactionTracker holds the session-tracking flags (spec.md §4.7
// "Transaction tracker"). It is fed primarily by server session-tracking
// fields attached to OK responses; when the server does not report
// tracking, it falls back to classifier-derived flags via Observe.
type TransactionTracker struct {
	Autocommit     bool
	TrxActive      bool
	TrxReadOnly    bool
	TrxEnding      bool // true on the statement that ends the transaction (COMMIT/ROLLBACK)
	TrxStarting    bool // true on BEGIN
	TrxStillRO     bool // cleared by the first non-read-only statement in a RO transaction
}

// Observe updates the tracker from a statement's classification when no
// server session-tracking data is available (spec.md §4.7 fallback path).
func (t *TransactionTracker) Observe(mask qc.TypeMask) {
	t.TrxStarting = false
	t.TrxEnding = false

	switch {
	case mask.Has(qc.TypeBeginTrx):
		t.TrxActive = true
		t.TrxStarting = true
		t.TrxReadOnly = mask.Has(qc.TypeReadOnly)
		t.TrxStillRO = t.TrxReadOnly
	case mask.Has(qc.TypeCommit) || mask.Has(qc.TypeRollback):
		t.TrxEnding = true
		t.TrxActive = false
		t.TrxReadOnly = false
		t.TrxStillRO = false
	case mask.Has(qc.TypeDisableAutocommit):
		t.Autocommit = false
	case mask.Has(qc.TypeEnableAutocommit):
		t.Autocommit = true
	case mask.Has(qc.TypeReadOnly):
		t.TrxReadOnly = true
	case mask.Has(qc.TypeReadWrite):
		t.TrxReadOnly = false
	}

	// spec.md §4.7 step 6 / §4.2: while trx_active && trx_read_only holds,
	// trx_still_read_only stays true only as long as every statement in the
	// transaction is itself read-only-compatible; the first non-compatible
	// statement clears it for the remainder of the transaction.
	if t.TrxActive && t.TrxReadOnly && !t.TrxStarting {
		if t.TrxStillRO && !mask.ReadOnlyCompatible() {
			t.TrxStillRO = false
		}
	}

	// Implicit transaction start under autocommit=0: any statement with no
	// transaction already active begins one.
	if !t.Autocommit && !t.TrxActive && !mask.Has(qc.TypeCommit) && !mask.Has(qc.TypeRollback) {
		t.TrxActive = true
		t.TrxStarting = true
	}
}

// ApplyServerStatus overrides the flags from MariaDB OK-packet status bits
// when the server reports session tracking, taking precedence over the
// classifier fallback (spec.md §4.7 "fed by server-session-tracking fields
// ... fallback to classifier-derived flags").
func (t *TransactionTracker) ApplyServerStatus(inTrans, autocommit, readonly bool) {
	t.TrxActive = inTrans
	t.Autocommit = autocommit
	t.TrxReadOnly = readonly
	if !inTrans {
		t.TrxStillRO = false
	} else if t.TrxStarting {
		t.TrxStillRO = readonly
	}
}
