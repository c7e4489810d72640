// Package routeinfo holds the per-session routing state that the router
// consumes on every packet: the current command, the active PS id, the
// load-data sub-state, the session's temporary-table set, and the
// transaction tracker (spec.md §3 "RouteInfo", §4.7).
package routeinfo

import "github.com/mevdschee/maxcore/qc"

// LoadDataState tracks a multi-packet LOAD DATA LOCAL INFILE transfer.
type LoadDataState int

const (
	LoadDataInactive LoadDataState = iota
	LoadDataActive
	LoadDataEnd
)

// TableKey identifies a table independent of quoting, for the temp-table set.
type TableKey struct {
	Schema string
	Table  string
}

// RouteInfo is the full per-session routing state (spec.md §3). It is owned
// exclusively by the worker the session is pinned to; nothing outside that
// worker ever reads or writes it (spec.md §5).
type RouteInfo struct {
	CurrentCommand byte
	CurrentPSID    uint32

	TargetMask TargetMask
	TypeMask   qc.TypeMask

	LoadData        LoadDataState
	LoadDataBytes   uint64
	LoadDataTarget  string // backend name the LOAD DATA stream is pinned to

	TempTables map[TableKey]bool

	MultiPartContinues bool // the current logical packet spans >1 physical fragment
	IsPSContinuation   bool // e.g. FETCH following EXECUTE: reuse the cursor's backend

	LockedToMaster bool // set once a multi-statement batch is seen, sticky for the session

	LastUsedBackend string

	Transaction TransactionTracker
}

// New returns a RouteInfo with autocommit on, matching a freshly
// authenticated session (spec.md §4.7 transaction tracker defaults).
func New() *RouteInfo {
	return &RouteInfo{
		TempTables: make(map[TableKey]bool),
		Transaction: TransactionTracker{
			Autocommit: true,
		},
	}
}

// AddTempTable records a CREATE TEMPORARY TABLE target (spec.md §4.2 edge
// case: subsequent reads against a recorded temp table force MASTER_READ
// since the table only exists on the connection that created it).
func (r *RouteInfo) AddTempTable(schema, table string) {
	r.TempTables[TableKey{Schema: schema, Table: table}] = true
}

// RemoveTempTable undoes AddTempTable on DROP TABLE.
func (r *RouteInfo) RemoveTempTable(schema, table string) {
	delete(r.TempTables, TableKey{Schema: schema, Table: table})
}

// ReferencesTempTable reports whether any of refs names a table this
// session created with CREATE TEMPORARY TABLE.
func (r *RouteInfo) ReferencesTempTable(refs []qc.TableRef) bool {
	for _, ref := range refs {
		if r.TempTables[TableKey{Schema: ref.Schema, Table: ref.Table}] {
			return true
		}
	}
	return false
}
