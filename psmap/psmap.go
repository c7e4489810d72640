// Package psmap implements the per-session prepared-statement registry
// (spec.md §3 "Prepared-statement registry"): a proxy-assigned internal id
// maps to per-backend external ids, so EXECUTE/FETCH/CLOSE/SEND_LONG_DATA/
// RESET packets can be rewritten transparently across however many backend
// connections the session is using.
package psmap

import (
	"fmt"

	"github.com/mevdschee/maxcore/qc"
)

// DirectExecuteID is the sentinel meaning "the most recently prepared
// statement" (spec.md §3).
const DirectExecuteID uint32 = 0xffffffff

// Entry is the registry record for one internal PS id.
type Entry struct {
	InternalID      uint32
	ExternalIDs     map[string]uint32 // backend name -> backend-local statement id
	ParamCount      int
	TypeMask        qc.TypeMask
	RouteToLastUsed bool
	ExecMetaSent    map[string]bool // backend name -> has this backend seen param type metadata
}

// Map is the per-session PS registry.
type Map struct {
	nextID  uint32
	entries map[uint32]*Entry
	lastID  uint32 // most recently prepared id, for DirectExecuteID resolution
	// everPrepared remembers every id this session has ever prepared, even
	// after its entry is removed, so Close can tell "already closed" from
	// "never existed" (spec.md §9 COM_STMT_CLOSE asymmetry).
	everPrepared map[uint32]bool
}

// New returns an empty registry.
func New() *Map {
	return &Map{nextID: 1, entries: make(map[uint32]*Entry), everPrepared: make(map[uint32]bool)}
}

// Prepare registers a new prepared statement and returns its internal id.
func (m *Map) Prepare(paramCount int, mask qc.TypeMask) uint32 {
	id := m.nextID
	m.nextID++
	if id == DirectExecuteID {
		id = m.nextID
		m.nextID++
	}
	m.entries[id] = &Entry{
		InternalID:   id,
		ExternalIDs:  make(map[string]uint32),
		ParamCount:   paramCount,
		TypeMask:     mask,
		ExecMetaSent: make(map[string]bool),
	}
	m.lastID = id
	m.everPrepared[id] = true
	return id
}

// Resolve maps a client-visible id (possibly DirectExecuteID) to the
// internal entry.
func (m *Map) Resolve(clientID uint32) (*Entry, bool) {
	id := clientID
	if id == DirectExecuteID {
		id = m.lastID
	}
	e, ok := m.entries[id]
	return e, ok
}

// BindBackend records the backend-local id a given backend assigned when it
// executed this statement's own COM_STMT_PREPARE.
func (e *Entry) BindBackend(backend string, externalID uint32) {
	e.ExternalIDs[backend] = externalID
}

// ExternalID returns the backend-local id for backend, or false if this
// statement has not yet been prepared on that backend.
func (e *Entry) ExternalID(backend string) (uint32, bool) {
	id, ok := e.ExternalIDs[backend]
	return id, ok
}

// HasExecMetaSent reports whether backend has already received this
// statement's COM_STMT_EXECUTE parameter-type metadata, and so can be
// sent a NEW_PARAMS_BOUND=0 execute without it (spec.md §4.4).
func (e *Entry) HasExecMetaSent(backend string) bool {
	return e.ExecMetaSent[backend]
}

// MarkExecMetaSent records that backend has now seen this statement's
// parameter-type metadata, either because the client bound it directly or
// because the proxy spliced remembered metadata back in.
func (e *Entry) MarkExecMetaSent(backend string) {
	e.ExecMetaSent[backend] = true
}

// Deallocate removes an entry on an explicit `DEALLOCATE PREPARE` statement.
func (m *Map) Deallocate(clientID uint32) {
	id := clientID
	if id == DirectExecuteID {
		id = m.lastID
	}
	delete(m.entries, id)
}

// Close handles COM_STMT_CLOSE, which never produces a wire response and so
// must replicate the original's asymmetric unknown-id handling literally
// (spec.md §9): closing an id that was prepared at some point in this
// session — even if already closed — is a silent no-op; closing an id this
// session never prepared at all is an error the caller should log (but
// still not send to the client, since COM_STMT_CLOSE has no reply).
func (m *Map) Close(clientID uint32) error {
	id := clientID
	if id == DirectExecuteID {
		id = m.lastID
	}
	delete(m.entries, id)
	if !m.everPrepared[id] {
		return fmt.Errorf("psmap: COM_STMT_CLOSE for unknown statement id %d", id)
	}
	return nil
}

// ForgetBackend drops one backend's bindings across every entry, used when
// that backend connection is torn down and reacquired fresh.
func (m *Map) ForgetBackend(backend string) {
	for _, e := range m.entries {
		delete(e.ExternalIDs, backend)
		delete(e.ExecMetaSent, backend)
	}
}

// Len reports the number of live prepared statements.
func (m *Map) Len() int { return len(m.entries) }

// LastID returns the most recently prepared internal id, the same id
// DirectExecuteID resolves to.
func (m *Map) LastID() uint32 { return m.lastID }
