// Package history implements the per-session session-command history: an
// append-only log of statements routed to "all backends", replayed on every
// new or re-acquired backend connection (spec.md §4.6).
package history

import (
	"fmt"
)

// PrunePolicy selects how History.Prune trims old entries.
type PrunePolicy int

const (
	PruneDisabled PrunePolicy = iota
	PruneBounded
	PruneFromMin
)

// reservedTopID is never assigned (spec.md §4.6: "skipping 0 and the
// reserved top value").
const reservedTopID uint32 = 1<<32 - 1

// Entry is one recorded session command.
type Entry struct {
	ID       uint32
	Payload  []byte
	IsOK     bool
	ErrCode  uint16 // valid only when !IsOK
}

// DivergedError reports a replay mismatch against the accepted response
// (spec.md §4.6: "a diagnostic identifying the diverging entry").
type DivergedError struct {
	ID          uint32
	WantIsOK    bool
	GotIsOK     bool
	WantErrCode uint16
	GotErrCode  uint16
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("history: entry %d diverged: recorded is_ok=%v (err=%d), replay is_ok=%v (err=%d)",
		e.ID, e.WantIsOK, e.WantErrCode, e.GotIsOK, e.GotErrCode)
}

// History is the append-only session-command log for one session.
type History struct {
	nextID  uint32
	entries []Entry
	policy  PrunePolicy
	maxLen  int
	// positions maps a backend identifier to the lowest entry id it still
	// requires (spec.md §4.6 "pinning"). A backend absent from this map is
	// not yet tracked (e.g. during its own initial replay).
	positions map[string]uint32
}

// New creates an empty history under the given pruning policy. maxLen only
// applies to PruneBounded.
func New(policy PrunePolicy, maxLen int) *History {
	return &History{
		nextID:    1,
		policy:    policy,
		maxLen:    maxLen,
		positions: make(map[string]uint32),
	}
}

// Append records a new session command and its accepted reply, returning
// the assigned internal id.
func (h *History) Append(payload []byte, isOK bool, errCode uint16) uint32 {
	id := h.nextID
	h.nextID++
	if h.nextID == reservedTopID {
		h.nextID = 1 // never assign the reserved top value, and wrap past 0
	}
	h.entries = append(h.entries, Entry{ID: id, Payload: payload, IsOK: isOK, ErrCode: errCode})
	return id
}

// Entries returns the entries with id >= fromID in ascending id order, for
// streaming to a backend entering READ_HISTORY.
func (h *History) Entries(fromID uint32) []Entry {
	out := make([]Entry, 0, len(h.entries))
	for _, e := range h.entries {
		if e.ID >= fromID {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the number of live entries.
func (h *History) Len() int { return len(h.entries) }

// Verify compares a replayed reply against the recorded entry for id,
// returning a DivergedError on mismatch (spec.md §4.6 replay comparison).
func (h *History) Verify(id uint32, gotIsOK bool, gotErrCode uint16) error {
	for _, e := range h.entries {
		if e.ID == id {
			if e.IsOK != gotIsOK || (!e.IsOK && e.ErrCode != gotErrCode) {
				return &DivergedError{ID: id, WantIsOK: e.IsOK, GotIsOK: gotIsOK, WantErrCode: e.ErrCode, GotErrCode: gotErrCode}
			}
			return nil
		}
	}
	return fmt.Errorf("history: no entry with id %d", id)
}

// SetPosition records the lowest id backend still requires (spec.md §4.6
// "pinning"), e.g. after it has confirmed replay up to and including id.
func (h *History) SetPosition(backend string, id uint32) {
	h.positions[backend] = id
}

// ForgetBackend drops a backend's pin, e.g. when it is torn down.
func (h *History) ForgetBackend(backend string) {
	delete(h.positions, backend)
}

// minPosition returns the lowest position across all live backends, or 0
// if there are none (nothing is pinned, so no entry is pruned by position).
func (h *History) minPosition() uint32 {
	if len(h.positions) == 0 {
		return 0
	}
	min := h.nextID
	for _, p := range h.positions {
		if p < min {
			min = p
		}
	}
	return min
}

// Prune removes entries that are no longer required, per h.policy
// (spec.md §4.6 "Pinning and pruning").
func (h *History) Prune() {
	switch h.policy {
	case PruneDisabled:
		return
	case PruneFromMin:
		h.pruneBelow(h.minPosition())
	case PruneBounded:
		h.pruneBelow(h.minPosition())
		if h.maxLen > 0 && len(h.entries) > h.maxLen {
			excess := len(h.entries) - h.maxLen
			h.entries = append([]Entry{}, h.entries[excess:]...)
		}
	}
}

func (h *History) pruneBelow(minID uint32) {
	kept := h.entries[:0:0]
	for _, e := range h.entries {
		if e.ID >= minID {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}
