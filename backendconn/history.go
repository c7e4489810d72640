package backendconn

import (
	"fmt"

	"github.com/mevdschee/maxcore/history"
)

// ReplayHistory drives one backend through READ_HISTORY (spec.md §4.6):
// sendEntry writes one history entry's payload to the backend and
// returns the backend's (isOK, errCode) reply. Verify compares that
// reply against the recorded one; a DivergedError is surfaced to the
// caller, which must close this backend with a permanent error.
func ReplayHistory(c *Conn, h *history.History, fromID uint32, sendEntry func(payload []byte) (isOK bool, errCode uint16, err error)) error {
	if c.State() != StateReadHistory {
		return fmt.Errorf("backendconn: ReplayHistory called outside READ_HISTORY (state=%v)", c.State())
	}
	var lastID uint32
	for _, entry := range h.Entries(fromID) {
		isOK, errCode, err := sendEntry(entry.Payload)
		if err != nil {
			c.Fail()
			return fmt.Errorf("backendconn: replay of entry %d failed: %w", entry.ID, err)
		}
		if verr := h.Verify(entry.ID, isOK, errCode); verr != nil {
			c.Fail()
			return verr
		}
		lastID = entry.ID
	}
	if lastID != 0 {
		h.SetPosition(c.Server, lastID)
	}
	return nil
}
