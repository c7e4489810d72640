package backendconn

import (
	"errors"
	"testing"

	"github.com/mevdschee/maxcore/history"
)

func newAtReadHistory(server string) *Conn {
	c := NewConn(server)
	c.Advance() // AUTHENTICATING
	c.Advance() // CONNECTION_INIT
	c.Advance() // SEND_HISTORY
	c.Advance() // READ_HISTORY
	return c
}

func TestReplayHistory_SuccessAdvancesPin(t *testing.T) {
	h := history.New(history.PruneFromMin, 0)
	h.Append([]byte("SET autocommit=0"), true, 0)
	h.Append([]byte("SET @x=1"), true, 0)

	c := newAtReadHistory("backend1")
	err := ReplayHistory(c, h, 1, func(payload []byte) (bool, uint16, error) {
		return true, 0, nil
	})
	if err != nil {
		t.Fatalf("ReplayHistory: %v", err)
	}
	if c.State() != StateReadHistory {
		t.Errorf("ReplayHistory should not itself transition state, got %v", c.State())
	}
	// The pin now sits at the last replayed id (2), so pruning keeps only it.
	h.Prune()
	if h.Len() != 1 {
		t.Errorf("after replay and Prune, Len = %d, want 1 (pin at the last replayed id)", h.Len())
	}
}

func TestReplayHistory_DivergenceFailsBackend(t *testing.T) {
	h := history.New(history.PruneDisabled, 0)
	h.Append([]byte("SET autocommit=0"), true, 0)

	c := newAtReadHistory("backend1")
	err := ReplayHistory(c, h, 1, func(payload []byte) (bool, uint16, error) {
		return false, 1064, nil // recorded was OK, replay says ERR
	})
	if err == nil {
		t.Fatal("expected a divergence error")
	}
	var diverged *history.DivergedError
	if !errors.As(err, &diverged) {
		t.Fatalf("expected a *history.DivergedError, got %T: %v", err, err)
	}
	if c.State() != StateFailed {
		t.Errorf("state = %v, want FAILED after divergence", c.State())
	}
}

func TestReplayHistory_WrongStateRejected(t *testing.T) {
	c := NewConn("backend1")
	h := history.New(history.PruneDisabled, 0)
	err := ReplayHistory(c, h, 1, func(payload []byte) (bool, uint16, error) {
		return true, 0, nil
	})
	if err == nil {
		t.Error("expected an error when not in READ_HISTORY")
	}
}

func TestReplayHistory_SendErrorFailsBackend(t *testing.T) {
	h := history.New(history.PruneDisabled, 0)
	h.Append([]byte("SET autocommit=0"), true, 0)
	c := newAtReadHistory("backend1")
	err := ReplayHistory(c, h, 1, func(payload []byte) (bool, uint16, error) {
		return false, 0, errors.New("connection reset")
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if c.State() != StateFailed {
		t.Errorf("state = %v, want FAILED", c.State())
	}
}
