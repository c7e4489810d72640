package backendconn

import "testing"

func TestConn_HappyPathToRouting(t *testing.T) {
	c := NewConn("backend1")
	wantSeq := []State{
		StateAuthenticating,
		StateConnectionInit,
		StateSendHistory,
		StateReadHistory,
		StateSendDelayQ,
		StateRouting,
	}
	for _, want := range wantSeq {
		c.Advance()
		if c.State() != want {
			t.Fatalf("state = %v, want %v", c.State(), want)
		}
	}
}

func TestConn_FastPathSkipsSendHistory(t *testing.T) {
	c := NewConn("backend1")
	c.HistoryFastPath = true
	c.Advance() // -> AUTHENTICATING
	c.Advance() // -> CONNECTION_INIT
	c.Advance() // -> RESET_CONNECTION_FAST
	if c.State() != StateResetConnectionFast {
		t.Fatalf("state = %v, want RESET_CONNECTION_FAST", c.State())
	}
	c.Advance() // -> READ_HISTORY
	if c.State() != StateReadHistory {
		t.Fatalf("state = %v, want READ_HISTORY", c.State())
	}
}

func TestConn_DelayQueueReplaysInOrder(t *testing.T) {
	c := NewConn("backend1")
	c.Enqueue([]byte("first"))
	c.Enqueue([]byte("second"))
	got := c.DrainDelayQ()
	if len(got) != 2 || string(got[0]) != "first" || string(got[1]) != "second" {
		t.Fatalf("DrainDelayQ = %v, want [first second]", got)
	}
	if len(c.DrainDelayQ()) != 0 {
		t.Error("expected delay queue to be empty after drain")
	}
}

func TestConn_PoolAndUnpoolRoundtrip(t *testing.T) {
	c := NewConn("backend1")
	for i := 0; i < 6; i++ {
		c.Advance()
	}
	if c.State() != StateRouting {
		t.Fatalf("setup: state = %v, want ROUTING", c.State())
	}
	c.Pool()
	if c.State() != StatePooled {
		t.Fatalf("state = %v, want POOLED", c.State())
	}
	c.Unpool()
	if c.State() != StateRouting {
		t.Fatalf("state = %v, want ROUTING", c.State())
	}
}

func TestConn_TickTriggersPingAfterThreshold(t *testing.T) {
	c := NewConn("backend1")
	for i := 0; i < 6; i++ {
		c.Advance()
	}
	for i := 0; i < PingThreshold-1; i++ {
		if shouldPing := c.Tick(); shouldPing {
			t.Fatalf("unexpected ping at tick %d", i)
		}
	}
	if !c.Tick() {
		t.Fatal("expected a ping at the threshold tick")
	}
	if c.State() != StatePinging {
		t.Fatalf("state = %v, want PINGING", c.State())
	}
}

func TestConn_BeginReuseModes(t *testing.T) {
	tests := []struct {
		mode ReuseTransition
		want State
	}{
		{ReuseTransitionDirect, StateConnectionInit},
		{ReuseTransitionReset, StateResetConnection},
		{ReuseTransitionChangeUser, StateSendChangeUser},
	}
	for _, tt := range tests {
		c := NewConn("backend1")
		c.Pool()
		c.BeginReuse(tt.mode)
		if c.State() != tt.want {
			t.Errorf("BeginReuse(%v) state = %v, want %v", tt.mode, c.State(), tt.want)
		}
	}
}

func TestConn_Fail(t *testing.T) {
	c := NewConn("backend1")
	c.Fail()
	if c.State() != StateFailed {
		t.Fatalf("state = %v, want FAILED", c.State())
	}
}
