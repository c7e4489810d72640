package session

import (
	"testing"

	"github.com/mevdschee/maxcore/causal"
	"github.com/mevdschee/maxcore/history"
	"github.com/mevdschee/maxcore/pool"
	"github.com/mevdschee/maxcore/qc"
	"github.com/mevdschee/maxcore/routeinfo"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	cl, err := qc.New(qc.DialectMariaDB, qc.Options{})
	if err != nil {
		t.Fatalf("qc.New: %v", err)
	}
	servers := pool.NewServerSet("master:3306", []string{"replica1:3306"}, nil)
	return New(1, cl, causal.ModeDisabled, 10, history.PruneDisabled, 0, servers, false)
}

func TestSession_HandshakeLifecycle(t *testing.T) {
	s := newTestSession(t)
	if s.State() != StateNew {
		t.Fatalf("initial state = %v, want NEW", s.State())
	}
	s.BeginHandshake()
	if s.State() != StateHandshakeWait {
		t.Fatalf("state = %v, want HANDSHAKE_WAIT", s.State())
	}
	s.BeginAuthenticating("app", "10.0.0.1", "shop")
	if s.State() != StateAuthenticating || s.User != "app" {
		t.Fatalf("state = %v user = %q", s.State(), s.User)
	}
	s.AuthSucceeded()
	if s.State() != StateRouting {
		t.Fatalf("state = %v, want ROUTING", s.State())
	}
	s.Quit()
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", s.State())
	}
}

func TestSession_RouteQuery_SelectGoesToSlave(t *testing.T) {
	s := newTestSession(t)
	s.AuthSucceeded()
	dec, err := s.RouteQuery("SELECT * FROM t", nil, qc.CollectEssentials, false)
	if err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	if dec.Target != routeinfo.TargetSlave {
		t.Errorf("Target = %v, want SLAVE", dec.Target)
	}
}

func TestSession_RouteQuery_WriteGoesToMaster(t *testing.T) {
	s := newTestSession(t)
	s.AuthSucceeded()
	dec, err := s.RouteQuery("INSERT INTO t VALUES (1)", nil, qc.CollectEssentials, false)
	if err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	if dec.Target != routeinfo.TargetMaster {
		t.Errorf("Target = %v, want MASTER", dec.Target)
	}
}

func TestSession_RouteQuery_MultiStatementLocksToMaster(t *testing.T) {
	s := newTestSession(t)
	s.AuthSucceeded()
	if _, err := s.RouteQuery("SELECT 1; SELECT 2", nil, qc.CollectEssentials, false); err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	dec, err := s.RouteQuery("SELECT * FROM t", nil, qc.CollectEssentials, false)
	if err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	if dec.Target != routeinfo.TargetMaster {
		t.Errorf("Target after multi-statement = %v, want MASTER (locked)", dec.Target)
	}
}

func TestSession_Acquire_PrefersLastUsed(t *testing.T) {
	s := newTestSession(t)
	s.Route.LastUsedBackend = "replica1:3306"
	addr, err := s.Acquire(routeinfo.TargetLastUsed)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if addr != "replica1:3306" {
		t.Errorf("addr = %q, want replica1:3306", addr)
	}
}

func TestSession_Acquire_MasterUsesPrimary(t *testing.T) {
	s := newTestSession(t)
	addr, err := s.Acquire(routeinfo.TargetMaster)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if addr != "master:3306" {
		t.Errorf("addr = %q, want master:3306", addr)
	}
}

func TestSession_TempTable_ReadForcesMaster(t *testing.T) {
	s := newTestSession(t)
	s.AuthSucceeded()
	if _, err := s.RouteQuery("CREATE TEMPORARY TABLE scratch (id INT)", nil, qc.CollectEssentials, false); err != nil {
		t.Fatalf("RouteQuery(create): %v", err)
	}
	dec, err := s.RouteQuery("SELECT * FROM scratch", nil, qc.CollectEssentials, false)
	if err != nil {
		t.Fatalf("RouteQuery(select): %v", err)
	}
	if dec.Target != routeinfo.TargetMaster {
		t.Errorf("Target for a read of a tracked temp table = %v, want MASTER", dec.Target)
	}
}

func TestSession_TempTable_DroppedTableNoLongerForcesMaster(t *testing.T) {
	s := newTestSession(t)
	s.AuthSucceeded()
	if _, err := s.RouteQuery("CREATE TEMPORARY TABLE scratch (id INT)", nil, qc.CollectEssentials, false); err != nil {
		t.Fatalf("RouteQuery(create): %v", err)
	}
	if _, err := s.RouteQuery("DROP TABLE scratch", nil, qc.CollectEssentials, false); err != nil {
		t.Fatalf("RouteQuery(drop): %v", err)
	}
	dec, err := s.RouteQuery("SELECT * FROM scratch", nil, qc.CollectEssentials, false)
	if err != nil {
		t.Fatalf("RouteQuery(select): %v", err)
	}
	if dec.Target != routeinfo.TargetSlave {
		t.Errorf("Target after dropping the temp table = %v, want SLAVE", dec.Target)
	}
}

func TestSession_RouteExecute_UsesPrepareTypeMask(t *testing.T) {
	s := newTestSession(t)
	s.AuthSucceeded()
	dec := s.RouteExecute(qc.TypeWrite)
	if dec.Target != routeinfo.TargetMaster {
		t.Errorf("RouteExecute(TypeWrite) target = %v, want MASTER", dec.Target)
	}
	dec = s.RouteExecute(qc.TypeRead)
	if dec.Target != routeinfo.TargetSlave {
		t.Errorf("RouteExecute(TypeRead) target = %v, want SLAVE", dec.Target)
	}
}

func TestSession_ApplyTransactionStatus(t *testing.T) {
	s := newTestSession(t)
	s.AuthSucceeded()
	s.ApplyTransactionStatus(true, false, false)
	if !s.Route.Transaction.TrxActive {
		t.Error("expected TrxActive after ApplyTransactionStatus(inTrans=true)")
	}
	s.ApplyTransactionStatus(false, true, false)
	if s.Route.Transaction.TrxActive {
		t.Error("expected TrxActive to clear after ApplyTransactionStatus(inTrans=false)")
	}
}

func TestSession_AcquireAll_PrimaryFirst(t *testing.T) {
	s := newTestSession(t)
	addrs := s.AcquireAll()
	if len(addrs) == 0 || addrs[0] != "master:3306" {
		t.Errorf("AcquireAll() = %v, want primary first", addrs)
	}
}

func TestSession_RecordAndExecMetadata(t *testing.T) {
	s := newTestSession(t)
	id := s.RecordSessionCommand([]byte("SET autocommit=0"), true, 0)
	if id == 0 {
		t.Error("expected a nonzero history id")
	}
	s.RememberExecMetadata(42, []byte{0x03, 0x00})
	if got := s.ExecMetadata(42); len(got) != 2 {
		t.Errorf("ExecMetadata = %v, want 2 bytes", got)
	}
}
