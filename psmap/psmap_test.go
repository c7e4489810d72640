package psmap

import (
	"testing"

	"github.com/mevdschee/maxcore/qc"
)

func TestPrepareAndResolve(t *testing.T) {
	m := New()
	id := m.Prepare(2, qc.TypeRead)
	entry, ok := m.Resolve(id)
	if !ok {
		t.Fatalf("Resolve(%d) failed", id)
	}
	if entry.ParamCount != 2 {
		t.Errorf("ParamCount = %d, want 2", entry.ParamCount)
	}
}

func TestResolve_DirectExecuteSentinel(t *testing.T) {
	m := New()
	m.Prepare(0, qc.TypeRead)
	id2 := m.Prepare(1, qc.TypeWrite)

	entry, ok := m.Resolve(DirectExecuteID)
	if !ok {
		t.Fatal("DirectExecuteID should resolve to the most recently prepared statement")
	}
	if entry.InternalID != id2 {
		t.Errorf("resolved id = %d, want %d (most recent)", entry.InternalID, id2)
	}
}

func TestBindBackendAndExternalID(t *testing.T) {
	m := New()
	id := m.Prepare(0, qc.TypeRead)
	entry, _ := m.Resolve(id)
	entry.BindBackend("server1", 77)

	got, ok := entry.ExternalID("server1")
	if !ok || got != 77 {
		t.Fatalf("ExternalID(server1) = %d,%v, want 77,true", got, ok)
	}
	if _, ok := entry.ExternalID("server2"); ok {
		t.Error("server2 should have no binding yet")
	}
}

func TestDeallocate(t *testing.T) {
	m := New()
	id := m.Prepare(0, qc.TypeRead)
	m.Deallocate(id)
	if _, ok := m.Resolve(id); ok {
		t.Error("expected entry to be gone after Deallocate")
	}
}

func TestClose_AsymmetricUnknownIDHandling(t *testing.T) {
	m := New()
	id := m.Prepare(0, qc.TypeRead)

	// First close: known id, succeeds silently.
	if err := m.Close(id); err != nil {
		t.Fatalf("first Close of a prepared id should succeed: %v", err)
	}
	// Second close of the same (now-removed, but historically known) id:
	// still a silent no-op per the asymmetry rule.
	if err := m.Close(id); err != nil {
		t.Fatalf("re-closing a historically known id should still be a no-op: %v", err)
	}
	// Close of an id that was never prepared: an error.
	if err := m.Close(99999); err == nil {
		t.Fatal("Close of a never-prepared id should return an error")
	}
}

func TestExecMetaSent(t *testing.T) {
	m := New()
	id := m.Prepare(2, qc.TypeRead)
	entry, _ := m.Resolve(id)

	if entry.HasExecMetaSent("server1") {
		t.Error("expected no metadata sent yet for server1")
	}
	entry.MarkExecMetaSent("server1")
	if !entry.HasExecMetaSent("server1") {
		t.Error("expected server1 to be marked as having received metadata")
	}
	if entry.HasExecMetaSent("server2") {
		t.Error("marking server1 should not affect server2")
	}
}

func TestForgetBackend(t *testing.T) {
	m := New()
	id := m.Prepare(0, qc.TypeRead)
	entry, _ := m.Resolve(id)
	entry.BindBackend("server1", 5)

	m.ForgetBackend("server1")
	if _, ok := entry.ExternalID("server1"); ok {
		t.Error("ForgetBackend should clear the binding")
	}
}
