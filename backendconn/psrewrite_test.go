package backendconn

import (
	"encoding/binary"
	"testing"

	"github.com/mevdschee/maxcore/psmap"
	"github.com/mevdschee/maxcore/qc"
)

func stmtPacket(id uint32) []byte {
	p := make([]byte, 9)
	p[0] = 0x17 // COM_STMT_EXECUTE
	binary.LittleEndian.PutUint32(p[1:], id)
	return p
}

func TestRewriteStmtID_RewritesToExternalID(t *testing.T) {
	m := psmap.New()
	id := m.Prepare(0, qc.TypeRead)
	entry, _ := m.Resolve(id)
	entry.BindBackend("backend1", 77)

	packet := stmtPacket(id)
	if err := RewriteStmtID(packet, m, "backend1"); err != nil {
		t.Fatalf("RewriteStmtID: %v", err)
	}
	got := binary.LittleEndian.Uint32(packet[1:])
	if got != 77 {
		t.Errorf("rewritten id = %d, want 77", got)
	}
}

func TestRewriteStmtID_DirectExecuteSentinelUsesLastID(t *testing.T) {
	m := psmap.New()
	m.Prepare(0, qc.TypeRead)
	id2 := m.Prepare(0, qc.TypeRead)
	entry, _ := m.Resolve(id2)
	entry.BindBackend("backend1", 5)

	packet := stmtPacket(psmap.DirectExecuteID)
	if err := RewriteStmtID(packet, m, "backend1"); err != nil {
		t.Fatalf("RewriteStmtID: %v", err)
	}
	got := binary.LittleEndian.Uint32(packet[1:])
	if got != 5 {
		t.Errorf("rewritten id = %d, want 5 (last prepared)", got)
	}
}

func TestRewriteStmtID_UnknownStatement(t *testing.T) {
	m := psmap.New()
	packet := stmtPacket(999)
	if err := RewriteStmtID(packet, m, "backend1"); err == nil {
		t.Error("expected an error for an unknown statement id")
	}
}

func TestRewriteStmtID_NotYetBoundOnBackend(t *testing.T) {
	m := psmap.New()
	id := m.Prepare(0, qc.TypeRead)
	packet := stmtPacket(id)
	if err := RewriteStmtID(packet, m, "backend2"); err == nil {
		t.Error("expected an error when the statement has no binding for this backend")
	}
}

func TestSpliceExecuteMetadata_InsertsWhenFlagZero(t *testing.T) {
	paramCount := 1
	flagOff := execNewParamsBoundOffset(paramCount)
	payload := make([]byte, flagOff+1)
	payload[flagOff] = 0 // new-params-bound = 0

	meta := []byte{0x03, 0x00} // one param's type tag
	out, spliced := SpliceExecuteMetadata(payload, paramCount, meta)
	if !spliced {
		t.Fatal("expected splicing to occur")
	}
	if out[flagOff] != 1 {
		t.Errorf("flag byte = %d, want 1 after splicing", out[flagOff])
	}
	if len(out) != len(payload)+len(meta) {
		t.Errorf("len(out) = %d, want %d", len(out), len(payload)+len(meta))
	}
}

func TestSpliceExecuteMetadata_NoopWhenFlagSet(t *testing.T) {
	paramCount := 1
	flagOff := execNewParamsBoundOffset(paramCount)
	payload := make([]byte, flagOff+1)
	payload[flagOff] = 1

	out, spliced := SpliceExecuteMetadata(payload, paramCount, []byte{0x03, 0x00})
	if spliced {
		t.Error("expected no splicing when new-params-bound is already 1")
	}
	if len(out) != len(payload) {
		t.Error("expected payload to be returned unchanged")
	}
}

func TestSpliceExecuteMetadata_NoopWithoutPriorMetadata(t *testing.T) {
	paramCount := 1
	flagOff := execNewParamsBoundOffset(paramCount)
	payload := make([]byte, flagOff+1)

	_, spliced := SpliceExecuteMetadata(payload, paramCount, nil)
	if spliced {
		t.Error("expected no splicing without prior metadata")
	}
}

func TestSpliceExecuteMetadata_NoopWhenNoParams(t *testing.T) {
	_, spliced := SpliceExecuteMetadata([]byte{0x17, 0, 0, 0, 0}, 0, []byte{0x03, 0x00})
	if spliced {
		t.Error("expected no splicing when paramCount is 0")
	}
}

func execPacketWithFlag(id uint32, paramCount int, flag byte, meta []byte) []byte {
	flagOff := execNewParamsBoundOffset(paramCount)
	p := make([]byte, flagOff+1+len(meta))
	p[0] = 0x17
	binary.LittleEndian.PutUint32(p[1:], id)
	p[flagOff] = flag
	copy(p[flagOff+1:], meta)
	return p
}

func TestPrepareExecutePacket_CapturesFreshMetadata(t *testing.T) {
	m := psmap.New()
	id := m.Prepare(1, qc.TypeRead)
	entry, _ := m.Resolve(id)
	entry.BindBackend("backend1", 9)

	meta := []byte{0x03, 0x00}
	packet := execPacketWithFlag(id, 1, 1, meta)

	out, captured, err := PrepareExecutePacket(packet, m, "backend1", 1, nil)
	if err != nil {
		t.Fatalf("PrepareExecutePacket: %v", err)
	}
	if got := binary.LittleEndian.Uint32(out[1:]); got != 9 {
		t.Errorf("rewritten id = %d, want 9", got)
	}
	if string(captured) != string(meta) {
		t.Errorf("captured metadata = %v, want %v", captured, meta)
	}
}

func TestPrepareExecutePacket_SplicesOmittedMetadata(t *testing.T) {
	m := psmap.New()
	id := m.Prepare(1, qc.TypeRead)
	entry, _ := m.Resolve(id)
	entry.BindBackend("backend1", 9)

	packet := execPacketWithFlag(id, 1, 0, nil)
	lastMetadata := []byte{0x03, 0x00}

	out, captured, err := PrepareExecutePacket(packet, m, "backend1", 1, lastMetadata)
	if err != nil {
		t.Fatalf("PrepareExecutePacket: %v", err)
	}
	if captured != nil {
		t.Errorf("expected no captured metadata on a splice, got %v", captured)
	}
	flagOff := execNewParamsBoundOffset(1)
	if out[flagOff] != 1 {
		t.Errorf("flag byte = %d, want 1 after splicing", out[flagOff])
	}
}

func TestPrepareExecutePacket_RejectsNonExecutePacket(t *testing.T) {
	m := psmap.New()
	packet := []byte{0x16, 0, 0, 0, 0}
	if _, _, err := PrepareExecutePacket(packet, m, "backend1", 1, nil); err == nil {
		t.Error("expected an error for a non-COM_STMT_EXECUTE packet")
	}
}
