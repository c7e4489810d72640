package listener

import (
	"encoding/binary"
	"testing"

	wirepg "github.com/mevdschee/maxcore/wire/pg"
)

func buildStartupMessage(params map[string]string) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 196608) // protocol version 3.0
	for k, v := range params {
		body = append(body, []byte(k)...)
		body = append(body, 0)
		body = append(body, []byte(v)...)
		body = append(body, 0)
	}
	body = append(body, 0)
	msg := make([]byte, 4)
	binary.BigEndian.PutUint32(msg, uint32(4+len(body)))
	return append(msg, body...)
}

func TestParseStartupParams(t *testing.T) {
	raw := buildStartupMessage(map[string]string{
		"user":     "alice",
		"database": "appdb",
	})
	params := parseStartupParams(raw)
	if params["user"] != "alice" {
		t.Errorf("user = %q, want alice", params["user"])
	}
	if params["database"] != "appdb" {
		t.Errorf("database = %q, want appdb", params["database"])
	}
}

func TestParseStartupParams_Empty(t *testing.T) {
	raw := buildStartupMessage(nil)
	params := parseStartupParams(raw)
	if len(params) != 0 {
		t.Errorf("expected no params, got %v", params)
	}
}

func TestParseStartupParams_Short(t *testing.T) {
	params := parseStartupParams([]byte{0, 0, 0, 8})
	if len(params) != 0 {
		t.Errorf("expected empty map for too-short input, got %v", params)
	}
}

func TestSQLStateCode_Deterministic(t *testing.T) {
	a := sqlStateCode("23505")
	b := sqlStateCode("23505")
	if a != b {
		t.Error("sqlStateCode must be deterministic for the same input")
	}
	if a == sqlStateCode("42601") {
		t.Error("different SQLSTATEs should not usually collide in this small sample")
	}
}

func TestStartupCodeDetectsSSLRequest(t *testing.T) {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint32(raw[4:], 80877103)
	code, special := wirepg.StartupCode(raw)
	if !special {
		t.Error("expected SSLRequest to be detected as special")
	}
	if code != 80877103 {
		t.Errorf("code = %d, want 80877103", code)
	}
}
