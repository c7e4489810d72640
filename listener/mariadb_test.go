package listener

import (
	"bytes"
	"testing"

	wiremysql "github.com/mevdschee/maxcore/wire/mysql"
)

func buildGreeting(salt1, salt2 []byte) []byte {
	g := []byte{10} // protocol version
	g = append(g, []byte("10.5.9-MariaDB")...)
	g = append(g, 0) // null-terminated version string
	g = append(g, 1, 0, 0, 0)  // connection id
	g = append(g, salt1...)    // 8-byte salt part 1
	g = append(g, 0)           // filler
	g = append(g, 0xff, 0xf7)  // capability flags lower
	g = append(g, 0x08)        // charset
	g = append(g, 0x02, 0x00)  // status flags
	g = append(g, 0x0f, 0x80)  // capability flags upper
	g = append(g, 21)          // auth plugin data length
	g = append(g, make([]byte, 10)...) // reserved
	g = append(g, salt2...)            // 12-byte salt part 2
	g = append(g, 0)
	g = append(g, []byte("mysql_native_password")...)
	g = append(g, 0)
	return g
}

func TestParseGreetingSalt(t *testing.T) {
	salt1 := []byte("ABCDEFGH")
	salt2 := []byte("IJKLMNOPQRST")
	greeting := buildGreeting(salt1, salt2)

	salt, err := parseGreetingSalt(greeting)
	if err != nil {
		t.Fatalf("parseGreetingSalt: %v", err)
	}
	if len(salt) != 20 {
		t.Fatalf("expected 20-byte salt, got %d", len(salt))
	}
	if !bytes.Equal(salt[0:8], salt1) {
		t.Errorf("salt part 1 mismatch: got %q want %q", salt[0:8], salt1)
	}
	if !bytes.Equal(salt[8:20], salt2) {
		t.Errorf("salt part 2 mismatch: got %q want %q", salt[8:20], salt2)
	}
}

func TestParseGreetingSalt_TooShort(t *testing.T) {
	if _, err := parseGreetingSalt([]byte{10, 0, 0}); err == nil {
		t.Error("expected error on truncated greeting")
	}
}

func buildHandshakeResponse(user, db string, withDB bool) []byte {
	var capability uint32 = wiremysql.ClientProtocol41
	if withDB {
		capability |= wiremysql.ClientConnectWithDB
	}
	pkt := make([]byte, 4)
	pkt[0] = byte(capability)
	pkt[1] = byte(capability >> 8)
	pkt[2] = byte(capability >> 16)
	pkt[3] = byte(capability >> 24)
	pkt = append(pkt, make([]byte, 4)...)  // max packet size
	pkt = append(pkt, 0x08)                // charset
	pkt = append(pkt, make([]byte, 23)...) // reserved
	pkt = append(pkt, []byte(user)...)
	pkt = append(pkt, 0)
	pkt = append(pkt, 0) // zero-length auth response
	if withDB {
		pkt = append(pkt, []byte(db)...)
		pkt = append(pkt, 0)
	}
	return pkt
}

func TestParseHandshakeResponse(t *testing.T) {
	pkt := buildHandshakeResponse("alice", "appdb", true)
	user, db, capability := parseHandshakeResponse(pkt)
	if user != "alice" {
		t.Errorf("user = %q, want alice", user)
	}
	if db != "appdb" {
		t.Errorf("db = %q, want appdb", db)
	}
	if capability&wiremysql.ClientConnectWithDB == 0 {
		t.Error("expected ClientConnectWithDB capability bit set")
	}
}

func TestParseHandshakeResponse_NoDB(t *testing.T) {
	pkt := buildHandshakeResponse("bob", "", false)
	user, db, _ := parseHandshakeResponse(pkt)
	if user != "bob" {
		t.Errorf("user = %q, want bob", user)
	}
	if db != "" {
		t.Errorf("db = %q, want empty", db)
	}
}

func TestParseHandshakeResponse_Truncated(t *testing.T) {
	user, db, capability := parseHandshakeResponse([]byte{1, 2, 3})
	if user != "" || db != "" || capability != 0 {
		t.Error("expected zero values for a truncated packet")
	}
}

func TestClassifyOutcome(t *testing.T) {
	ok, _, err := classifyOutcome([]byte{wiremysql.OKHeader, 0, 0})
	if err != nil || !ok {
		t.Errorf("OK packet: ok=%v err=%v", ok, err)
	}

	errPkt := []byte{wiremysql.ErrHeader, 0x19, 0x04} // 0x0419 little-endian = 1049
	ok, code, err := classifyOutcome(errPkt)
	if err != nil || ok {
		t.Errorf("ERR packet: ok=%v err=%v", ok, err)
	}
	if code != 0x0419 {
		t.Errorf("errCode = %#x, want 0x0419", code)
	}

	if _, _, err := classifyOutcome(nil); err == nil {
		t.Error("expected error for empty reply")
	}
}
