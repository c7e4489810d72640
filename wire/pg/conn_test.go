package pg

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestReadStartupRaw_RoundTrips(t *testing.T) {
	payload := []byte{0x00, 0x03, 0x00, 0x00, 'u', 's', 'e', 'r', 0x00}
	var buf bytes.Buffer
	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(4+len(payload)))
	buf.Write(lenField[:])
	buf.Write(payload)

	got, err := ReadStartupRaw(&buf)
	if err != nil {
		t.Fatalf("ReadStartupRaw: %v", err)
	}
	if len(got) != 4+len(payload) {
		t.Errorf("len(got) = %d, want %d", len(got), 4+len(payload))
	}
}

func TestReadMessageRaw_RoundTrips(t *testing.T) {
	payload := []byte("SELECT 1")
	var buf bytes.Buffer
	buf.WriteByte('Q')
	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(4+len(payload)+1))
	buf.Write(lenField[:])
	buf.Write(payload)
	buf.WriteByte(0) // Query strings are null-terminated

	got, err := ReadMessageRaw(&buf)
	if err != nil {
		t.Fatalf("ReadMessageRaw: %v", err)
	}
	if got[0] != 'Q' {
		t.Errorf("type byte = %c, want Q", got[0])
	}
}

func TestStartupCode_DetectsSSLRequest(t *testing.T) {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint32(raw[4:], sslRequestCode)
	code, special := StartupCode(raw)
	if !special || code != sslRequestCode {
		t.Errorf("StartupCode = %d, %v; want sslRequestCode, true", code, special)
	}
}

func TestStartupCode_RegularStartupIsNotSpecial(t *testing.T) {
	raw := make([]byte, 20)
	binary.BigEndian.PutUint32(raw[4:], 196608) // protocol version 3.0
	_, special := StartupCode(raw)
	if special {
		t.Error("a regular-length startup message should not be special")
	}
}

func TestAuthRequiresClientReply(t *testing.T) {
	tests := []struct {
		name     string
		authType uint32
		want     bool
	}{
		{"ok", authTypeOK, false},
		{"saslFinal", authTypeSASLFinal, false},
		{"cleartext", 3, true},
		{"md5", 5, true},
	}
	for _, tt := range tests {
		msg := make([]byte, 9)
		msg[0] = MsgAuthentication
		binary.BigEndian.PutUint32(msg[5:9], tt.authType)
		if got := AuthRequiresClientReply(msg); got != tt.want {
			t.Errorf("%s: AuthRequiresClientReply = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAuthMessageType(t *testing.T) {
	if got := AuthMessageType([]byte{'Z', 0, 0, 0, 5}); got != 'Z' {
		t.Errorf("AuthMessageType = %c, want Z", got)
	}
	if got := AuthMessageType(nil); got != 0 {
		t.Errorf("AuthMessageType(nil) = %d, want 0", got)
	}
}
