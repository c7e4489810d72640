// Package pg wraps github.com/jackc/pgproto3/v2 into the client/backend
// codec halves the core needs: raw startup/auth relay (SSLRequest
// negotiation, SCRAM passthrough) followed by typed Frontend/Backend
// message framing once a session enters steady state.
package pg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	pgproto "github.com/jackc/pgproto3/v2"
)

const (
	sslRequestCode    = 80877103
	gssEncRequestCode = 80877104
)

// ClientCodec reads FrontendMessages from a connected client and writes
// BackendMessages (server replies) back to it.
type ClientCodec struct {
	backend *pgproto.Backend
	conn    net.Conn
}

// NewClientCodec wraps conn for server-role framing once the startup/auth
// handshake (handled separately by the caller with ReadStartupRaw/
// ReadMessageRaw) has completed.
func NewClientCodec(conn net.Conn) *ClientCodec {
	return &ClientCodec{backend: pgproto.NewBackend(pgproto.NewChunkReader(conn), conn), conn: conn}
}

func (c *ClientCodec) Receive() (pgproto.FrontendMessage, error) { return c.backend.Receive() }

func (c *ClientCodec) Send(msg pgproto.BackendMessage) error {
	buf, err := msg.Encode(nil)
	if err != nil {
		return fmt.Errorf("pg: encode backend message: %w", err)
	}
	_, err = c.conn.Write(buf)
	return err
}

// BackendCodec reads BackendMessages from an upstream Postgres server and
// writes FrontendMessages (queries) to it.
type BackendCodec struct {
	frontend *pgproto.Frontend
	conn     net.Conn
}

// NewBackendCodec wraps conn for client-role framing toward an upstream
// server, once startup/auth has completed.
func NewBackendCodec(conn net.Conn) *BackendCodec {
	return &BackendCodec{frontend: pgproto.NewFrontend(pgproto.NewChunkReader(conn), conn), conn: conn}
}

func (b *BackendCodec) Receive() (pgproto.BackendMessage, error) { return b.frontend.Receive() }

func (b *BackendCodec) Send(msg pgproto.FrontendMessage) error {
	buf, err := msg.Encode(nil)
	if err != nil {
		return fmt.Errorf("pg: encode frontend message: %w", err)
	}
	_, err = b.conn.Write(buf)
	return err
}

// ReadStartupRaw reads one untyped startup-format message: a 4-byte
// length followed by its payload (used for StartupMessage, SSLRequest,
// GSSEncRequest, before the type-byte framing of steady-state messages
// applies).
func ReadStartupRaw(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("pg: read startup header: %w", err)
	}
	msgLen := binary.BigEndian.Uint32(hdr[:])
	if msgLen < 4 {
		return nil, errors.New("pg: invalid startup message length")
	}
	buf := make([]byte, msgLen)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return nil, fmt.Errorf("pg: read startup payload: %w", err)
	}
	return buf, nil
}

// ReadMessageRaw reads one typed protocol message: a 1-byte type tag, a
// 4-byte length, and its payload.
func ReadMessageRaw(r io.Reader) ([]byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("pg: read message header: %w", err)
	}
	msgLen := binary.BigEndian.Uint32(hdr[1:5])
	buf := make([]byte, 1+msgLen)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[5:]); err != nil {
		return nil, fmt.Errorf("pg: read message payload: %w", err)
	}
	return buf, nil
}

// StartupCode inspects an 8-byte startup message and reports whether it
// is an SSLRequest or GSSEncRequest that the proxy must answer itself
// (with 'N', declining encryption upgrade, since the proxy terminates
// TLS at the client listener if at all) rather than forward upstream.
func StartupCode(raw []byte) (code uint32, isSpecial bool) {
	if len(raw) != 8 {
		return 0, false
	}
	c := binary.BigEndian.Uint32(raw[4:])
	return c, c == sslRequestCode || c == gssEncRequestCode
}

// AuthMessageType extracts the type byte of a raw protocol message, or 0
// if empty.
func AuthMessageType(msg []byte) byte {
	if len(msg) == 0 {
		return 0
	}
	return msg[0]
}

// Postgres backend message type bytes relevant to the auth relay.
const (
	MsgAuthentication  = 'R'
	MsgErrorResponse   = 'E'
	MsgReadyForQuery   = 'Z'
	MsgNotice          = 'N'
)

const (
	authTypeOK        = 0
	authTypeSASLFinal = 12
)

// AuthRequiresClientReply reports whether an Authentication message (type
// 'R') demands an immediate client response before the exchange
// continues, per the SCRAM/MD5/cleartext state machine.
func AuthRequiresClientReply(msg []byte) bool {
	if len(msg) < 9 || msg[0] != MsgAuthentication {
		return false
	}
	authType := binary.BigEndian.Uint32(msg[5:9])
	return authType != authTypeOK && authType != authTypeSASLFinal
}
