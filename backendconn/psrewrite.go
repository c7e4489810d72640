package backendconn

import (
	"encoding/binary"
	"fmt"

	wiremysql "github.com/mevdschee/maxcore/wire/mysql"
	"github.com/mevdschee/maxcore/psmap"
)

// stmtIDOffset is the fixed byte offset of the 4-byte statement id in
// every COM_STMT_* command packet (spec.md §4.4 "PS id rewriting").
const stmtIDOffset = 1

// RewriteStmtID overwrites the statement id embedded in a COM_STMT_*
// packet with the per-backend external id recorded in the PS map. The
// DirectExecuteID sentinel maps to the most recently prepared internal
// id (spec.md §4.4: "The direct-exec sentinel is mapped to the
// most-recent internal id").
func RewriteStmtID(payload []byte, m *psmap.Map, backend string) error {
	if len(payload) < stmtIDOffset+4 {
		return fmt.Errorf("backendconn: PS command packet too short to carry a statement id")
	}
	clientID := binary.LittleEndian.Uint32(payload[stmtIDOffset:])
	entry, ok := m.Resolve(clientID)
	if !ok {
		return fmt.Errorf("backendconn: unknown prepared statement id %d", clientID)
	}
	externalID, ok := entry.ExternalID(backend)
	if !ok {
		return fmt.Errorf("backendconn: statement %d not yet prepared on backend %s", entry.InternalID, backend)
	}
	binary.LittleEndian.PutUint32(payload[stmtIDOffset:], externalID)
	return nil
}

// execNewParamsBoundOffset is the offset of the "new parameters bound"
// flag byte in a COM_STMT_EXECUTE packet once the id (4), flags (1), and
// iteration-count (4) fields are skipped, followed by a null-bitmap of
// ceil(paramCount/8) bytes.
func execNewParamsBoundOffset(paramCount int) int {
	return 1 + 4 + 1 + 4 + (paramCount+7)/8
}

// SpliceExecuteMetadata implements spec.md §4.4's COM_STMT_EXECUTE
// splicing rule: if the packet's "new parameters bound" flag is 0, the
// most recently sent metadata for this (client, statement id) is
// inserted so the backend can decode the parameter values that follow.
// It returns the packet unchanged if paramCount is 0, the flag is
// already 1, or no prior metadata is recorded (the caller should log a
// warning in the last case per spec).
func SpliceExecuteMetadata(payload []byte, paramCount int, lastMetadata []byte) ([]byte, bool) {
	if paramCount == 0 {
		return payload, false
	}
	flagOff := execNewParamsBoundOffset(paramCount)
	if flagOff >= len(payload) {
		return payload, false
	}
	if payload[flagOff] != 0 {
		return payload, false
	}
	if lastMetadata == nil {
		return payload, false
	}
	out := make([]byte, 0, len(payload)+len(lastMetadata)+1)
	out = append(out, payload[:flagOff]...)
	out = append(out, 1) // new-params-bound = 1
	out = append(out, lastMetadata...)
	out = append(out, payload[flagOff+1:]...)
	return out, true
}

// ParamMetadataSize returns the byte length of the per-param type tags
// that follow the "new parameters bound" flag, used to capture metadata
// for later splicing.
func ParamMetadataSize(paramCount int) int {
	return paramCount * 2
}

// PrepareExecutePacket rewrites a COM_STMT_EXECUTE packet's statement id
// for backend and, when the client's NEW_PARAMS_BOUND flag is 0, splices
// in lastMetadata so a backend seeing this statement for the first time
// can still decode the parameters (spec.md §4.4). When the client instead
// bound fresh metadata itself, that metadata is returned in
// capturedMetadata so the caller can remember it for a later splice.
func PrepareExecutePacket(payload []byte, m *psmap.Map, backend string, paramCount int, lastMetadata []byte) (out []byte, capturedMetadata []byte, err error) {
	if len(payload) < stmtIDOffset+4 || payload[0] != wiremysql.ComStmtExecute {
		return nil, nil, fmt.Errorf("backendconn: not a COM_STMT_EXECUTE packet")
	}
	if err := RewriteStmtID(payload, m, backend); err != nil {
		return nil, nil, err
	}
	if paramCount == 0 {
		return payload, nil, nil
	}
	flagOff := execNewParamsBoundOffset(paramCount)
	if flagOff >= len(payload) {
		return payload, nil, nil
	}
	if payload[flagOff] != 0 {
		metaOff := flagOff + 1
		metaSize := ParamMetadataSize(paramCount)
		if metaOff+metaSize <= len(payload) {
			capturedMetadata = append([]byte{}, payload[metaOff:metaOff+metaSize]...)
		}
		return payload, capturedMetadata, nil
	}
	spliced, ok := SpliceExecuteMetadata(payload, paramCount, lastMetadata)
	if !ok {
		return payload, nil, nil
	}
	return spliced, nil, nil
}
