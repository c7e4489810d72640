package backendconn

import (
	wiremysql "github.com/mevdschee/maxcore/wire/mysql"
)

// ReplySubstate is the reply builder's position within one logical
// command's response (spec.md §4.5).
type ReplySubstate int

const (
	SubstateStart ReplySubstate = iota
	SubstateResultsetHeader
	SubstateColDefs
	SubstateColDefEOF
	SubstateRows
	SubstateLoadData
	SubstateLoadDataEnd
	SubstatePrepareParamDefs
	SubstatePrepareFieldDefs
	SubstateDone
)

// Result accumulates what the reply builder extracted from a command's
// response for history comparison, session-tracking, and routing
// bookkeeping.
type Result struct {
	IsOK         bool
	IsErr        bool
	AffectedRows uint64
	LastInsertID uint64
	Status       uint16
	Warnings     uint16
	ErrCode      uint16
	SQLState     string
	ErrMessage   string
	MoreResults  bool

	// LastGTID is the SESSION_TRACK_GTIDS value carried by the OK packet's
	// session-state-info block, when CLIENT_SESSION_TRACK is negotiated and
	// SERVER_SESSION_STATE_CHANGED is set (spec.md §4.5, §4.9). Empty when
	// the server didn't report one.
	LastGTID string

	// ColumnCount is populated for resultset headers; PrepareID, ParamCount
	// and NumColumns for COM_STMT_PREPARE responses.
	ColumnCount  uint64
	PrepareID    uint32
	ParamCount   uint16
	NumColumns   uint16
}

// InTransaction, Autocommit and ReadOnlyTransaction decode the OK-packet
// server-status bits an OK-shaped reply always carries, independent of
// whether session tracking is negotiated (spec.md §3 "fed by server-
// session-tracking fields attached to OK responses").
func (r Result) InTransaction() bool      { return r.Status&wiremysql.StatusInTrans != 0 }
func (r Result) Autocommit() bool         { return r.Status&wiremysql.StatusAutocommit != 0 }
func (r Result) ReadOnlyTransaction() bool { return r.Status&wiremysql.StatusInTransReadonly != 0 }

// ReplyBuilder walks a backend's packet stream for one command and
// classifies each packet per spec.md §4.5, handling the EOF/OK
// substitution CLIENT_DEPRECATE_EOF requires.
type ReplyBuilder struct {
	Capability uint32
	sub        ReplySubstate

	pendingParamDefs int
	pendingFieldDefs int
}

// NewReplyBuilder starts a builder in the START substate for a session
// negotiated with the given capability flags.
func NewReplyBuilder(capability uint32) *ReplyBuilder {
	return &ReplyBuilder{Capability: capability, sub: SubstateStart}
}

func (b *ReplyBuilder) deprecateEOF() bool {
	return b.Capability&wiremysql.ClientDeprecateEOF != 0
}

// Substate returns the builder's current position (test/diagnostic use).
func (b *ReplyBuilder) Substate() ReplySubstate { return b.sub }

// Feed classifies one backend packet payload and advances the substate.
// It returns the extracted Result; for pure resultset framing packets
// (column defs, EOF markers, row packets) most Result fields are zero
// and only the state transition matters.
func (b *ReplyBuilder) Feed(payload []byte) Result {
	if len(payload) == 0 {
		return Result{}
	}
	switch b.sub {
	case SubstateStart:
		return b.feedHeader(payload)
	case SubstateColDefs:
		return b.feedColDef(payload)
	case SubstateColDefEOF:
		return b.feedColDefEOF(payload)
	case SubstateRows:
		return b.feedRow(payload)
	case SubstateLoadData:
		return b.feedLoadData(payload)
	case SubstatePrepareParamDefs:
		return b.feedPrepareParamDef(payload)
	case SubstatePrepareFieldDefs:
		return b.feedPrepareFieldDef(payload)
	default:
		return Result{}
	}
}

func (b *ReplyBuilder) feedHeader(payload []byte) Result {
	switch payload[0] {
	case wiremysql.OKHeader:
		return b.feedOK(payload)
	case wiremysql.ErrHeader:
		return b.feedErr(payload)
	case 0xfb: // LOCAL INFILE request
		b.sub = SubstateLoadData
		return Result{}
	default:
		return b.feedResultsetHeader(payload)
	}
}

func (b *ReplyBuilder) feedOK(payload []byte) Result {
	r := Result{IsOK: true}
	off := 1
	affected, _, n := wiremysql.ReadLengthEncodedInt(payload[off:])
	off += n
	r.AffectedRows = affected
	insertID, _, n := wiremysql.ReadLengthEncodedInt(payload[off:])
	off += n
	r.LastInsertID = insertID
	if b.Capability&wiremysql.ClientProtocol41 != 0 && len(payload) >= off+4 {
		r.Status = uint16(payload[off]) | uint16(payload[off+1])<<8
		r.Warnings = uint16(payload[off+2]) | uint16(payload[off+3])<<8
		off += 4
		if b.Capability&wiremysql.ClientSessionTrack != 0 && off <= len(payload) {
			// info (human-readable message), unused here.
			if _, _, n := wiremysql.ReadLengthEncodedString(payload[off:]); n > 0 {
				off += n
			}
			if r.Status&wiremysql.StatusSessionStateChanged != 0 && off <= len(payload) {
				if blob, _, n := wiremysql.ReadLengthEncodedString(payload[off:]); n > 0 {
					off += n
					r.LastGTID = extractSessionTrackGTID(blob)
				}
			}
		}
	}
	r.MoreResults = r.Status&wiremysql.StatusMoreResultsExists != 0
	if r.MoreResults {
		b.sub = SubstateStart
	} else {
		b.sub = SubstateDone
	}
	return r
}

// extractSessionTrackGTID walks the session-state-info sub-records
// (type byte, length-encoded length, payload) looking for
// SESSION_TRACK_GTIDS, whose payload is a length-encoded "encoding
// specification" byte followed by the length-encoded GTID string itself.
func extractSessionTrackGTID(blob []byte) string {
	for len(blob) > 0 {
		typ := blob[0]
		data, _, n := wiremysql.ReadLengthEncodedString(blob[1:])
		if n == 0 {
			return ""
		}
		blob = blob[1+n:]
		if typ != wiremysql.SessionTrackGTIDs {
			continue
		}
		_, _, skip := wiremysql.ReadLengthEncodedInt(data)
		if skip == 0 {
			return ""
		}
		gtid, _, _ := wiremysql.ReadLengthEncodedString(data[skip:])
		return string(gtid)
	}
	return ""
}

func (b *ReplyBuilder) feedErr(payload []byte) Result {
	r := Result{IsErr: true}
	r.ErrCode = uint16(payload[1]) | uint16(payload[2])<<8
	off := 3
	if b.Capability&wiremysql.ClientProtocol41 != 0 && len(payload) > off && payload[off] == '#' {
		r.SQLState = string(payload[off+1 : off+6])
		off += 6
	}
	r.ErrMessage = string(payload[off:])
	b.sub = SubstateDone
	return r
}

func (b *ReplyBuilder) feedResultsetHeader(payload []byte) Result {
	count, _, _ := wiremysql.ReadLengthEncodedInt(payload)
	r := Result{ColumnCount: count}
	if count == 0 {
		b.sub = SubstateRows
		return r
	}
	b.sub = SubstateColDefs
	return r
}

func (b *ReplyBuilder) feedColDef(payload []byte) Result {
	if payload[0] == wiremysql.EOFHeader && !b.deprecateEOF() {
		b.sub = SubstateRows
		return Result{}
	}
	if b.deprecateEOF() {
		// Column-definition count is tracked by the caller; under
		// DEPRECATE_EOF there is no terminator packet here, the caller
		// advances after exactly column_count packets.
		return Result{}
	}
	return Result{}
}

// FinishColDefs is called by the caller after feeding exactly
// ColumnCount column-definition packets when DEPRECATE_EOF is set (no
// EOF terminator packet exists to drive the transition itself).
func (b *ReplyBuilder) FinishColDefs() {
	if b.sub == SubstateColDefs {
		b.sub = SubstateRows
	}
}

func (b *ReplyBuilder) feedColDefEOF(payload []byte) Result {
	b.sub = SubstateRows
	return Result{}
}

func (b *ReplyBuilder) feedRow(payload []byte) Result {
	switch payload[0] {
	case wiremysql.ErrHeader:
		return b.feedErr(payload)
	case wiremysql.EOFHeader:
		if !b.deprecateEOF() {
			return b.feedOKAsRowsEnd(payload)
		}
		return b.feedOK(payload)
	case wiremysql.OKHeader:
		if b.deprecateEOF() {
			return b.feedOK(payload)
		}
	}
	return Result{}
}

// feedOKAsRowsEnd handles a plain (non-DEPRECATE_EOF) EOF packet that
// terminates the row stream, reusing the OK-shaped status/warnings
// layout EOF packets share.
func (b *ReplyBuilder) feedOKAsRowsEnd(payload []byte) Result {
	r := Result{IsOK: true}
	if b.Capability&wiremysql.ClientProtocol41 != 0 && len(payload) >= 5 {
		r.Warnings = uint16(payload[1]) | uint16(payload[2])<<8
		r.Status = uint16(payload[3]) | uint16(payload[4])<<8
	}
	r.MoreResults = r.Status&wiremysql.StatusMoreResultsExists != 0
	if r.MoreResults {
		b.sub = SubstateStart
	} else {
		b.sub = SubstateDone
	}
	return r
}

func (b *ReplyBuilder) feedLoadData(payload []byte) Result {
	b.sub = SubstateLoadDataEnd
	return Result{}
}

// FeedLoadDataEnd is called once the client has sent its terminating
// empty packet and the server's final OK/ERR arrives.
func (b *ReplyBuilder) FeedLoadDataEnd(payload []byte) Result {
	if len(payload) == 0 {
		return Result{}
	}
	if payload[0] == wiremysql.ErrHeader {
		return b.feedErr(payload)
	}
	return b.feedOK(payload)
}

// BeginPrepare switches the builder into COM_STMT_PREPARE response mode
// (spec.md §4.5): the first packet carries the server-assigned id plus
// column/param counts, followed by paramCount + numColumns follow-up
// packets (EOF-terminated unless DEPRECATE_EOF is set).
func (b *ReplyBuilder) BeginPrepare() { b.sub = SubstateStart }

// FeedPrepareOK parses the COM_STMT_PREPARE response header packet.
func (b *ReplyBuilder) FeedPrepareOK(payload []byte) Result {
	if len(payload) > 0 && payload[0] == wiremysql.ErrHeader {
		return b.feedErr(payload)
	}
	r := Result{}
	r.PrepareID = uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16 | uint32(payload[4])<<24
	r.NumColumns = uint16(payload[5]) | uint16(payload[6])<<8
	r.ParamCount = uint16(payload[7]) | uint16(payload[8])<<8
	b.pendingParamDefs = int(r.ParamCount)
	b.pendingFieldDefs = int(r.NumColumns)
	if b.pendingParamDefs > 0 {
		b.sub = SubstatePrepareParamDefs
	} else if b.pendingFieldDefs > 0 {
		b.sub = SubstatePrepareFieldDefs
	} else {
		b.sub = SubstateDone
	}
	return r
}

func (b *ReplyBuilder) feedPrepareParamDef(payload []byte) Result {
	if payload[0] == wiremysql.EOFHeader && !b.deprecateEOF() {
		b.advancePastPrepareParams()
		return Result{}
	}
	if b.deprecateEOF() {
		b.pendingParamDefs--
		if b.pendingParamDefs <= 0 {
			b.advancePastPrepareParams()
		}
	}
	return Result{}
}

func (b *ReplyBuilder) advancePastPrepareParams() {
	if b.pendingFieldDefs > 0 {
		b.sub = SubstatePrepareFieldDefs
	} else {
		b.sub = SubstateDone
	}
}

func (b *ReplyBuilder) feedPrepareFieldDef(payload []byte) Result {
	if payload[0] == wiremysql.EOFHeader && !b.deprecateEOF() {
		b.sub = SubstateDone
		return Result{}
	}
	if b.deprecateEOF() {
		b.pendingFieldDefs--
		if b.pendingFieldDefs <= 0 {
			b.sub = SubstateDone
		}
	}
	return Result{}
}

// Done reports whether the current command's reply sequence is fully
// consumed.
func (b *ReplyBuilder) Done() bool { return b.sub == SubstateDone }

// Reset starts a fresh command's reply sequence.
func (b *ReplyBuilder) Reset() { b.sub = SubstateStart }
