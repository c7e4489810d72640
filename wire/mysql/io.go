package mysql

import (
	"io"
)

// ReadPacket reads one logical MariaDB packet from r, transparently
// reassembling the 16MB-split continuation packets the wire format uses
// when a payload reaches MaxPayload (a trailing payload shorter than
// MaxPayload, including a zero-length one, ends the sequence). It returns
// the payload and the sequence number of the final physical packet read.
func ReadPacket(r io.Reader) (payload []byte, seq byte, err error) {
	for {
		header := make([]byte, HeaderSize)
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, 0, err
		}
		length, s := DecodeHeader(header)
		chunk := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, chunk); err != nil {
				return nil, 0, err
			}
		}
		payload = append(payload, chunk...)
		seq = s
		if length < MaxPayload {
			return payload, seq, nil
		}
	}
}

// WritePacket writes payload to w as one or more physical packets, using
// consecutive sequence numbers starting at seq, and returns the sequence
// number of the last physical packet written.
func WritePacket(w io.Writer, payload []byte, seq byte) (lastSeq byte, err error) {
	remaining := payload
	for {
		chunkLen := len(remaining)
		if chunkLen > MaxPayload {
			chunkLen = MaxPayload
		}
		chunk := remaining[:chunkLen]
		if _, err := w.Write(EncodeHeader(chunkLen, seq)); err != nil {
			return seq, err
		}
		if chunkLen > 0 {
			if _, err := w.Write(chunk); err != nil {
				return seq, err
			}
		}
		lastSeq = seq
		seq++
		remaining = remaining[chunkLen:]
		if chunkLen < MaxPayload {
			return lastSeq, nil
		}
	}
}
