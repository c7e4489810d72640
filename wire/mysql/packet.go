package mysql

import (
	"bufio"
	"fmt"
	"io"
)

// Packet is one logical MariaDB packet. A logical packet may be assembled
// from several physical fragments when the payload is >= MaxPayload bytes;
// IsMultiPart reports whether this Packet was assembled from more than one
// physical fragment. ReadPacket consumes fragments up to and including the
// terminating one, so no further fragment of the same logical packet follows.
type Packet struct {
	Sequence    byte
	Payload     []byte
	IsMultiPart bool
}

// Command returns the first payload byte (the command byte) for packets
// read during the routing phase. Continuation fragments must not call this:
// per spec.md §4.4 "the command byte for the continuation is not the command
// byte".
func (p *Packet) Command() byte {
	if len(p.Payload) == 0 {
		return 0
	}
	return p.Payload[0]
}

// Body returns the payload after the command byte.
func (p *Packet) Body() []byte {
	if len(p.Payload) < 1 {
		return nil
	}
	return p.Payload[1:]
}

// Reader reads logical MariaDB packets off a byte stream, transparently
// stitching together >=16MiB payloads split across multiple physical
// fragments (spec.md §4.1).
type Reader struct {
	r   *bufio.Reader
	seq byte
}

// NewReader wraps r for logical-packet reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 16*1024)}
}

// ReadPacket reads one logical packet, concatenating continuation
// fragments (those whose payload length equals MaxPayload) until a
// terminating fragment (payload length < MaxPayload) is read.
func (pr *Reader) ReadPacket() (*Packet, error) {
	var payload []byte
	var lastSeq byte
	var wasContinued bool
	for {
		hdr := make([]byte, HeaderSize)
		if _, err := io.ReadFull(pr.r, hdr); err != nil {
			return nil, err
		}
		length, seq := DecodeHeader(hdr)
		lastSeq = seq
		frag := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(pr.r, frag); err != nil {
				return nil, err
			}
		}
		payload = append(payload, frag...)
		if length == MaxPayload {
			wasContinued = true
			continue
		}
		break
	}
	return &Packet{Sequence: lastSeq, Payload: payload, IsMultiPart: wasContinued}, nil
}

// WritePacket writes payload as one or more physical fragments, splitting
// at MaxPayload boundaries and incrementing the sequence number for each
// fragment (required even when a single logical packet spans many wire
// packets, since sequence numbers count physical packets).
func WritePacket(w io.Writer, payload []byte, seq *byte) error {
	for {
		n := len(payload)
		if n > MaxPayload {
			n = MaxPayload
		}
		if _, err := w.Write(EncodeHeader(n, *seq)); err != nil {
			return fmt.Errorf("mysql: write header: %w", err)
		}
		if n > 0 {
			if _, err := w.Write(payload[:n]); err != nil {
				return fmt.Errorf("mysql: write payload: %w", err)
			}
		}
		*seq++
		payload = payload[n:]
		if n < MaxPayload {
			return nil
		}
		// A fragment exactly MaxPayload long must be followed by a
		// (possibly empty) terminator fragment.
		if len(payload) == 0 {
			if _, err := w.Write(EncodeHeader(0, *seq)); err != nil {
				return err
			}
			*seq++
			return nil
		}
	}
}
