package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolError is returned when a frame or payload is structurally
// malformed. A payload-level ProtocolError (from DecodeStrings) is logged
// and the packet dropped by the router, and the session stays open. A
// frame-level ProtocolError (from Decoder.ReadMessage) ends the peer
// session's read loop: the session reports an Error event followed by
// Disconnected and closes its connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// ErrConnectionClosed is returned by Decoder.ReadMessage when the stream ends mid-frame,
// as opposed to a clean EOF between frames (which is reported as io.EOF).
var ErrConnectionClosed = errors.New("wire: connection closed mid-frame")

// maxPayloadLen bounds a single frame's payload to guard against a corrupt
// or hostile length prefix causing an unbounded allocation. The largest
// legitimate payload is a worker archive; this ceiling is generous for that
// and still well short of exhausting a normal host's memory.
const maxPayloadLen = 256 << 20 // 256 MiB

const headerLen = 1 + 2 + 4 // kind:u8 + type_id:u16 + payload_len:u32

// Encode renders msg as its on-wire byte representation. Deterministic:
// identical input always produces identical output.
func Encode(msg Message) []byte {
	out := make([]byte, headerLen+len(msg.Payload))
	out[0] = byte(msg.Kind)
	binary.BigEndian.PutUint16(out[1:3], uint16(msg.Type))
	binary.BigEndian.PutUint32(out[3:7], uint32(len(msg.Payload)))
	copy(out[headerLen:], msg.Payload)
	return out
}

// WriteMessage encodes and writes msg to w in one call.
func WriteMessage(w io.Writer, msg Message) error {
	_, err := w.Write(Encode(msg))
	return err
}

// Decoder reads a sequence of WireMessages from a stream. It tolerates
// arbitrary TCP segmentation: ReadMessage only returns once a complete
// frame (header + payload) has been accumulated.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for frame-at-a-time decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadMessage blocks until one full frame is available, EOF is reached
// (returns io.EOF with a zero Message), or the stream is malformed or
// closed mid-frame.
func (d *Decoder) ReadMessage() (Message, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrConnectionClosed
		}
		return Message{}, err
	}

	kind := Kind(header[0])
	typeID := DataPacketType(binary.BigEndian.Uint16(header[1:3]))
	length := binary.BigEndian.Uint32(header[3:7])

	if length > maxPayloadLen {
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("payload length %d exceeds maximum %d", length, maxPayloadLen)}
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(d.r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Message{}, ErrConnectionClosed
			}
			return Message{}, err
		}
	}

	return Message{Kind: kind, Type: typeID, Payload: payload}, nil
}
