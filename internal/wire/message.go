// Package wire implements the compute-grid's binary wire protocol: the
// WireMessage envelope, the DataPacketType catalog, and the length-prefixed
// string-list payload encoding shared by every multi-argument packet type.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Kind discriminates the top-level frame type. CONTROL is reserved for a
// future control channel; the current system only ever sends DATA.
type Kind uint8

const (
	KindData Kind = iota + 1
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindControl:
		return "CONTROL"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// DataPacketType is the numeric tag that discriminates a DATA payload.
// These values are persisted on the wire and must never be renumbered.
type DataPacketType uint16

const (
	// Heartbeat carries the manager's current wall-clock timestamp in ms.
	Heartbeat DataPacketType = iota + 1
	// GridAttach carries the raw bytes of the worker archive, M->W.
	GridAttach
	// GridWorkerReady carries [ideal_thread_count], W->M.
	GridWorkerReady
	// WorkerData carries [worker_id, arg1, ..., argN], M<->W.
	WorkerData
	// WorkerExit carries worker-exit arguments, M<->W.
	WorkerExit
	// Log carries [log_source, log_type, message], W->M.
	Log
)

func (t DataPacketType) String() string {
	switch t {
	case Heartbeat:
		return "HEARTBEAT"
	case GridAttach:
		return "GRID_ATTACH"
	case GridWorkerReady:
		return "GRID_WORKER_READY"
	case WorkerData:
		return "WORKER_DATA"
	case WorkerExit:
		return "WORKER_EXIT"
	case Log:
		return "LOG"
	default:
		return fmt.Sprintf("DataPacketType(%d)", uint16(t))
	}
}

// Message is one logical packet on the socket.
type Message struct {
	Kind    Kind
	Type    DataPacketType
	Payload []byte
}

// NewMessage builds a DATA message with a raw payload (e.g. GridAttach's
// archive bytes, or a pre-encoded string list from EncodeStrings).
func NewMessage(t DataPacketType, payload []byte) Message {
	return Message{Kind: KindData, Type: t, Payload: payload}
}

// NewStringListMessage builds a DATA message whose payload is the
// self-describing string-list encoding of args.
func NewStringListMessage(t DataPacketType, args []string) Message {
	return Message{Kind: KindData, Type: t, Payload: EncodeStrings(args)}
}

// EncodeStrings serializes a list of strings as
// [count:u32]([len:u32][utf16-bytes])*, big-endian, matching the source
// framework's QDataStream(QStringList) layout bit-exact.
func EncodeStrings(args []string) []byte {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(args)))
	buf.Write(countBuf[:])

	for _, s := range args {
		units := utf16.Encode([]rune(s))
		raw := make([]byte, len(units)*2)
		for i, u := range units {
			binary.BigEndian.PutUint16(raw[i*2:i*2+2], u)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		buf.Write(lenBuf[:])
		buf.Write(raw)
	}
	return buf.Bytes()
}

// DecodeStrings parses a payload produced by EncodeStrings. It returns
// ProtocolError on a truncated or otherwise malformed buffer.
func DecodeStrings(payload []byte) ([]string, error) {
	if len(payload) < 4 {
		return nil, &ProtocolError{Reason: "string list: truncated count"}
	}
	count := binary.BigEndian.Uint32(payload[:4])
	pos := 4

	// Guard against an absurd count causing an unbounded allocation from a
	// corrupt or hostile length prefix.
	if count > uint32(len(payload)) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("string list: implausible count %d", count)}
	}

	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(payload) {
			return nil, &ProtocolError{Reason: "string list: truncated entry length"}
		}
		n := binary.BigEndian.Uint32(payload[pos : pos+4])
		pos += 4
		if n%2 != 0 || pos+int(n) > len(payload) {
			return nil, &ProtocolError{Reason: "string list: truncated entry data"}
		}
		units := make([]uint16, n/2)
		for j := range units {
			units[j] = binary.BigEndian.Uint16(payload[pos+j*2 : pos+j*2+2])
		}
		pos += int(n)
		out = append(out, string(utf16.Decode(units)))
	}
	return out, nil
}
