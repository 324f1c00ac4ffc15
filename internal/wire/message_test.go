package wire

import (
	"bytes"
	"io"
	"reflect"
	"testing"
)

func TestStringListRoundTrip(t *testing.T) {
	cases := [][]string{
		nil,
		{},
		{"a"},
		{"10.0.0.5:45678", "8"},
		{"worker-id", "foo", "bar"},
		{"unicode: héllo 世界"},
		{""},
	}
	for _, args := range cases {
		encoded := EncodeStrings(args)
		decoded, err := DecodeStrings(encoded)
		if err != nil {
			t.Fatalf("DecodeStrings(%q): %v", args, err)
		}
		if len(args) == 0 && len(decoded) == 0 {
			continue
		}
		if !reflect.DeepEqual(decoded, args) {
			t.Fatalf("round trip mismatch: got %q, want %q", decoded, args)
		}
	}
}

func TestDecodeStringsTruncated(t *testing.T) {
	if _, err := DecodeStrings([]byte{0, 0}); err == nil {
		t.Fatal("expected error on truncated count")
	}
	if _, err := DecodeStrings([]byte{0, 0, 0, 1}); err == nil {
		t.Fatal("expected error on missing entry length")
	}
}

func TestFramingRoundTrip(t *testing.T) {
	msgs := []Message{
		NewStringListMessage(GridWorkerReady, []string{"8"}),
		NewMessage(GridAttach, []byte{0, 1, 2, 3, 4, 5}),
		NewStringListMessage(WorkerData, []string{"127.0.0.1:1234", "foo", "bar"}),
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range msgs {
		got, err := dec.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage[%d]: %v", i, err)
		}
		if got.Kind != want.Kind || got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("message %d mismatch: got %+v, want %+v", i, got, want)
		}
	}
	if _, err := dec.ReadMessage(); err == nil {
		t.Fatal("expected EOF after last message")
	}
}

func TestFramingTolerateSegmentation(t *testing.T) {
	msg := NewStringListMessage(WorkerData, []string{"w1", "payload-chunk"})
	full := Encode(msg)

	pr, pw := byteChunkPipe(full, 3)
	dec := NewDecoder(pr)
	got, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Type != msg.Type || !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("mismatch after segmented read: got %+v", got)
	}
	_ = pw
}

// byteChunkPipe feeds data to the returned reader n bytes at a time,
// simulating arbitrary TCP segmentation.
func byteChunkPipe(data []byte, chunk int) (*chunkedReader, *bytes.Buffer) {
	buf := bytes.NewBuffer(nil)
	return &chunkedReader{data: data, chunk: chunk}, buf
}

type chunkedReader struct {
	data  []byte
	chunk int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestDecodeNegativeLengthRejected(t *testing.T) {
	// A length field with the high bit set decodes as a huge uint32, which
	// must be rejected rather than attempting a giant allocation.
	header := []byte{byte(KindData), 0, byte(WorkerData), 0xFF, 0xFF, 0xFF, 0xFF}
	dec := NewDecoder(bytes.NewReader(header))
	if _, err := dec.ReadMessage(); err == nil {
		t.Fatal("expected ProtocolError for absurd length")
	}
}

func TestDecodeMidFrameEOF(t *testing.T) {
	full := Encode(NewMessage(Log, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	truncated := full[:len(full)-3]
	dec := NewDecoder(bytes.NewReader(truncated))
	_, err := dec.ReadMessage()
	if err != ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
