package peer

import (
	"net"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/computegrid/grid/internal/wire"
)

func pipe(t *testing.T) (a, b net.Conn) {
	t.Helper()
	a, b = net.Pipe()
	return a, b
}

func TestSessionEmitsConnectedThenPacket(t *testing.T) {
	a, b := pipe(t)
	defer a.Close()
	defer b.Close()

	s := New(a, "w1")
	defer s.Close()

	go wire.WriteMessage(b, wire.NewMessage(wire.Heartbeat, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	ev := <-s.Events()
	if ev.Kind != Connected {
		t.Fatalf("first event kind = %v, want Connected", ev.Kind)
	}

	select {
	case ev := <-s.Events():
		if ev.Kind != Packet || ev.Message.Type != wire.Heartbeat {
			t.Fatalf("got %+v, want Heartbeat packet", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet event")
	}
}

func TestSessionEmitsDisconnectedOnRemoteClose(t *testing.T) {
	a, b := pipe(t)
	defer a.Close()

	s := New(a, "w1")

	<-s.Events() // Connected
	b.Close()

	for ev := range s.Events() {
		if ev.Kind == Disconnected {
			return
		}
	}
	t.Fatal("event channel closed without a Disconnected event")
}

func TestSessionSendWritesFrame(t *testing.T) {
	a, b := pipe(t)
	defer a.Close()
	defer b.Close()

	s := New(a, "w1")
	defer s.Close()
	<-s.Events() // Connected

	go func() {
		s.Send(wire.NewMessage(wire.WorkerData, []byte("payload")))
	}()

	dec := wire.NewDecoder(b)
	msg, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != wire.WorkerData || string(msg.Payload) != "payload" {
		t.Fatalf("got %+v", msg)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	a, _ := pipe(t)
	s := New(a, "w1")
	<-s.Events()
	s.Close()
	s.Close()
}

func TestSendRespectsLimiter(t *testing.T) {
	a, b := pipe(t)
	defer a.Close()
	defer b.Close()

	s := New(a, "w1")
	defer s.Close()
	<-s.Events() // Connected

	s.SetLimiter(rate.NewLimiter(rate.Every(time.Hour), 1))

	go s.Send(wire.NewMessage(wire.Heartbeat, []byte("x")))
	go s.Send(wire.NewMessage(wire.Heartbeat, []byte("y")))

	dec := wire.NewDecoder(b)
	if _, err := dec.ReadMessage(); err != nil {
		t.Fatalf("first ReadMessage: %v", err)
	}

	readDone := make(chan struct{})
	go func() {
		dec.ReadMessage()
		close(readDone)
	}()

	select {
	case <-readDone:
		t.Fatal("second send completed despite exhausted limiter burst")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRemoteAddrUsesConnText(t *testing.T) {
	a, b := pipe(t)
	defer a.Close()
	defer b.Close()
	if RemoteAddr(a) == "" {
		t.Fatal("expected non-empty remote addr text")
	}
}
