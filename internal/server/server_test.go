package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/computegrid/grid/internal/peer"
	"github.com/computegrid/grid/internal/wire"
)

func TestListenBindsEphemeralPort(t *testing.T) {
	s, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()
	if s.Addr().(*net.TCPAddr).Port == 0 {
		t.Fatal("expected a nonzero ephemeral port")
	}
}

func TestListenBindErrorOnBadAddr(t *testing.T) {
	_, err := Listen("not-an-address")
	if err == nil {
		t.Fatal("expected bind error")
	}
	if _, ok := err.(*BindError); !ok {
		t.Fatalf("got %T, want *BindError", err)
	}
}

func TestServeAcceptsAndRegisters(t *testing.T) {
	s, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var sess *peer.Session
	select {
	case sess = <-s.Accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted session")
	}

	if _, ok := s.registered(sess.ID); !ok {
		t.Fatal("expected session registered in live set")
	}

	if err := wire.WriteMessage(conn, wire.NewMessage(wire.Heartbeat, []byte{0, 0, 0, 0, 0, 0, 0, 1})); err != nil {
		t.Fatalf("write: %v", err)
	}

	for ev := range sess.Events() {
		if ev.Kind == peer.Packet {
			return
		}
	}
	t.Fatal("never observed packet event")
}

func TestForgetRemovesSession(t *testing.T) {
	s, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	sess := <-s.Accepted
	s.Forget(sess.ID)
	if _, ok := s.registered(sess.ID); ok {
		t.Fatal("expected session to be forgotten")
	}
}

// registered reports whether id is still in the live set. Test-only:
// production code never needs to query the live set by id, it tracks
// its own bookkeeping (see internal/router.sessionRecord).
func (s *Server) registered(id string) (*peer.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}
