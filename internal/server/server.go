// Package server implements the Manager-side TCP acceptor: it binds a
// listening port, accepts inbound Worker connections, and wraps each one
// in a peer.Session registered in a live set keyed by worker_id
// (spec.md §4.3).
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/computegrid/grid/internal/peer"
)

// DefaultPort is the Manager's default listening port.
const DefaultPort = 45678

// BindError wraps a failure to bind the listening port. It is fatal for
// the server — the caller logs it and awaits an operator restart.
type BindError struct{ Err error }

func (e *BindError) Error() string { return fmt.Sprintf("server: bind error: %v", e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// Server accepts connections on a TCP port and hands each off as a new
// peer.Session via the Accepted channel.
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	sessions map[string]*peer.Session

	// Accepted delivers each newly accepted session. Serve has already
	// registered it in the live set; the receiver is responsible for
	// draining its Events() channel.
	Accepted chan *peer.Session
}

// Listen binds addr (host:port, empty host for all interfaces) and
// returns a Server ready to Serve. Bind failure is reported as
// *BindError.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Err: err}
	}
	return &Server{
		ln:       ln,
		sessions: make(map[string]*peer.Session),
		Accepted: make(chan *peer.Session, 16),
	}, nil
}

// Addr returns the bound listener's address, useful when addr was
// passed with a ":0" port for tests.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. It never returns nil; on clean shutdown it returns ctx.Err().
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		id := peer.RemoteAddr(conn)
		sess := peer.New(conn, id)

		s.mu.Lock()
		s.sessions[id] = sess
		s.mu.Unlock()

		s.Accepted <- sess
	}
}

// Forget removes id from the live set. Callers call this once a
// session's Disconnected event has been observed.
func (s *Server) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Close closes the listener and every live session.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.Close()
	}
}
