// Package peer owns one socket's worth of WireMessage traffic: a single
// outbound send path serialized against concurrent callers, and a read
// loop that decodes frames and emits them as events in arrival order
// (spec.md §4.2).
package peer

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/computegrid/grid/internal/sockerr"
	"github.com/computegrid/grid/internal/wire"
)

// EventKind discriminates the Session event stream.
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	Packet
	Error
)

// Event is the single type emitted on a Session's event channel.
type Event struct {
	Kind    EventKind
	Message wire.Message // set when Kind == Packet
	Err     sockerr.Kind // set when Kind == Error
	Cause   error        // underlying error, set when Kind == Error
}

// Session owns one net.Conn. Callers read Events() for the event stream
// and call Send to write. A Session is safe for concurrent Send calls
// from multiple goroutines; only one read loop ever runs.
type Session struct {
	// ID is the session's worker_id — the id given to New (the remote
	// address:port string for accepted sessions). It is never changed
	// after construction.
	ID string

	conn net.Conn

	writeMu sync.Mutex
	limiter *rate.Limiter
	events  chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps conn in a Session identified by id and starts its read loop.
// The caller must drain Events() until it closes.
func New(conn net.Conn, id string) *Session {
	s := &Session{
		ID:     id,
		conn:   conn,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	s.events <- Event{Kind: Connected}
	go s.readLoop()
	return s
}

// Events returns the session's event channel. It is closed after the
// final Disconnected event has been delivered.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SetLimiter installs a token-bucket limiter that Send acquires from
// before writing. nil (the default) means unlimited. Bounds how much of
// the router's attention one congested peer can consume without
// affecting the ordering guarantees of §5 — it sits entirely inside
// this call.
func (s *Session) SetLimiter(l *rate.Limiter) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.limiter = l
}

// Send writes msg to the underlying connection. Safe to call from any
// goroutine; writes are serialized internally. Returns the underlying
// write (or limiter) error unclassified; callers that want a
// sockerr.Kind pass it to sockerr.Classify themselves.
func (s *Session) Send(msg wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.limiter != nil {
		if err := s.limiter.Wait(context.Background()); err != nil {
			return err
		}
	}
	return wire.WriteMessage(s.conn, msg)
}

// Close tears down the underlying connection. Idempotent. It does not
// itself emit a Disconnected event — that always comes from the read
// loop observing EOF or a read error, per spec.md §4.6's "router does
// not proactively close the session" rule.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// RemoteAddr returns the underlying connection's remote address text
// form, used as the initial worker_id.
func RemoteAddr(conn net.Conn) string {
	return conn.RemoteAddr().String()
}

func (s *Session) readLoop() {
	dec := wire.NewDecoder(s.conn)
	for {
		msg, err := dec.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				if !isCleanClose(err) {
					s.events <- Event{Kind: Error, Err: sockerr.Classify(err), Cause: err}
				}
			}
			break
		}
		s.events <- Event{Kind: Packet, Message: msg}
	}
	s.conn.Close()
	s.events <- Event{Kind: Disconnected}
	close(s.events)
}

// isCleanClose reports whether err represents an ordinary EOF/closed-
// connection condition that should not be surfaced as an on_error event
// in addition to the Disconnected event that always follows it.
func isCleanClose(err error) bool {
	return errors.Is(err, wire.ErrConnectionClosed) || errors.Is(err, io.EOF)
}
