// Package router implements the substrate's centerpiece: the single-
// writer event loop that translates between WireMessage packets and
// ProcessCommand lines, maintains per-worker bookkeeping, and drives the
// attach/ready/exit state machine shared by both roles (spec.md §4.6).
package router

import "time"

// SessionState is a peer session's position in the attach/ready
// lifecycle (spec.md §3 SessionState).
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateAttached
	StateReady
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAttached:
		return "ATTACHED"
	case StateReady:
		return "READY"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// WorkerEntry is the Manager-side bookkeeping record for one live
// worker (spec.md §3). ManagerRouter creates one, holding only WorkerID,
// for every accepted session, before any GRID_WORKER_READY; that packet
// fills in ThreadCapacity and LastSeen. The entry is removed on peer
// disconnect.
type WorkerEntry struct {
	WorkerID       string
	ThreadCapacity int
	LastSeen       time.Time
}
