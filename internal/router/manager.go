package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/computegrid/grid/internal/archive"
	"github.com/computegrid/grid/internal/audit"
	"github.com/computegrid/grid/internal/childproc"
	"github.com/computegrid/grid/internal/config"
	"github.com/computegrid/grid/internal/logger"
	"github.com/computegrid/grid/internal/peer"
	"github.com/computegrid/grid/internal/proccmd"
	"github.com/computegrid/grid/internal/server"
	"github.com/computegrid/grid/internal/wire"
)

// managerEventKind discriminates the Manager router's single-writer
// event queue, which fans in the Manager role's event sources: peer
// events (Source A of spec.md §4.6), manager child lines, start and exit
// (Source C), and heartbeat ticks.
type managerEventKind int

const (
	mgrEvPeer managerEventKind = iota
	mgrEvChildLine
	mgrEvChildStarted
	mgrEvChildFinished
	mgrEvHeartbeatTick
)

type managerEvent struct {
	kind managerEventKind

	sessionID string
	peerEvt   peer.Event

	line string

	exitCode   int
	exitStatus childproc.ExitStatus
}

// sessionRecord is the Manager's bookkeeping for one live peer,
// indexed by the session's accept-time id (remote address:port), which
// this system never renames (spec.md §4.3: "for this system the two
// coincide"). It embeds WorkerEntry, the shared record shape from
// state.go, adding the live peer.Session handle.
type sessionRecord struct {
	sess *peer.Session
	WorkerEntry
	state SessionState
}

// ManagerRouter is the Manager-side router: the single goroutine that
// owns the live-worker map and serializes peer, child and heartbeat
// events into one arrival-ordered stream (spec.md §4.6, §5).
type ManagerRouter struct {
	cfg       config.Config
	srv       *server.Server
	installer *archive.Installer
	child     *childproc.Supervisor
	trail     *audit.Trail

	rateLimit rate.Limit // per-peer send rate; rateBurst == 0 means unlimited
	rateBurst int

	mu       sync.Mutex
	sessions map[string]*sessionRecord

	events chan managerEvent
}

// NewManagerRouter wires a router around an already-bound server, an
// archive installer holding the worker payload to ship on attach, and a
// supervised manager child process. The caller must call Run in its own
// goroutine and Pump to start accepting sessions.
func NewManagerRouter(cfg config.Config, srv *server.Server, installer *archive.Installer, child *childproc.Supervisor, trail *audit.Trail) *ManagerRouter {
	r := &ManagerRouter{
		cfg:       cfg,
		srv:       srv,
		installer: installer,
		child:     child,
		trail:     trail,
		sessions:  make(map[string]*sessionRecord),
		events:    make(chan managerEvent, 256),
	}

	child.OnStarted = func() {
		r.events <- managerEvent{kind: mgrEvChildStarted}
	}
	child.OnLine = func(text string) {
		r.events <- managerEvent{kind: mgrEvChildLine, line: text}
	}
	child.OnFinished = func(code int, status childproc.ExitStatus) {
		r.events <- managerEvent{kind: mgrEvChildFinished, exitCode: code, exitStatus: status}
	}

	return r
}

// Pump drains srv.Accepted, registering each new session and forwarding
// its events into the router queue, until ctx is cancelled.
func (r *ManagerRouter) Pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sess, ok := <-r.srv.Accepted:
			if !ok {
				return
			}
			r.registerSession(sess)
			go r.pumpSession(sess)
		}
	}
}

// SetRateLimit installs a per-peer send-rate cap (SPEC_FULL §5
// addition) applied to every session registered from this point on.
// burst == 0 (the default) leaves sends unlimited.
func (r *ManagerRouter) SetRateLimit(limit rate.Limit, burst int) {
	r.mu.Lock()
	r.rateLimit, r.rateBurst = limit, burst
	r.mu.Unlock()
}

func (r *ManagerRouter) registerSession(sess *peer.Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = &sessionRecord{sess: sess, state: StateConnecting, WorkerEntry: WorkerEntry{WorkerID: sess.ID}}
	burst := r.rateBurst
	limit := r.rateLimit
	r.mu.Unlock()

	if burst > 0 {
		sess.SetLimiter(rate.NewLimiter(limit, burst))
	}
}

func (r *ManagerRouter) pumpSession(sess *peer.Session) {
	id := sess.ID
	for ev := range sess.Events() {
		r.events <- managerEvent{kind: mgrEvPeer, sessionID: id, peerEvt: ev}
	}
}

// Heartbeat starts the keep-alive ticker described in spec.md §4.7. It
// runs until ctx is cancelled.
func (r *ManagerRouter) Heartbeat(ctx context.Context) {
	t := time.NewTicker(r.cfg.KeepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.events <- managerEvent{kind: mgrEvHeartbeatTick}
		}
	}
}

// Run consumes the event queue until ctx is cancelled or the channel is
// closed. This is the single writer that owns all mutable routing
// state; it must run on exactly one goroutine.
func (r *ManagerRouter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

func (r *ManagerRouter) handle(ev managerEvent) {
	switch ev.kind {
	case mgrEvPeer:
		r.handlePeerEvent(ev.sessionID, ev.peerEvt)
	case mgrEvChildLine:
		r.handleChildLine(ev.line)
	case mgrEvChildStarted:
		logger.Info("manager child started")
		r.recordAudit("", audit.ChildStarted, "")
	case mgrEvChildFinished:
		r.handleChildFinished(ev.exitCode, ev.exitStatus)
	case mgrEvHeartbeatTick:
		r.broadcastHeartbeat()
	}
}

// handlePeerEvent implements spec.md §4.6 Source A.
func (r *ManagerRouter) handlePeerEvent(workerID string, ev peer.Event) {
	switch ev.Kind {
	case peer.Connected:
		r.mu.Lock()
		rec, ok := r.sessions[workerID]
		if ok {
			rec.state = StateAttached
		}
		r.mu.Unlock()
		if !ok {
			return
		}
		if bytes, cached := r.installer.Cached(archive.Worker); cached {
			if err := rec.sess.Send(wire.NewMessage(wire.GridAttach, bytes)); err != nil {
				logger.Warn("send GRID_ATTACH failed", "worker_id", workerID, "err", err)
			}
		}

	case peer.Disconnected:
		r.mu.Lock()
		delete(r.sessions, workerID)
		r.mu.Unlock()
		r.srv.Forget(workerID)
		r.sendChildLine(proccmd.Encode(proccmd.WorkerOut, workerID))
		r.recordAudit(workerID, audit.Left, "")

	case peer.Packet:
		r.handlePeerPacket(workerID, ev.Message)

	case peer.Error:
		logger.Warn("peer socket error", "worker_id", workerID, "kind", ev.Err.String(), "err", ev.Cause)
	}
}

func (r *ManagerRouter) handlePeerPacket(workerID string, msg wire.Message) {
	switch msg.Type {
	case wire.GridWorkerReady:
		args, err := wire.DecodeStrings(msg.Payload)
		if err != nil || len(args) < 1 {
			logger.Warn("malformed GRID_WORKER_READY", "worker_id", workerID)
			return
		}
		threadCount, _ := strconv.Atoi(args[0])

		r.mu.Lock()
		if rec, ok := r.sessions[workerID]; ok {
			rec.state = StateReady
			rec.ThreadCapacity = threadCount
			rec.LastSeen = time.Now()
		}
		r.mu.Unlock()

		r.sendChildLine(proccmd.Encode(proccmd.WorkerIn, workerID, args[0]))
		r.recordAudit(workerID, audit.Joined, fmt.Sprintf("threads=%d", threadCount))

	case wire.WorkerData:
		args, err := wire.DecodeStrings(msg.Payload)
		if err != nil {
			logger.Warn("malformed WORKER_DATA", "worker_id", workerID)
			return
		}
		r.sendChildLine(proccmd.Encode(proccmd.WorkerData, append([]string{workerID}, args...)...))

	case wire.WorkerExit:
		args, err := wire.DecodeStrings(msg.Payload)
		if err != nil {
			logger.Warn("malformed WORKER_EXIT", "worker_id", workerID)
			return
		}
		r.sendChildLine(proccmd.Encode(proccmd.WorkerExit, append([]string{workerID}, args...)...))

	case wire.Log:
		args, err := wire.DecodeStrings(msg.Payload)
		if err != nil || len(args) < 3 {
			logger.Warn("malformed LOG packet", "worker_id", workerID)
			return
		}
		srcN, _ := strconv.Atoi(args[0])
		typN, _ := strconv.Atoi(args[1])
		logger.Emit(logger.Source(srcN), logger.Type(typN), workerID, args[2])

	default:
		logger.Warn("unknown packet type from peer", "worker_id", workerID, "type_id", uint16(msg.Type))
	}
}

// handleChildLine implements spec.md §4.6 Source C.
func (r *ManagerRouter) handleChildLine(line string) {
	cmd, ok := proccmd.Parse(line)
	if !ok {
		logger.Warn("malformed manager child line", "line", line)
		return
	}

	switch cmd.Mnemonic {
	case proccmd.WorkerData:
		r.forwardToWorker(wire.WorkerData, cmd.Args)
	case proccmd.WorkerExit:
		r.forwardToWorker(wire.WorkerExit, cmd.Args)
	case proccmd.Log:
		if len(cmd.Args) < 3 {
			logger.Warn("malformed log command from manager child", "args", cmd.Args)
			return
		}
		srcN, _ := strconv.Atoi(cmd.Args[0])
		typN, _ := strconv.Atoi(cmd.Args[1])
		logger.Emit(logger.Source(srcN), logger.Type(typN), "", cmd.Args[2])
	case proccmd.StatusMessage:
		if len(cmd.Args) > 0 {
			logger.Info("manager status", "message", cmd.Args[0])
		}
	default:
		logger.Warn("unexpected mnemonic from manager child", "mnemonic", string(cmd.Mnemonic))
	}
}

// forwardToWorker sends args (whose first element is the target
// worker_id) as a WireMessage to that worker's peer session, with the
// full argument list — worker_id included — as payload, matching the
// source framework's manager-side forwarding.
func (r *ManagerRouter) forwardToWorker(t wire.DataPacketType, args []string) {
	if len(args) < 1 {
		logger.Error("child command missing worker_id", "type", t.String())
		return
	}
	workerID := args[0]

	r.mu.Lock()
	rec, ok := r.sessions[workerID]
	r.mu.Unlock()
	if !ok {
		logger.Error("no such peer for child command", "worker_id", workerID, "type", t.String())
		return
	}

	if err := rec.sess.Send(wire.NewStringListMessage(t, args)); err != nil {
		logger.Warn("send to peer failed", "worker_id", workerID, "err", err)
	}
}

// handleChildFinished implements the crash-broadcast half of spec.md
// §4.6's failure semantics: only a CRASH exit synthesizes a WORKER_EXIT
// to every live peer (a NORMAL exit is logged only).
func (r *ManagerRouter) handleChildFinished(exitCode int, status childproc.ExitStatus) {
	logger.Info("manager child exited", "exit_code", exitCode, "status", status.String())
	r.recordAudit("", audit.ChildExited, fmt.Sprintf("exit_code=%d status=%s", exitCode, status.String()))
	if status != childproc.Crash {
		return
	}

	r.mu.Lock()
	recs := make(map[string]*sessionRecord, len(r.sessions))
	for id, rec := range r.sessions {
		recs[id] = rec
	}
	r.mu.Unlock()

	for id, rec := range recs {
		msg := wire.NewStringListMessage(wire.WorkerExit, []string{id})
		if err := rec.sess.Send(msg); err != nil {
			logger.Warn("broadcast WORKER_EXIT on child crash failed", "worker_id", id, "err", err)
		}
	}
}

func (r *ManagerRouter) broadcastHeartbeat() {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := wire.NewStringListMessage(wire.Heartbeat, []string{ts})

	r.mu.Lock()
	recs := make([]*sessionRecord, 0, len(r.sessions))
	for _, rec := range r.sessions {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	for _, rec := range recs {
		if err := rec.sess.Send(msg); err != nil {
			logger.Warn("heartbeat send failed", "err", err)
		}
	}
}

// sendChildLine writes a ProcessCommand line to the manager child.
// proccmd.Encode already appends the trailing newline that WriteLine
// adds again, so it is trimmed here.
func (r *ManagerRouter) sendChildLine(line string) {
	r.child.WriteLine(strings.TrimSuffix(line, "\n"))
}

func (r *ManagerRouter) recordAudit(workerID string, kind audit.Kind, detail string) {
	if r.trail == nil {
		return
	}
	if err := r.trail.Record(audit.Event{Timestamp: time.Now(), WorkerID: workerID, Kind: kind, Detail: detail}); err != nil {
		logger.Warn("audit record failed", "err", err)
	}
}
