package router

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/computegrid/grid/internal/archive"
	"github.com/computegrid/grid/internal/childproc"
	"github.com/computegrid/grid/internal/config"
	"github.com/computegrid/grid/internal/logger"
	"github.com/computegrid/grid/internal/peer"
	"github.com/computegrid/grid/internal/proccmd"
	"github.com/computegrid/grid/internal/wire"
)

type workerEventKind int

const (
	wkEvPeer workerEventKind = iota
	wkEvChildLine
	wkEvChildFinished
	wkEvLivenessTick
)

type workerEvent struct {
	kind workerEventKind

	peerEvt peer.Event

	line string

	exitCode   int
	exitStatus childproc.ExitStatus
}

// WorkerRouter is the Worker-side router: dials the Manager, maintains
// the attach/ready state machine of spec.md §4.6 Source B, supervises
// the worker child of Source D, and owns the reconnect policy of §4.8
// and the liveness timer of §4.7.
type WorkerRouter struct {
	cfg         config.Config
	addr        string
	installer   *archive.Installer
	child       *childproc.Supervisor
	threadCount int

	mu    sync.Mutex
	sess  *peer.Session
	state SessionState
	alive bool

	events chan workerEvent
}

// NewWorkerRouter wires a router that dials addr (the Manager's
// host:port) and supervises a worker child process installed under
// installer's data directory. threadCount is the ideal_thread_count
// reported in GRID_WORKER_READY; 0 defaults to runtime.NumCPU().
func NewWorkerRouter(cfg config.Config, addr string, installer *archive.Installer, child *childproc.Supervisor, threadCount int) *WorkerRouter {
	if threadCount <= 0 {
		threadCount = runtime.NumCPU()
	}

	r := &WorkerRouter{
		cfg:         cfg,
		addr:        addr,
		installer:   installer,
		child:       child,
		threadCount: threadCount,
		events:      make(chan workerEvent, 256),
	}

	child.OnLine = func(text string) {
		r.events <- workerEvent{kind: wkEvChildLine, line: text}
	}
	child.OnFinished = func(code int, status childproc.ExitStatus) {
		r.events <- workerEvent{kind: wkEvChildFinished, exitCode: code, exitStatus: status}
	}

	return r
}

// Run consumes the event queue until ctx is cancelled. The single
// writer that owns all mutable routing state; run on exactly one
// goroutine.
func (r *WorkerRouter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

// ConnectLoop implements spec.md §4.8: dial with ConnectTimeOut; on
// failure or disconnect, wait ReconnectTimeOut and retry. No backoff
// escalation, no attempt cap — it retries until ctx is cancelled.
func (r *WorkerRouter) ConnectLoop(ctx context.Context) {
	for ctx.Err() == nil {
		conn, err := net.DialTimeout("tcp", r.addr, r.cfg.ConnectTimeOut)
		if err != nil {
			logger.Warn("worker connect failed", "addr", r.addr, "err", err)
			if !sleepCtx(ctx, r.cfg.ReconnectTimeOut) {
				return
			}
			continue
		}

		sess := peer.New(conn, r.addr)
		r.mu.Lock()
		r.sess = sess
		r.alive = true
		r.state = StateConnecting
		r.mu.Unlock()

		done := make(chan struct{})
		go r.pumpSession(sess, done)

		select {
		case <-done:
		case <-ctx.Done():
			sess.Close()
			<-done
			return
		}

		if !sleepCtx(ctx, r.cfg.ReconnectTimeOut) {
			return
		}
	}
}

// LivenessLoop implements the Worker half of spec.md §4.7: a two-tick
// timeout on the liveness flag, re-asserted by any received packet.
func (r *WorkerRouter) LivenessLoop(ctx context.Context) {
	t := time.NewTicker(r.cfg.KeepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.events <- workerEvent{kind: wkEvLivenessTick}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (r *WorkerRouter) pumpSession(sess *peer.Session, done chan struct{}) {
	for ev := range sess.Events() {
		r.events <- workerEvent{kind: wkEvPeer, peerEvt: ev}
	}
	close(done)
}

func (r *WorkerRouter) currentSession() *peer.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

func (r *WorkerRouter) handle(ev workerEvent) {
	switch ev.kind {
	case wkEvPeer:
		r.handlePeerEvent(ev.peerEvt)
	case wkEvChildLine:
		r.handleChildLine(ev.line)
	case wkEvChildFinished:
		r.handleChildFinished(ev.exitCode, ev.exitStatus)
	case wkEvLivenessTick:
		r.handleLivenessTick()
	}
}

// handlePeerEvent implements spec.md §4.6 Source B.
func (r *WorkerRouter) handlePeerEvent(ev peer.Event) {
	switch ev.Kind {
	case peer.Connected:
		r.mu.Lock()
		r.state = StateAttached
		r.alive = true
		r.mu.Unlock()

	case peer.Packet:
		r.mu.Lock()
		r.alive = true
		r.mu.Unlock()
		r.handlePeerPacket(ev.Message)

	case peer.Disconnected:
		r.handleDisconnected()

	case peer.Error:
		logger.Warn("peer socket error", "kind", ev.Err.String(), "err", ev.Cause)
	}
}

func (r *WorkerRouter) handlePeerPacket(msg wire.Message) {
	switch msg.Type {
	case wire.Heartbeat:
		// liveness flag already reasserted by the caller.

	case wire.GridAttach:
		r.handleGridAttach(msg.Payload)

	case wire.WorkerData:
		args, err := wire.DecodeStrings(msg.Payload)
		if err != nil || len(args) < 1 {
			logger.Warn("malformed WORKER_DATA from manager")
			return
		}
		r.sendChildLine(proccmd.Encode(proccmd.WorkerData, args[1:]...))

	case wire.WorkerExit:
		args, err := wire.DecodeStrings(msg.Payload)
		if err != nil || len(args) < 1 {
			logger.Warn("malformed WORKER_EXIT from manager")
			return
		}
		r.sendChildLine(proccmd.Encode(proccmd.WorkerExit, args[1:]...))

	default:
		logger.Warn("unknown packet type from manager", "type_id", uint16(msg.Type))
	}
}

// handleGridAttach installs the archive carried by GRID_ATTACH, starts
// the worker child, and on success replies with GRID_WORKER_READY. Any
// failure along the way is reported as a LOG packet upstream in
// addition to a local log entry.
func (r *WorkerRouter) handleGridAttach(payload []byte) {
	if err := r.installer.Install(payload, archive.Worker); err != nil {
		r.replyError(fmt.Sprintf("install failed: %v", err))
		return
	}

	exePath := r.installer.ExecutablePath(archive.Worker)
	if err := r.child.Start(exePath, nil, filepath.Dir(exePath)); err != nil {
		r.replyError(fmt.Sprintf("start worker child failed: %v", err))
		return
	}

	r.mu.Lock()
	r.state = StateReady
	r.mu.Unlock()

	msg := wire.NewStringListMessage(wire.GridWorkerReady, []string{strconv.Itoa(r.threadCount)})
	if sess := r.currentSession(); sess != nil {
		if err := sess.Send(msg); err != nil {
			logger.Warn("send GRID_WORKER_READY failed", "err", err)
		}
	}
	logger.Info("worker joined grid", "threads", r.threadCount)
}

func (r *WorkerRouter) replyError(msg string) {
	logger.Emit(logger.SourceGridWorker, logger.TypeError, "", msg)
	if sess := r.currentSession(); sess != nil {
		payload := wire.EncodeStrings([]string{
			strconv.Itoa(int(logger.SourceGridWorker)),
			strconv.Itoa(int(logger.TypeError)),
			msg,
		})
		sess.Send(wire.NewMessage(wire.Log, payload))
	}
}

// handleDisconnected implements the disconnect half of Source B: stop
// the child (after telling it its peer is gone), and let ConnectLoop's
// own retry timer handle reconnection.
func (r *WorkerRouter) handleDisconnected() {
	r.mu.Lock()
	r.state = StateDisconnected
	r.sess = nil
	r.mu.Unlock()

	if r.child.Running() {
		r.sendChildLine(proccmd.Encode(proccmd.WorkerExit, "-1"))
	}
	r.child.Stop()
	logger.Info("worker left grid")
}

// handleLivenessTick implements the two-tick timeout of spec.md §4.7:
// if the flag is still false from the previous tick, force-disconnect;
// otherwise clear it for the next tick.
func (r *WorkerRouter) handleLivenessTick() {
	r.mu.Lock()
	sess := r.sess
	wasAlive := r.alive
	r.alive = false
	r.mu.Unlock()

	if sess == nil {
		return
	}
	if !wasAlive {
		logger.Warn("liveness timeout, forcing disconnect")
		sess.Close()
	}
}

// handleChildFinished reports the worker child's exit upstream as a
// WORKER_EXIT packet. This is the network emission spec.md §4.6 Source D
// defers from the 'wex' text line to "the process-finished event" —
// the child has already died by the time any such line could be
// parsed, so the supervisor's own exit notification is the only
// reliable signal. The payload carries no worker_id, matching the
// upward-packet convention; the Manager prepends its own known
// worker_id before forwarding to its child.
func (r *WorkerRouter) handleChildFinished(exitCode int, status childproc.ExitStatus) {
	logger.Info("worker child exited", "exit_code", exitCode, "status", status.String())

	sess := r.currentSession()
	if sess == nil {
		return
	}
	args := []string{strconv.Itoa(exitCode), strconv.Itoa(int(status))}
	if err := sess.Send(wire.NewStringListMessage(wire.WorkerExit, args)); err != nil {
		logger.Warn("send WORKER_EXIT failed", "err", err)
	}
}

// handleChildLine implements spec.md §4.6 Source D.
func (r *WorkerRouter) handleChildLine(line string) {
	cmd, ok := proccmd.Parse(line)
	if !ok {
		logger.Warn("malformed worker child line", "line", line)
		return
	}

	switch cmd.Mnemonic {
	case proccmd.WorkerData:
		if sess := r.currentSession(); sess != nil {
			if err := sess.Send(wire.NewStringListMessage(wire.WorkerData, cmd.Args)); err != nil {
				logger.Warn("send WORKER_DATA failed", "err", err)
			}
		}

	case proccmd.Log:
		if len(cmd.Args) < 3 {
			logger.Warn("malformed log command from worker child", "args", cmd.Args)
			return
		}
		srcN, _ := strconv.Atoi(cmd.Args[0])
		typN, _ := strconv.Atoi(cmd.Args[1])
		logger.Emit(logger.Source(srcN), logger.Type(typN), "", cmd.Args[2])
		if sess := r.currentSession(); sess != nil {
			sess.Send(wire.NewMessage(wire.Log, wire.EncodeStrings(cmd.Args)))
		}

	case proccmd.StatusMessage:
		if len(cmd.Args) > 0 {
			logger.Info("worker status", "message", cmd.Args[0])
		}

	case proccmd.WorkerExit:
		// No network emission in the current design: child exit is
		// observed via the process-finished event, not this line.

	default:
		logger.Warn("unexpected mnemonic from worker child", "mnemonic", string(cmd.Mnemonic))
	}
}

// sendChildLine writes a ProcessCommand line to the worker child.
// proccmd.Encode already appends the trailing newline that WriteLine
// adds again, so it is trimmed here.
func (r *WorkerRouter) sendChildLine(line string) {
	r.child.WriteLine(strings.TrimSuffix(line, "\n"))
}
