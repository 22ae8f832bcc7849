// Package remote runs an interpreter in another process and controls it over
// a byte stream. The Engine type is the client half: it implements the same
// control surface as the in-process interpreter, translating each call into
// a wire command and each worker state event into a local subscription
// publish. Serve is the worker half. The two halves meet over any pair of
// reader/writer streams: a spawned child's stdio in production, an in-memory
// pipe in tests.
package remote

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/tapir/vm"
	"github.com/chazu/tapir/vm/wire"
)

var log = commonlog.GetLogger("tapir.remote")

// ErrEngineClosed is returned by calls made after Close, or after the
// transport failed.
var ErrEngineClosed = errors.New("remote: engine closed")

// frameWriter serializes envelope writes onto one stream.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) writeEnvelope(e *wire.Envelope) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return wire.WriteEnvelope(fw.w, e)
}

// Engine drives a remote interpreter. Commands issued before the worker's
// Ready are queued and flushed in order once it arrives, so callers can use
// the engine immediately after construction. Calls from a single goroutine
// reach the worker in call order.
type Engine struct {
	out *frameWriter
	hub *vm.StateHub

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan *wire.Reply
	queue   []*wire.Envelope
	ready   bool
	failed  error
	closed  bool
	state   vm.ExecutionState

	closer io.Closer
	proc   *exec.Cmd
}

var _ vm.Engine = (*Engine)(nil)

// NewEngine opens a session over an established transport. The hello is sent
// before NewEngine returns; the worker's Ready is awaited asynchronously.
func NewEngine(r io.Reader, w io.Writer) (*Engine, error) {
	e := &Engine{
		out:     &frameWriter{w: w},
		hub:     vm.NewStateHub(),
		pending: make(map[uint64]chan *wire.Reply),
	}
	payload, err := wire.MarshalHello(&wire.Hello{Protocol: wire.Protocol})
	if err != nil {
		return nil, fmt.Errorf("remote: marshal hello: %w", err)
	}
	if err := e.out.writeEnvelope(&wire.Envelope{Type: wire.TypeHello, Payload: payload}); err != nil {
		return nil, fmt.Errorf("remote: send hello: %w", err)
	}
	go e.readLoop(r)
	return e, nil
}

// readLoop dispatches everything the worker sends until the stream ends.
func (e *Engine) readLoop(r io.Reader) {
	for {
		env, err := wire.ReadEnvelope(r)
		if err != nil {
			e.fail(err)
			return
		}
		switch env.Type {
		case wire.TypeReady:
			ready, err := wire.UnmarshalReady(env.Payload)
			if err != nil {
				e.fail(err)
				return
			}
			if ready.Protocol != wire.Protocol {
				e.fail(fmt.Errorf("remote: protocol mismatch: worker speaks %d, client speaks %d", ready.Protocol, wire.Protocol))
				return
			}
			e.mu.Lock()
			e.ready = true
			queued := e.queue
			e.queue = nil
			e.mu.Unlock()
			for _, qe := range queued {
				if err := e.out.writeEnvelope(qe); err != nil {
					e.fail(fmt.Errorf("remote: flush queued command: %w", err))
					return
				}
			}
		case wire.TypeReply:
			reply, err := wire.UnmarshalReply(env.Payload)
			if err != nil {
				log.Errorf("dropping malformed reply: %v", err)
				continue
			}
			e.mu.Lock()
			ch, ok := e.pending[reply.Seq]
			delete(e.pending, reply.Seq)
			e.mu.Unlock()
			if ok {
				ch <- reply
			}
		case wire.TypeStateEvent:
			st, err := wire.UnmarshalState(env.Payload)
			if err != nil {
				log.Errorf("dropping malformed state event: %v", err)
				continue
			}
			e.mu.Lock()
			e.state = *st
			e.mu.Unlock()
			e.hub.Publish(*st)
		default:
			log.Warningf("ignoring unexpected message type %d", env.Type)
		}
	}
}

// fail ends the session: every pending and future call reports the error,
// and subscriber channels close.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.failed == nil {
		if e.closed {
			e.failed = ErrEngineClosed
		} else {
			e.failed = fmt.Errorf("remote: transport: %w", err)
		}
	}
	pend := e.pending
	e.pending = make(map[uint64]chan *wire.Reply)
	e.queue = nil
	e.mu.Unlock()
	for _, ch := range pend {
		close(ch)
	}
	e.hub.Close()
}

// call sends one command and waits for its reply. A closed reply channel
// means the transport died while the call was in flight.
func (e *Engine) call(cmd *wire.Command) (*wire.Reply, error) {
	payload, err := wire.MarshalCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("remote: marshal command: %w", err)
	}

	e.mu.Lock()
	if e.failed != nil {
		ferr := e.failed
		e.mu.Unlock()
		return nil, ferr
	}
	e.seq++
	seq := e.seq
	ch := make(chan *wire.Reply, 1)
	e.pending[seq] = ch
	env := &wire.Envelope{Type: wire.TypeCommand, Seq: seq, Payload: payload}
	queued := !e.ready
	if queued {
		e.queue = append(e.queue, env)
	}
	e.mu.Unlock()

	if !queued {
		if err := e.out.writeEnvelope(env); err != nil {
			e.mu.Lock()
			delete(e.pending, seq)
			ferr := e.failed
			e.mu.Unlock()
			if ferr != nil {
				return nil, ferr
			}
			return nil, fmt.Errorf("remote: send command: %w", err)
		}
	}

	reply, ok := <-ch
	if !ok {
		e.mu.Lock()
		ferr := e.failed
		e.mu.Unlock()
		if ferr == nil {
			ferr = ErrEngineClosed
		}
		return nil, ferr
	}
	return reply, nil
}

// exec runs a command whose reply carries nothing but a status.
func (e *Engine) exec(cmd *wire.Command) error {
	reply, err := e.call(cmd)
	if err != nil {
		return err
	}
	return wire.ErrorFor(reply.ErrCode, reply.Err)
}

// execLogged is exec for operations whose local counterpart has no error
// return. Failures still surface in the log.
func (e *Engine) execLogged(cmd *wire.Command) {
	if err := e.exec(cmd); err != nil {
		log.Errorf("command op %d: %v", cmd.Op, err)
	}
}

// ---------------------------------------------------------------------------
// Engine surface
// ---------------------------------------------------------------------------

// SetProgram replaces the worker's program text.
func (e *Engine) SetProgram(lines []string) {
	e.execLogged(&wire.Command{Op: wire.OpSetProgram, Lines: lines})
}

// SetTapeSize resizes the worker's tape.
func (e *Engine) SetTapeSize(n int) error {
	return e.exec(&wire.Command{Op: wire.OpSetTapeSize, Value: int64(n)})
}

// SetCellWidth switches the worker's cell width.
func (e *Engine) SetCellWidth(bits int) error {
	return e.exec(&wire.Command{Op: wire.OpSetCellWidth, Value: int64(bits)})
}

// SetLaneCount sets the worker's display lane count.
func (e *Engine) SetLaneCount(n int) error {
	return e.exec(&wire.Command{Op: wire.OpSetLaneCount, Value: int64(n)})
}

// SetIncrementStep sets the worker's '+' increment step.
func (e *Engine) SetIncrementStep(n int) error {
	return e.exec(&wire.Command{Op: wire.OpSetIncrementStep, Value: int64(n)})
}

// SetTurboYieldOps sets the worker's turbo batch size.
func (e *Engine) SetTurboYieldOps(n int) {
	e.execLogged(&wire.Command{Op: wire.OpSetTurboYieldOps, Value: int64(n)})
}

// Run starts a delayed run on the worker.
func (e *Engine) Run(delay time.Duration) error {
	return e.exec(&wire.Command{Op: wire.OpRun, DelayMicros: delay.Microseconds()})
}

// RunSmooth starts a smooth-delay run on the worker.
func (e *Engine) RunSmooth() error {
	return e.exec(&wire.Command{Op: wire.OpRunSmooth})
}

// RunImmediately starts an undelayed run on the worker.
func (e *Engine) RunImmediately() error {
	return e.exec(&wire.Command{Op: wire.OpRunImmediately})
}

// RunTurbo starts a turbo run on the worker.
func (e *Engine) RunTurbo() error {
	return e.exec(&wire.Command{Op: wire.OpRunTurbo})
}

// ResumeTurbo resumes a turbo run, keeping accumulated metrics.
func (e *Engine) ResumeTurbo() error {
	return e.exec(&wire.Command{Op: wire.OpResumeTurbo})
}

// RunFromPosition starts a delayed run at the given position.
func (e *Engine) RunFromPosition(pos vm.Position, delay time.Duration) error {
	return e.exec(&wire.Command{Op: wire.OpRunFromPosition, Pos: &pos, DelayMicros: delay.Microseconds()})
}

// Step executes a single instruction on the worker.
func (e *Engine) Step() error {
	return e.exec(&wire.Command{Op: wire.OpStep})
}

// StepToPosition steps the worker until it reaches the target position,
// pauses, or ends. The worker handles it off its command loop, so Pause and
// ProvideInput stay deliverable while this call is in flight.
func (e *Engine) StepToPosition(pos vm.Position) error {
	return e.exec(&wire.Command{Op: wire.OpStepToPosition, Pos: &pos})
}

// Pause suspends the worker's run.
func (e *Engine) Pause() error {
	return e.exec(&wire.Command{Op: wire.OpPause})
}

// Resume continues the worker's paused run.
func (e *Engine) Resume() error {
	return e.exec(&wire.Command{Op: wire.OpResume})
}

// Stop ends the worker's run.
func (e *Engine) Stop() error {
	return e.exec(&wire.Command{Op: wire.OpStop})
}

// Reset clears the worker's tape, output, and metrics.
func (e *Engine) Reset() {
	e.execLogged(&wire.Command{Op: wire.OpReset})
}

// ProvideInput feeds one rune to the worker's pending ',' instruction.
func (e *Engine) ProvideInput(ch rune) error {
	return e.exec(&wire.Command{Op: wire.OpProvideInput, Rune: ch})
}

// ToggleBreakpoint flips a breakpoint on the worker.
func (e *Engine) ToggleBreakpoint(pos vm.Position) {
	e.execLogged(&wire.Command{Op: wire.OpToggleBreakpoint, Pos: &pos})
}

// ToggleSourceBreakpoint flips a source-level breakpoint on the worker.
func (e *Engine) ToggleSourceBreakpoint(src vm.Position) error {
	return e.exec(&wire.Command{Op: wire.OpToggleSourceBreakpoint, Pos: &src})
}

// ClearBreakpoints removes every breakpoint on the worker.
func (e *Engine) ClearBreakpoints() {
	e.execLogged(&wire.Command{Op: wire.OpClearBreakpoints})
}

// SetSourceMap installs a source map on the worker. A nil table clears it.
func (e *Engine) SetSourceMap(table *vm.MapTable) {
	e.execLogged(&wire.Command{Op: wire.OpSetSourceMap, SourceMap: table})
}

// State returns the last state event received from the worker. It does not
// block; use SyncState for a round trip.
func (e *Engine) State() vm.ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SyncState fetches the worker's current state and refreshes the local
// mirror.
func (e *Engine) SyncState() (vm.ExecutionState, error) {
	reply, err := e.call(&wire.Command{Op: wire.OpState})
	if err != nil {
		return vm.ExecutionState{}, err
	}
	if rerr := wire.ErrorFor(reply.ErrCode, reply.Err); rerr != nil {
		return vm.ExecutionState{}, rerr
	}
	if reply.State == nil {
		return vm.ExecutionState{}, errors.New("remote: state reply carried no state")
	}
	e.mu.Lock()
	e.state = *reply.State
	e.mu.Unlock()
	return *reply.State, nil
}

// Subscribe registers a listener for the worker's state events. The channel
// closes when the session ends.
func (e *Engine) Subscribe(buffer int) (<-chan vm.ExecutionState, func()) {
	return e.hub.Subscribe(buffer)
}

// TapeCells fetches a copy of the worker's full tape. It returns nil once
// the session has ended.
func (e *Engine) TapeCells() []uint32 {
	reply, err := e.call(&wire.Command{Op: wire.OpTapeCells})
	if err != nil {
		log.Errorf("tape cells: %v", err)
		return nil
	}
	return reply.Cells
}

// TapeWindow fetches the worker's cells in [start, end).
func (e *Engine) TapeWindow(start, end int) []uint32 {
	reply, err := e.call(&wire.Command{Op: wire.OpTapeWindow, Start: start, End: end})
	if err != nil {
		log.Errorf("tape window: %v", err)
		return nil
	}
	return reply.Cells
}

// Snapshot captures the worker's tape and position.
func (e *Engine) Snapshot() *vm.Snapshot {
	reply, err := e.call(&wire.Command{Op: wire.OpSnapshot})
	if err != nil {
		log.Errorf("snapshot: %v", err)
		return nil
	}
	return reply.Snapshot
}

// LoadSnapshot restores a snapshot on the worker.
func (e *Engine) LoadSnapshot(s *vm.Snapshot) error {
	return e.exec(&wire.Command{Op: wire.OpLoadSnapshot, Snapshot: s})
}

// ExportTransfer captures the worker's session-continuation state.
func (e *Engine) ExportTransfer() *vm.Transfer {
	reply, err := e.call(&wire.Command{Op: wire.OpExportTransfer})
	if err != nil {
		log.Errorf("export transfer: %v", err)
		return nil
	}
	return reply.Transfer
}

// ImportTransfer replaces the worker's state with a transferred capture.
func (e *Engine) ImportTransfer(tr *vm.Transfer) error {
	return e.exec(&wire.Command{Op: wire.OpImportTransfer, Transfer: tr})
}

// Close shuts the session down. A reachable worker is asked to exit; a
// spawned worker process gets a grace period before it is killed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ready := e.ready
	failed := e.failed
	e.mu.Unlock()

	if ready && failed == nil {
		if err := e.exec(&wire.Command{Op: wire.OpShutdown}); err != nil && !errors.Is(err, ErrEngineClosed) {
			log.Errorf("shutdown: %v", err)
		}
	}
	if e.closer != nil {
		e.closer.Close()
	}
	if e.proc != nil {
		done := make(chan error, 1)
		go func() { done <- e.proc.Wait() }()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			log.Warning("worker did not exit; killing it")
			e.proc.Process.Kill()
			<-done
		}
	}
	return nil
}
