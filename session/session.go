// Package session presents one debugging session over two interchangeable
// engines: the in-process interpreter for stepped and observed execution,
// and an out-of-process worker for turbo runs. Callers talk to the session
// as if it were a single engine; the session hands the full observable
// state across whenever the execution strategy calls for the other engine,
// and keeps one outward state stream alive across every switch.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/tapir/remote"
	"github.com/chazu/tapir/vm"
)

var log = commonlog.GetLogger("tapir.session")

// SpawnFunc builds the delegated engine the first time a turbo run needs it.
type SpawnFunc func(ctx context.Context) (vm.Engine, error)

// Option configures a Session.
type Option func(*Session)

// WithWorkerCommand sets the worker binary spawned for delegated turbo runs.
func WithWorkerCommand(path string, args ...string) Option {
	return func(s *Session) {
		s.spawn = func(ctx context.Context) (vm.Engine, error) {
			return remote.Spawn(ctx, path, args...)
		}
	}
}

// WithSpawn overrides how the delegated engine is constructed.
func WithSpawn(fn SpawnFunc) Option {
	return func(s *Session) { s.spawn = fn }
}

// WithInterpreter substitutes a pre-configured in-process interpreter.
func WithInterpreter(itp *vm.Interpreter) Option {
	return func(s *Session) { s.local = itp }
}

// Session owns one in-process interpreter and at most one worker engine,
// exactly one of which is active at a time. Run and RunSmooth force the
// in-process engine; RunTurbo and ResumeTurbo force the worker; every other
// operation goes to whichever engine is active. A switch quiesces the
// active engine, hands its full state to the target, and re-points the
// session's outward state stream, so subscribers never notice the seam.
type Session struct {
	mu     sync.Mutex
	local  *vm.Interpreter
	worker vm.Engine
	active vm.Engine
	spawn  SpawnFunc
	closed bool

	hub       *vm.StateHub
	unforward func()
}

var _ vm.Engine = (*Session)(nil)

// New creates a session with the in-process engine active.
func New(opts ...Option) *Session {
	s := &Session{hub: vm.NewStateHub()}
	for _, opt := range opts {
		opt(s)
	}
	if s.local == nil {
		s.local = vm.NewInterpreter()
	}
	s.active = s.local
	s.forwardLocked(s.local)
	return s
}

// forwardLocked points the outward state stream at eng, replacing any
// previous forwarding.
func (s *Session) forwardLocked(eng vm.Engine) {
	if s.unforward != nil {
		s.unforward()
	}
	ch, cancel := eng.Subscribe(64)
	s.unforward = cancel
	go func() {
		for st := range ch {
			s.hub.Publish(st)
		}
	}()
}

// handOffLocked moves the session from one engine to the other. The source
// is paused first so the exported state is a consistent capture.
func (s *Session) handOffLocked(from, to vm.Engine) error {
	from.Pause()
	tr := from.ExportTransfer()
	if tr == nil {
		return errors.New("session: active engine state could not be exported")
	}
	if err := to.ImportTransfer(tr); err != nil {
		return fmt.Errorf("session: import into target engine: %w", err)
	}
	s.forwardLocked(to)
	s.active = to
	return nil
}

func (s *Session) toWorkerLocked() error {
	if s.worker != nil && s.active == s.worker {
		return nil
	}
	if s.worker == nil {
		eng, err := s.spawn(context.Background())
		if err != nil {
			return fmt.Errorf("session: start worker: %w", err)
		}
		s.worker = eng
	}
	return s.handOffLocked(s.active, s.worker)
}

func (s *Session) toLocalLocked() error {
	if s.active == s.local {
		return nil
	}
	return s.handOffLocked(s.active, s.local)
}

// ---------------------------------------------------------------------------
// Strategy-routing operations
// ---------------------------------------------------------------------------

// Run starts a timed stepped run on the in-process engine, switching back
// to it first if a worker was active.
func (s *Session) Run(delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.toLocalLocked(); err != nil {
		return err
	}
	return s.local.Run(delay)
}

// RunSmooth starts a sixty-steps-per-second run on the in-process engine.
func (s *Session) RunSmooth() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.toLocalLocked(); err != nil {
		return err
	}
	return s.local.RunSmooth()
}

// RunFrames paces the in-process engine to an external frame clock.
func (s *Session) RunFrames(frames <-chan struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.toLocalLocked(); err != nil {
		return err
	}
	return s.local.RunFrames(frames)
}

// RunTurbo starts a fresh turbo run on the worker engine, spawning it on
// first use. Without a worker configured, or when the worker cannot be
// reached, turbo runs in process.
func (s *Session) RunTurbo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawn == nil && s.worker == nil {
		log.Info("no worker configured; running turbo in process")
		return s.active.RunTurbo()
	}
	if err := s.toWorkerLocked(); err != nil {
		log.Errorf("worker unavailable, running turbo in process: %v", err)
		return s.active.RunTurbo()
	}
	return s.worker.RunTurbo()
}

// ResumeTurbo continues a turbo run on the worker engine, keeping the
// metrics accumulated so far, wherever they were accumulated.
func (s *Session) ResumeTurbo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawn == nil && s.worker == nil {
		log.Info("no worker configured; running turbo in process")
		return s.active.ResumeTurbo()
	}
	if err := s.toWorkerLocked(); err != nil {
		log.Errorf("worker unavailable, running turbo in process: %v", err)
		return s.active.ResumeTurbo()
	}
	return s.worker.ResumeTurbo()
}

// ---------------------------------------------------------------------------
// Forwarded operations
// ---------------------------------------------------------------------------

// SetProgram replaces the program text on the active engine.
func (s *Session) SetProgram(lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.SetProgram(lines)
}

// SetTapeSize resizes the tape on the active engine.
func (s *Session) SetTapeSize(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.SetTapeSize(n)
}

// SetCellWidth switches the cell width on the active engine.
func (s *Session) SetCellWidth(bits int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.SetCellWidth(bits)
}

// SetLaneCount sets the display lane count on the active engine.
func (s *Session) SetLaneCount(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.SetLaneCount(n)
}

// SetIncrementStep sets the '+' increment step on the active engine.
func (s *Session) SetIncrementStep(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.SetIncrementStep(n)
}

// RunImmediately starts an undelayed stepped run on the active engine.
func (s *Session) RunImmediately() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.RunImmediately()
}

// RunFromPosition starts a timed run at the given position on the active
// engine.
func (s *Session) RunFromPosition(pos vm.Position, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.RunFromPosition(pos, delay)
}

// Step executes one instruction on the active engine.
func (s *Session) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Step()
}

// StepToPosition steps the active engine until it reaches the target,
// pauses, or ends. The call runs outside the session lock so Pause stays
// deliverable while it is in flight.
func (s *Session) StepToPosition(pos vm.Position) error {
	s.mu.Lock()
	eng := s.active
	s.mu.Unlock()
	return eng.StepToPosition(pos)
}

// Pause suspends the active engine.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Pause()
}

// Resume continues the active engine's paused run.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Resume()
}

// Stop ends the active engine's run.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Stop()
}

// Reset clears the active engine's tape, output, and metrics.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Reset()
}

// ProvideInput feeds one rune to the active engine's pending input request.
func (s *Session) ProvideInput(ch rune) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.ProvideInput(ch)
}

// ToggleBreakpoint flips a breakpoint on the active engine.
func (s *Session) ToggleBreakpoint(pos vm.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.ToggleBreakpoint(pos)
}

// ToggleSourceBreakpoint flips a source-level breakpoint on the active
// engine.
func (s *Session) ToggleSourceBreakpoint(src vm.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.ToggleSourceBreakpoint(src)
}

// ClearBreakpoints removes every breakpoint on the active engine.
func (s *Session) ClearBreakpoints() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.ClearBreakpoints()
}

// SetSourceMap installs a source map on the active engine.
func (s *Session) SetSourceMap(table *vm.MapTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.SetSourceMap(table)
}

// State returns the active engine's current state.
func (s *Session) State() vm.ExecutionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.State()
}

// Subscribe registers a listener on the session's outward state stream. The
// stream spans engine switches; it closes only when the session closes.
func (s *Session) Subscribe(buffer int) (<-chan vm.ExecutionState, func()) {
	return s.hub.Subscribe(buffer)
}

// TapeCells returns a copy of the active engine's full tape.
func (s *Session) TapeCells() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.TapeCells()
}

// TapeWindow returns the active engine's cells in [start, end).
func (s *Session) TapeWindow(start, end int) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.TapeWindow(start, end)
}

// Snapshot captures the active engine's tape and position.
func (s *Session) Snapshot() *vm.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Snapshot()
}

// LoadSnapshot restores a snapshot on the active engine.
func (s *Session) LoadSnapshot(snap *vm.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.LoadSnapshot(snap)
}

// ExportTransfer captures the active engine's session-continuation state.
func (s *Session) ExportTransfer() *vm.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.ExportTransfer()
}

// ImportTransfer replaces the active engine's state with a transferred
// capture.
func (s *Session) ImportTransfer(tr *vm.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.ImportTransfer(tr)
}

// Delegated reports whether the worker engine is currently active.
func (s *Session) Delegated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker != nil && s.active == s.worker
}

// Close shuts down both engines and the outward state stream.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.unforward != nil {
		s.unforward()
		s.unforward = nil
	}
	worker := s.worker
	local := s.local
	s.mu.Unlock()

	if worker != nil {
		if err := worker.Close(); err != nil {
			log.Errorf("close worker: %v", err)
		}
	}
	local.Close()
	s.hub.Close()
	return nil
}
