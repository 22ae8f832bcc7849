package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/tapir/store"
	"github.com/chazu/tapir/vm"
)

// EngineService implements the engine control procedures. Every procedure
// names a session; engine access goes through that session's worker.
type EngineService struct {
	sessions  *SessionStore
	snapshots *store.Store
}

// NewEngineService creates an EngineService. The snapshot store may be nil,
// in which case the snapshot procedures are rejected.
func NewEngineService(sessions *SessionStore, snapshots *store.Store) *EngineService {
	return &EngineService{
		sessions:  sessions,
		snapshots: snapshots,
	}
}

// session resolves a session ID from a request.
func (s *EngineService) session(id string) (*Session, error) {
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id is required"))
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	return sess, nil
}

// isProtocolNoop reports whether the engine refused an operation without
// changing state. Those refusals surface as Noop acknowledgements, not
// errors.
func isProtocolNoop(err error) bool {
	return errors.Is(err, vm.ErrNotPaused) ||
		errors.Is(err, vm.ErrNotWaitingForInput) ||
		errors.Is(err, vm.ErrAlreadyRunning) ||
		errors.Is(err, vm.ErrWaitingForInput) ||
		errors.Is(err, vm.ErrStopped)
}

// asConnectError maps engine and store errors onto connect codes.
func asConnectError(err error) error {
	var tooLarge *vm.SnapshotTooLargeError
	switch {
	case errors.Is(err, vm.ErrInvalidTapeSize),
		errors.Is(err, vm.ErrInvalidCellWidth),
		errors.Is(err, vm.ErrInvalidLaneCount),
		errors.Is(err, vm.ErrInvalidIncrementStep):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, vm.ErrSnapshotNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.As(err, &tooLarge):
		return connect.NewError(connect.CodeResourceExhausted, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// ack folds an engine call result into an AckResponse.
func ack(err error) (*connect.Response[AckResponse], error) {
	if err == nil {
		return connect.NewResponse(&AckResponse{}), nil
	}
	if isProtocolNoop(err) {
		return connect.NewResponse(&AckResponse{Noop: true}), nil
	}
	return nil, asConnectError(err)
}

// do runs an engine call on the session's worker and acknowledges it.
func (s *EngineService) do(id string, fn func(vm.Engine) error) (*connect.Response[AckResponse], error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return s.doOn(sess, fn)
}

func (s *EngineService) doOn(sess *Session, fn func(vm.Engine) error) (*connect.Response[AckResponse], error) {
	res, err := sess.worker.Do(func(eng vm.Engine) interface{} {
		return fn(eng)
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	engErr, _ := res.(error)
	return ack(engErr)
}

// ---------------------------------------------------------------------------
// Program and configuration
// ---------------------------------------------------------------------------

// LoadProgram replaces the session's program text and resets execution.
func (s *EngineService) LoadProgram(
	ctx context.Context,
	req *connect.Request[LoadProgramRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		eng.SetProgram(req.Msg.Lines)
		return nil
	})
}

// Reset rewinds the session to its starting state, keeping the program.
func (s *EngineService) Reset(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		eng.Reset()
		return nil
	})
}

// SetTapeSize reallocates the session's tape.
func (s *EngineService) SetTapeSize(
	ctx context.Context,
	req *connect.Request[SetTapeSizeRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.SetTapeSize(req.Msg.Size)
	})
}

// SetCellWidth changes the session's cell width.
func (s *EngineService) SetCellWidth(
	ctx context.Context,
	req *connect.Request[SetCellWidthRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.SetCellWidth(req.Msg.Bits)
	})
}

// SetLaneCount changes how many display lanes the tape folds into.
func (s *EngineService) SetLaneCount(
	ctx context.Context,
	req *connect.Request[SetLaneCountRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.SetLaneCount(req.Msg.Lanes)
	})
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Step executes a single instruction.
func (s *EngineService) Step(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.Step()
	})
}

// Run starts a timed run with the requested inter-instruction delay.
func (s *EngineService) Run(
	ctx context.Context,
	req *connect.Request[RunRequest],
) (*connect.Response[AckResponse], error) {
	delay := time.Duration(req.Msg.DelayMicros) * time.Microsecond
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.Run(delay)
	})
}

// RunImmediately starts an undelayed run.
func (s *EngineService) RunImmediately(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.RunImmediately()
	})
}

// RunTurbo starts a batched turbo run.
func (s *EngineService) RunTurbo(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.RunTurbo()
	})
}

// ResumeTurbo continues a turbo run, keeping accumulated metrics.
func (s *EngineService) ResumeTurbo(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.ResumeTurbo()
	})
}

// Pause suspends execution at the next instruction boundary.
func (s *EngineService) Pause(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.Pause()
	})
}

// Resume continues a paused run.
func (s *EngineService) Resume(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.Resume()
	})
}

// Stop ends the current run.
func (s *EngineService) Stop(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.Stop()
	})
}

// ProvideInput delivers one input rune to a blocked read.
func (s *EngineService) ProvideInput(
	ctx context.Context,
	req *connect.Request[ProvideInputRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.ProvideInput(req.Msg.Rune)
	})
}

// ---------------------------------------------------------------------------
// Breakpoints
// ---------------------------------------------------------------------------

// ToggleBreakpoint flips a breakpoint at an expanded program position.
func (s *EngineService) ToggleBreakpoint(
	ctx context.Context,
	req *connect.Request[ToggleBreakpointRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		eng.ToggleBreakpoint(vm.Position{Line: req.Msg.Line, Column: req.Msg.Column})
		return nil
	})
}

// ToggleSourceBreakpoint flips a breakpoint on a source line, expanding it
// through the loaded source map.
func (s *EngineService) ToggleSourceBreakpoint(
	ctx context.Context,
	req *connect.Request[ToggleSourceBreakpointRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		return eng.ToggleSourceBreakpoint(vm.Position{Line: req.Msg.Line})
	})
}

// ClearBreakpoints removes every breakpoint.
func (s *EngineService) ClearBreakpoints(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[AckResponse], error) {
	return s.do(req.Msg.SessionID, func(eng vm.Engine) error {
		eng.ClearBreakpoints()
		return nil
	})
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

// GetState returns the session's current execution state.
func (s *EngineService) GetState(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[StateResponse], error) {
	sess, err := s.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	res, err := sess.worker.Do(func(eng vm.Engine) interface{} {
		return eng.State()
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&StateResponse{State: res.(vm.ExecutionState)}), nil
}

// WatchState streams execution state updates until the client goes away or
// the session is destroyed. The current state is sent first.
func (s *EngineService) WatchState(
	ctx context.Context,
	req *connect.Request[SessionRequest],
	stream *connect.ServerStream[StateResponse],
) error {
	sess, err := s.session(req.Msg.SessionID)
	if err != nil {
		return err
	}

	ch, cancel := sess.facade.Subscribe(64)
	defer cancel()

	if err := stream.Send(&StateResponse{State: sess.facade.State()}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(&StateResponse{State: st}); err != nil {
				return err
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

func (s *EngineService) requireStore() error {
	if s.snapshots == nil {
		return connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("no snapshot store configured"))
	}
	return nil
}

// SaveSnapshot captures the session's state into the snapshot store.
func (s *EngineService) SaveSnapshot(
	ctx context.Context,
	req *connect.Request[SaveSnapshotRequest],
) (*connect.Response[SaveSnapshotResponse], error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	if req.Msg.Name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("name is required"))
	}
	sess, err := s.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}

	res, err := sess.worker.Do(func(eng vm.Engine) interface{} {
		return eng.Snapshot()
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	n, err := s.snapshots.Save(req.Msg.Name, res.(*vm.Snapshot))
	if err != nil {
		return nil, asConnectError(err)
	}
	return connect.NewResponse(&SaveSnapshotResponse{Bytes: n}), nil
}

// LoadSnapshot restores a stored capture into the session.
func (s *EngineService) LoadSnapshot(
	ctx context.Context,
	req *connect.Request[LoadSnapshotRequest],
) (*connect.Response[AckResponse], error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	if req.Msg.Name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("name is required"))
	}
	sess, err := s.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}

	snap, err := s.snapshots.Load(req.Msg.Name)
	if err != nil {
		return nil, asConnectError(err)
	}
	return s.doOn(sess, func(eng vm.Engine) error {
		return eng.LoadSnapshot(snap)
	})
}

// ListSnapshots lists the stored snapshots.
func (s *EngineService) ListSnapshots(
	ctx context.Context,
	req *connect.Request[ListSnapshotsRequest],
) (*connect.Response[ListSnapshotsResponse], error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	infos, err := s.snapshots.List()
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&ListSnapshotsResponse{Snapshots: infos}), nil
}
