package remote

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/chazu/tapir/vm"
	"github.com/chazu/tapir/vm/wire"
)

// newPipeSession wires an engine to a worker over in-memory pipes. The
// cleanup closes the engine, checks that Serve returned cleanly, and closes
// the interpreter.
func newPipeSession(t *testing.T) (*Engine, *vm.Interpreter) {
	t.Helper()

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	itp := vm.NewInterpreter()

	serveDone := make(chan error, 1)
	go func() {
		err := Serve(serverR, serverW, itp)
		serverW.Close()
		serverR.Close()
		serveDone <- err
	}()

	eng, err := NewEngine(clientR, clientW)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	t.Cleanup(func() {
		eng.Close()
		select {
		case err := <-serveDone:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Close")
		}
		itp.Close()
	})
	return eng, itp
}

// waitState drains a subscription until a state satisfies cond.
func waitState(t *testing.T, ch <-chan vm.ExecutionState, cond func(vm.ExecutionState) bool) vm.ExecutionState {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				t.Fatal("subscription closed before the expected state arrived")
			}
			if cond(st) {
				return st
			}
		case <-deadline:
			t.Fatal("timed out waiting for the expected state")
		}
	}
}

func TestEngine_ConfiguresAndSteps(t *testing.T) {
	eng, _ := newPipeSession(t)

	eng.SetProgram([]string{"+++"})
	if err := eng.SetTapeSize(16); err != nil {
		t.Fatalf("SetTapeSize: %v", err)
	}
	if err := eng.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if err := eng.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	cells := eng.TapeCells()
	if len(cells) != 16 {
		t.Fatalf("TapeCells length = %d, want 16", len(cells))
	}
	if cells[0] != 2 {
		t.Errorf("cell 0 = %d, want 2", cells[0])
	}

	window := eng.TapeWindow(0, 2)
	if len(window) != 2 || window[0] != 2 {
		t.Errorf("TapeWindow(0, 2) = %v, want [2 0]", window)
	}
}

func TestEngine_SentinelsSurviveTheWire(t *testing.T) {
	eng, _ := newPipeSession(t)

	if err := eng.SetTapeSize(-1); !errors.Is(err, vm.ErrInvalidTapeSize) {
		t.Errorf("SetTapeSize(-1): got %v, want ErrInvalidTapeSize", err)
	}
	if err := eng.Resume(); !errors.Is(err, vm.ErrNotPaused) {
		t.Errorf("Resume while idle: got %v, want ErrNotPaused", err)
	}

	eng.SetProgram(nil)
	if err := eng.Step(); err != nil {
		t.Fatalf("Step on empty program: %v", err)
	}
	if err := eng.Step(); !errors.Is(err, vm.ErrStopped) {
		t.Errorf("Step after stop: got %v, want ErrStopped", err)
	}
}

func TestEngine_TurboRunEmitsStateEvents(t *testing.T) {
	eng, _ := newPipeSession(t)

	ch, cancel := eng.Subscribe(8)
	defer cancel()

	eng.SetProgram([]string{strings.Repeat("+", 30)})
	if err := eng.RunTurbo(); err != nil {
		t.Fatalf("RunTurbo: %v", err)
	}

	st := waitState(t, ch, func(s vm.ExecutionState) bool { return s.Stopped })
	if st.Metrics.Ops != 30 {
		t.Errorf("ops = %d, want 30", st.Metrics.Ops)
	}
	if st.Metrics.Mode != vm.ModeTurbo {
		t.Errorf("mode = %q, want %q", st.Metrics.Mode, vm.ModeTurbo)
	}
	if cells := eng.TapeCells(); cells[0] != 30 {
		t.Errorf("cell 0 = %d, want 30", cells[0])
	}
}

func TestEngine_DelayedRun(t *testing.T) {
	eng, _ := newPipeSession(t)

	ch, cancel := eng.Subscribe(8)
	defer cancel()

	eng.SetProgram([]string{"+++"})
	if err := eng.Run(time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := waitState(t, ch, func(s vm.ExecutionState) bool { return s.Stopped })
	if st.Metrics.Ops != 3 {
		t.Errorf("ops = %d, want 3", st.Metrics.Ops)
	}
	if st.Metrics.Mode != vm.ModeNormal {
		t.Errorf("mode = %q, want %q", st.Metrics.Mode, vm.ModeNormal)
	}
}

func TestEngine_BreakpointPauseAndResume(t *testing.T) {
	eng, _ := newPipeSession(t)

	ch, cancel := eng.Subscribe(8)
	defer cancel()

	eng.SetProgram([]string{"+++++"})
	eng.ToggleBreakpoint(vm.Position{Line: 0, Column: 3})
	if err := eng.RunImmediately(); err != nil {
		t.Fatalf("RunImmediately: %v", err)
	}

	st := waitState(t, ch, func(s vm.ExecutionState) bool { return s.Paused })
	if st.Position != (vm.Position{Line: 0, Column: 3}) {
		t.Errorf("paused at %v, want 0:3", st.Position)
	}
	if st.PauseReason != vm.PauseBreakpoint {
		t.Errorf("pause reason = %q, want %q", st.PauseReason, vm.PauseBreakpoint)
	}
	if cells := eng.TapeCells(); cells[0] != 3 {
		t.Errorf("cell 0 at pause = %d, want 3", cells[0])
	}

	if err := eng.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitState(t, ch, func(s vm.ExecutionState) bool { return s.Stopped })
	if cells := eng.TapeCells(); cells[0] != 5 {
		t.Errorf("cell 0 after resume = %d, want 5", cells[0])
	}
}

func TestEngine_InputRoundTrip(t *testing.T) {
	eng, _ := newPipeSession(t)

	ch, cancel := eng.Subscribe(8)
	defer cancel()

	eng.SetProgram([]string{",+."})
	if err := eng.RunImmediately(); err != nil {
		t.Fatalf("RunImmediately: %v", err)
	}

	waitState(t, ch, func(s vm.ExecutionState) bool { return s.WaitingForInput })
	if err := eng.ProvideInput('A'); err != nil {
		t.Fatalf("ProvideInput: %v", err)
	}

	st := waitState(t, ch, func(s vm.ExecutionState) bool { return s.Stopped })
	if st.Output != "B" {
		t.Errorf("output = %q, want %q", st.Output, "B")
	}
}

func TestEngine_StepToPositionInterruptedByPause(t *testing.T) {
	eng, _ := newPipeSession(t)

	eng.SetProgram([]string{"+[]"})

	stepDone := make(chan error, 1)
	go func() {
		stepDone <- eng.StepToPosition(vm.Position{Line: 5, Column: 0})
	}()

	// Let the step loop spin inside the worker, then interrupt it. Pause
	// must get through even though a command is still in flight.
	time.Sleep(50 * time.Millisecond)
	if err := eng.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	select {
	case err := <-stepDone:
		if err != nil {
			t.Fatalf("StepToPosition: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StepToPosition did not return after Pause")
	}

	st, err := eng.SyncState()
	if err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	if !st.Paused {
		t.Error("interpreter should be paused after the interrupt")
	}
}

func TestEngine_ImportTransferContinuesSession(t *testing.T) {
	eng, _ := newPipeSession(t)

	local := vm.NewInterpreter()
	defer local.Close()
	local.SetProgram([]string{"+++++"})
	for i := 0; i < 3; i++ {
		if err := local.Step(); err != nil {
			t.Fatalf("local Step: %v", err)
		}
	}

	if err := eng.ImportTransfer(local.ExportTransfer()); err != nil {
		t.Fatalf("ImportTransfer: %v", err)
	}
	if cells := eng.TapeCells(); cells[0] != 3 {
		t.Fatalf("cell 0 after import = %d, want 3", cells[0])
	}

	for i := 0; i < 2; i++ {
		if err := eng.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	st, err := eng.SyncState()
	if err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	if st.Metrics.Ops != 5 {
		t.Errorf("ops = %d, want 5 (3 imported + 2 stepped)", st.Metrics.Ops)
	}
	if cells := eng.TapeCells(); cells[0] != 5 {
		t.Errorf("cell 0 = %d, want 5", cells[0])
	}
}

func TestEngine_SnapshotOverWire(t *testing.T) {
	eng, _ := newPipeSession(t)

	eng.SetProgram([]string{"++"})
	for i := 0; i < 2; i++ {
		if err := eng.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	snap := eng.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot returned nil")
	}
	if snap.Cells[0] != 2 {
		t.Errorf("snapshot cell 0 = %d, want 2", snap.Cells[0])
	}

	eng.Reset()
	if cells := eng.TapeCells(); cells[0] != 0 {
		t.Fatalf("cell 0 after reset = %d, want 0", cells[0])
	}

	if err := eng.LoadSnapshot(snap); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if cells := eng.TapeCells(); cells[0] != 2 {
		t.Errorf("cell 0 after load = %d, want 2", cells[0])
	}
	st, err := eng.SyncState()
	if err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	if st.Position != (vm.Position{Line: 0, Column: 2}) {
		t.Errorf("position after load = %v, want 0:2", st.Position)
	}
}

func TestEngine_QueuesCommandsUntilReady(t *testing.T) {
	clientR, workerW := io.Pipe()
	workerR, clientW := io.Pipe()

	helloRead := make(chan struct{})
	releaseReady := make(chan struct{})
	workerDone := make(chan error, 1)

	go func() {
		defer workerW.Close()

		env, err := wire.ReadEnvelope(workerR)
		if err != nil || env.Type != wire.TypeHello {
			workerDone <- err
			return
		}
		close(helloRead)
		<-releaseReady

		payload, err := wire.MarshalReady(&wire.Ready{Protocol: wire.Protocol})
		if err != nil {
			workerDone <- err
			return
		}
		if err := wire.WriteEnvelope(workerW, &wire.Envelope{Type: wire.TypeReady, Payload: payload}); err != nil {
			workerDone <- err
			return
		}

		cmdEnv, err := wire.ReadEnvelope(workerR)
		if err != nil {
			workerDone <- err
			return
		}
		cmd, err := wire.UnmarshalCommand(cmdEnv.Payload)
		if err != nil {
			workerDone <- err
			return
		}
		if cmd.Op != wire.OpSetTapeSize || cmd.Value != 64 {
			t.Errorf("queued command: op %d value %d, want SetTapeSize 64", cmd.Op, cmd.Value)
		}
		reply, err := wire.MarshalReply(&wire.Reply{Seq: cmdEnv.Seq})
		if err != nil {
			workerDone <- err
			return
		}
		workerDone <- wire.WriteEnvelope(workerW, &wire.Envelope{Type: wire.TypeReply, Seq: cmdEnv.Seq, Payload: reply})
	}()

	eng, err := NewEngine(clientR, clientW)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	<-helloRead

	callDone := make(chan error, 1)
	go func() { callDone <- eng.SetTapeSize(64) }()

	// The worker has not sent Ready, so the call must still be waiting.
	select {
	case err := <-callDone:
		t.Fatalf("call completed before Ready: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseReady)

	select {
	case err := <-callDone:
		if err != nil {
			t.Fatalf("queued call failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued call did not complete after Ready")
	}

	if err := <-workerDone; err != nil {
		t.Fatalf("worker: %v", err)
	}
	clientW.Close()
}

func TestServe_RejectsProtocolMismatch(t *testing.T) {
	serverR, clientW := io.Pipe()
	_, serverW := io.Pipe()
	itp := vm.NewInterpreter()
	defer itp.Close()

	serveDone := make(chan error, 1)
	go func() { serveDone <- Serve(serverR, serverW, itp) }()

	payload, err := wire.MarshalHello(&wire.Hello{Protocol: wire.Protocol + 1})
	if err != nil {
		t.Fatalf("MarshalHello: %v", err)
	}
	if err := wire.WriteEnvelope(clientW, &wire.Envelope{Type: wire.TypeHello, Payload: payload}); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	select {
	case err := <-serveDone:
		if err == nil || !strings.Contains(err.Error(), "protocol mismatch") {
			t.Errorf("Serve: got %v, want protocol mismatch error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not reject the mismatched hello")
	}
}

func TestEngine_CloseEndsSubscriptions(t *testing.T) {
	eng, _ := newPipeSession(t)

	ch, cancel := eng.Subscribe(4)
	defer cancel()

	eng.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription did not close after Close")
		}
	}
}

func TestEngine_CallsAfterCloseFail(t *testing.T) {
	eng, _ := newPipeSession(t)

	ch, cancel := eng.Subscribe(1)
	defer cancel()

	eng.Close()

	// The subscription closing marks the end of the transport teardown;
	// after that, calls must fail fast.
	deadline := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-ch:
			open = ok
		case <-deadline:
			t.Fatal("subscription did not close after Close")
		}
	}

	if err := eng.SetTapeSize(32); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("got %v, want ErrEngineClosed", err)
	}
}
