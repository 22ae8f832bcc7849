package remote

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/chazu/tapir/vm"
	"github.com/chazu/tapir/vm/wire"
)

// Serve runs the worker side of a session: it performs the handshake, then
// applies commands from r to the interpreter and writes replies and state
// events to w. It returns when the client sends a shutdown command, the
// stream ends, or the transport fails.
//
// Commands are applied in arrival order on the calling goroutine, except
// StepToPosition, which can run for a long time and is handled on its own
// goroutine so Pause and ProvideInput stay deliverable. Its reply is
// correlated by sequence number, not by arrival order.
func Serve(r io.Reader, w io.Writer, itp *vm.Interpreter) error {
	env, err := wire.ReadEnvelope(r)
	if err != nil {
		return fmt.Errorf("remote: read hello: %w", err)
	}
	if env.Type != wire.TypeHello {
		return fmt.Errorf("remote: expected hello, got message type %d", env.Type)
	}
	hello, err := wire.UnmarshalHello(env.Payload)
	if err != nil {
		return fmt.Errorf("remote: bad hello: %w", err)
	}
	if hello.Protocol != wire.Protocol {
		return fmt.Errorf("remote: protocol mismatch: client speaks %d, worker speaks %d", hello.Protocol, wire.Protocol)
	}

	out := &frameWriter{w: w}
	readyPayload, err := wire.MarshalReady(&wire.Ready{Protocol: wire.Protocol})
	if err != nil {
		return fmt.Errorf("remote: marshal ready: %w", err)
	}
	if err := out.writeEnvelope(&wire.Envelope{Type: wire.TypeReady, Payload: readyPayload}); err != nil {
		return fmt.Errorf("remote: send ready: %w", err)
	}

	var wg sync.WaitGroup

	// Forward every interpreter state change to the client. The subscription
	// buffer absorbs bursts; the hub drops intermediate snapshots under
	// pressure, never the latest one.
	states, cancel := itp.Subscribe(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for st := range states {
			sendStateEvent(out, st)
		}
	}()

	// Seed the client's state mirror.
	sendStateEvent(out, itp.State())

	var loopErr error
	for {
		env, err := wire.ReadEnvelope(r)
		if err != nil {
			if err != io.EOF {
				loopErr = fmt.Errorf("remote: read command: %w", err)
			}
			break
		}
		if env.Type != wire.TypeCommand {
			log.Warningf("ignoring unexpected message type %d", env.Type)
			continue
		}
		cmd, err := wire.UnmarshalCommand(env.Payload)
		if err != nil {
			sendReply(out, &wire.Reply{
				Seq:     env.Seq,
				ErrCode: wire.CodeGeneric,
				Err:     err.Error(),
			})
			continue
		}
		if cmd.Op == wire.OpShutdown {
			sendReply(out, &wire.Reply{Seq: env.Seq})
			break
		}
		if cmd.Op == wire.OpStepToPosition {
			wg.Add(1)
			go func(seq uint64, cmd *wire.Command) {
				defer wg.Done()
				reply := applyCommand(itp, cmd)
				reply.Seq = seq
				sendReply(out, reply)
			}(env.Seq, cmd)
			continue
		}
		reply := applyCommand(itp, cmd)
		reply.Seq = env.Seq
		sendReply(out, reply)
	}

	// A step loop still in flight ends as soon as it sees the pause.
	itp.Pause()
	cancel()
	wg.Wait()
	return loopErr
}

func sendReply(out *frameWriter, reply *wire.Reply) {
	payload, err := wire.MarshalReply(reply)
	if err != nil {
		log.Errorf("marshal reply: %v", err)
		return
	}
	e := &wire.Envelope{Type: wire.TypeReply, Seq: reply.Seq, Payload: payload}
	if err := out.writeEnvelope(e); err != nil {
		log.Errorf("send reply: %v", err)
	}
}

func sendStateEvent(out *frameWriter, st vm.ExecutionState) {
	payload, err := wire.MarshalState(&st)
	if err != nil {
		log.Errorf("marshal state event: %v", err)
		return
	}
	e := &wire.Envelope{Type: wire.TypeStateEvent, Payload: payload}
	if err := out.writeEnvelope(e); err != nil {
		log.Errorf("send state event: %v", err)
	}
}

// applyCommand maps one wire command onto the interpreter.
func applyCommand(itp *vm.Interpreter, cmd *wire.Command) *wire.Reply {
	reply := &wire.Reply{}
	pos := vm.Position{}
	if cmd.Pos != nil {
		pos = *cmd.Pos
	}

	var err error
	switch cmd.Op {
	case wire.OpSetProgram:
		itp.SetProgram(cmd.Lines)
	case wire.OpSetTapeSize:
		err = itp.SetTapeSize(int(cmd.Value))
	case wire.OpSetCellWidth:
		err = itp.SetCellWidth(int(cmd.Value))
	case wire.OpSetLaneCount:
		err = itp.SetLaneCount(int(cmd.Value))
	case wire.OpSetIncrementStep:
		err = itp.SetIncrementStep(int(cmd.Value))
	case wire.OpSetTurboYieldOps:
		itp.SetTurboYieldOps(int(cmd.Value))

	case wire.OpRun:
		err = itp.Run(time.Duration(cmd.DelayMicros) * time.Microsecond)
	case wire.OpRunSmooth:
		err = itp.RunSmooth()
	case wire.OpRunImmediately:
		err = itp.RunImmediately()
	case wire.OpRunTurbo:
		err = itp.RunTurbo()
	case wire.OpResumeTurbo:
		err = itp.ResumeTurbo()
	case wire.OpRunFromPosition:
		err = itp.RunFromPosition(pos, time.Duration(cmd.DelayMicros)*time.Microsecond)
	case wire.OpStep:
		err = itp.Step()
	case wire.OpStepToPosition:
		err = itp.StepToPosition(pos)

	case wire.OpPause:
		err = itp.Pause()
	case wire.OpResume:
		err = itp.Resume()
	case wire.OpStop:
		err = itp.Stop()
	case wire.OpReset:
		itp.Reset()

	case wire.OpProvideInput:
		err = itp.ProvideInput(cmd.Rune)

	case wire.OpToggleBreakpoint:
		itp.ToggleBreakpoint(pos)
	case wire.OpToggleSourceBreakpoint:
		err = itp.ToggleSourceBreakpoint(pos)
	case wire.OpClearBreakpoints:
		itp.ClearBreakpoints()
	case wire.OpSetSourceMap:
		itp.SetSourceMap(cmd.SourceMap)

	case wire.OpState:
		st := itp.State()
		reply.State = &st
	case wire.OpTapeCells:
		reply.Cells = itp.TapeCells()
	case wire.OpTapeWindow:
		reply.Cells = itp.TapeWindow(cmd.Start, cmd.End)

	case wire.OpSnapshot:
		reply.Snapshot = itp.Snapshot()
	case wire.OpLoadSnapshot:
		if cmd.Snapshot == nil {
			err = fmt.Errorf("remote: load snapshot: no snapshot in command")
		} else {
			err = itp.LoadSnapshot(cmd.Snapshot)
		}
	case wire.OpExportTransfer:
		reply.Transfer = itp.ExportTransfer()
	case wire.OpImportTransfer:
		if cmd.Transfer == nil {
			err = fmt.Errorf("remote: import transfer: no transfer in command")
		} else {
			err = itp.ImportTransfer(cmd.Transfer)
		}

	default:
		err = fmt.Errorf("remote: unknown command op %d", cmd.Op)
	}

	reply.ErrCode = wire.ErrorCode(err)
	if err != nil {
		reply.Err = err.Error()
	}
	return reply
}
