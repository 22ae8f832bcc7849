// Package wire defines the message protocol between an engine client and an
// out-of-process interpreter worker. Messages travel as length-prefixed
// frames carrying a CBOR envelope, so the protocol works over any byte
// stream: a child process's stdio, a socket, or an in-memory pipe in tests.
package wire

import (
	"errors"

	"github.com/chazu/tapir/vm"
)

// Protocol is the handshake version. A worker that receives a Hello with a
// different version refuses the session.
const Protocol uint32 = 1

// MessageType identifies the payload carried by an Envelope.
type MessageType uint8

const (
	TypeHello      MessageType = 1
	TypeReady      MessageType = 2
	TypeCommand    MessageType = 3
	TypeReply      MessageType = 4
	TypeStateEvent MessageType = 5
)

// Envelope is the outer frame of every message. Commands carry a sequence
// number that the matching Reply echoes; replies may arrive out of order
// when a command blocks, so the sequence number is the only correlation.
type Envelope struct {
	Type    MessageType `cbor:"1,keyasint"`
	Seq     uint64      `cbor:"2,keyasint,omitempty"`
	Payload []byte      `cbor:"3,keyasint,omitempty"`
}

// Hello opens a session. The client sends it first; nothing else is valid
// before the worker's Ready.
type Hello struct {
	Protocol uint32 `cbor:"1,keyasint"`
}

// Ready acknowledges a Hello and reports the worker's protocol version.
type Ready struct {
	Protocol uint32 `cbor:"1,keyasint"`
}

// CommandOp selects the engine operation a Command invokes.
type CommandOp uint8

const (
	OpSetProgram       CommandOp = 1
	OpSetTapeSize      CommandOp = 2
	OpSetCellWidth     CommandOp = 3
	OpSetLaneCount     CommandOp = 4
	OpSetIncrementStep CommandOp = 5
	OpSetTurboYieldOps CommandOp = 6

	OpRun             CommandOp = 7
	OpRunSmooth       CommandOp = 8
	OpRunImmediately  CommandOp = 9
	OpRunTurbo        CommandOp = 10
	OpResumeTurbo     CommandOp = 11
	OpRunFromPosition CommandOp = 12
	OpStep            CommandOp = 13
	OpStepToPosition  CommandOp = 14

	OpPause  CommandOp = 15
	OpResume CommandOp = 16
	OpStop   CommandOp = 17
	OpReset  CommandOp = 18

	OpProvideInput CommandOp = 19

	OpToggleBreakpoint       CommandOp = 20
	OpToggleSourceBreakpoint CommandOp = 21
	OpClearBreakpoints       CommandOp = 22
	OpSetSourceMap           CommandOp = 23

	OpState      CommandOp = 24
	OpTapeCells  CommandOp = 25
	OpTapeWindow CommandOp = 26

	OpSnapshot       CommandOp = 27
	OpLoadSnapshot   CommandOp = 28
	OpExportTransfer CommandOp = 29
	OpImportTransfer CommandOp = 30

	OpShutdown CommandOp = 31
)

// Command invokes one engine operation. Only the arguments the op uses are
// set; the rest stay at their zero value and are omitted from the encoding.
type Command struct {
	Op          CommandOp    `cbor:"1,keyasint"`
	Lines       []string     `cbor:"2,keyasint,omitempty"`
	Value       int64        `cbor:"3,keyasint,omitempty"`
	DelayMicros int64        `cbor:"4,keyasint,omitempty"`
	Pos         *vm.Position `cbor:"5,keyasint,omitempty"`
	Rune        rune         `cbor:"6,keyasint,omitempty"`
	Start       int          `cbor:"7,keyasint,omitempty"`
	End         int          `cbor:"8,keyasint,omitempty"`
	Snapshot    *vm.Snapshot `cbor:"9,keyasint,omitempty"`
	Transfer    *vm.Transfer `cbor:"10,keyasint,omitempty"`
	SourceMap   *vm.MapTable `cbor:"11,keyasint,omitempty"`
}

// Reply answers one Command, correlated by Seq. The result fields mirror the
// query ops; at most one of them is set.
type Reply struct {
	Seq      uint64             `cbor:"1,keyasint"`
	ErrCode  ErrCode            `cbor:"2,keyasint,omitempty"`
	Err      string             `cbor:"3,keyasint,omitempty"`
	State    *vm.ExecutionState `cbor:"4,keyasint,omitempty"`
	Cells    []uint32           `cbor:"5,keyasint,omitempty"`
	Snapshot *vm.Snapshot       `cbor:"6,keyasint,omitempty"`
	Transfer *vm.Transfer       `cbor:"7,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Error codes
// ---------------------------------------------------------------------------

// ErrCode classifies the error carried by a Reply. The engine's sentinel
// errors get dedicated codes so errors.Is keeps working on the client side
// of the wire.
type ErrCode uint8

const (
	CodeOK      ErrCode = 0
	CodeGeneric ErrCode = 1

	CodeInvalidTapeSize      ErrCode = 2
	CodeInvalidCellWidth     ErrCode = 3
	CodeInvalidLaneCount     ErrCode = 4
	CodeInvalidIncrementStep ErrCode = 5

	CodeNotWaitingForInput ErrCode = 6
	CodeNotPaused          ErrCode = 7
	CodeWaitingForInput    ErrCode = 8
	CodeAlreadyRunning     ErrCode = 9
	CodeStopped            ErrCode = 10
)

var sentinels = map[ErrCode]error{
	CodeInvalidTapeSize:      vm.ErrInvalidTapeSize,
	CodeInvalidCellWidth:     vm.ErrInvalidCellWidth,
	CodeInvalidLaneCount:     vm.ErrInvalidLaneCount,
	CodeInvalidIncrementStep: vm.ErrInvalidIncrementStep,
	CodeNotWaitingForInput:   vm.ErrNotWaitingForInput,
	CodeNotPaused:            vm.ErrNotPaused,
	CodeWaitingForInput:      vm.ErrWaitingForInput,
	CodeAlreadyRunning:       vm.ErrAlreadyRunning,
	CodeStopped:              vm.ErrStopped,
}

// ErrorCode classifies an engine error for transport.
func ErrorCode(err error) ErrCode {
	if err == nil {
		return CodeOK
	}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeGeneric
}

// ErrorFor reconstructs an error from its transported code and message. For
// sentinel codes the result matches the original sentinel under errors.Is,
// even when the worker wrapped it with context.
func ErrorFor(code ErrCode, msg string) error {
	if code == CodeOK {
		return nil
	}
	base, ok := sentinels[code]
	if !ok {
		if msg == "" {
			msg = "remote engine error"
		}
		return errors.New(msg)
	}
	if msg == "" || msg == base.Error() {
		return base
	}
	return &remoteError{msg: msg, base: base}
}

// remoteError carries the worker's full message while unwrapping to the
// sentinel the code named.
type remoteError struct {
	msg  string
	base error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.base }
