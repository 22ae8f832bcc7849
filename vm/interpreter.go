package vm

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("tapir.vm")

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

type runState uint8

const (
	stateIdle runState = iota
	stateRunning
	statePaused
	stateInputWait
	stateStopped
)

const defaultTurboYieldOps = 50000

// turboSession holds the compiled program and program counter of a turbo
// run, surviving across pauses so the run can resume where it left off.
type turboSession struct {
	prog *compiled
	pc   int
}

// Interpreter executes tape programs. All exported methods are safe for
// concurrent use; a single mutex serializes every state mutation, so run
// loops and control calls interleave at instruction boundaries.
type Interpreter struct {
	mu sync.Mutex

	program *Program
	tape    *Tape
	pos     Position

	laneCount     int
	incrementStep int
	turboYieldOps int

	state       runState
	pauseReason string
	lastPaused  *Position

	output strings.Builder

	breakpoints          map[Position]bool
	srcBreakpoints       map[Position][]Position
	sortedBreakpoints    []Position
	sortedSrcBreakpoints []Position

	sourceMap SourceMap
	srcPos    *Position
	macroCtx  []MacroFrame

	cellLabels map[int]string
	laneLabels map[int]string

	hub  *StateHub
	loop *runLoop

	turbo *turboSession
	// turboPaused marks a turbo run interrupted by a pause or input wait.
	// Resume and ProvideInput restart the turbo loop when it is set.
	turboPaused bool

	metrics      RunMetrics
	runStart     time.Time
	metricsFinal bool

	// resumeCh wakes a run loop blocked on a pause. Capacity one: a resume
	// signalled before the loop blocks is not lost.
	resumeCh chan struct{}
}

// NewInterpreter returns an idle interpreter with an 8-bit, 30000-cell tape
// and a single display lane.
func NewInterpreter() *Interpreter {
	tape, _ := NewTape(DefaultTapeSize, CellWidth8)
	return &Interpreter{
		program:        NewProgram(),
		tape:           tape,
		laneCount:      1,
		incrementStep:  1,
		turboYieldOps:  defaultTurboYieldOps,
		breakpoints:    make(map[Position]bool),
		srcBreakpoints: make(map[Position][]Position),
		cellLabels:     make(map[int]string),
		laneLabels:     make(map[int]string),
		hub:            NewStateHub(),
		resumeCh:       make(chan struct{}, 1),
	}
}

// Close halts any run loop and closes every state subscription.
func (it *Interpreter) Close() error {
	it.mu.Lock()
	if it.loop != nil {
		it.loop.halt()
		it.loop = nil
	}
	it.state = stateStopped
	it.mu.Unlock()
	it.hub.Close()
	return nil
}

// ---------------------------------------------------------------------------
// Program and configuration
// ---------------------------------------------------------------------------

// SetProgram replaces the program text and resets execution. Bracket
// matching is rebuilt immediately; unmatched brackets are logged and execute
// as no-ops. Breakpoints survive the reset.
func (it *Interpreter) SetProgram(lines []string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.program.SetLines(lines)
	it.resetLocked()
	it.publishLocked()
}

// ProgramLines returns a copy of the current program text.
func (it *Interpreter) ProgramLines() []string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.program.Lines()
}

// BracketIssues returns the unmatched brackets found in the current program.
func (it *Interpreter) BracketIssues() []BracketIssue {
	it.mu.Lock()
	defer it.mu.Unlock()
	return slices.Clone(it.program.Issues())
}

// SetTapeSize reallocates the tape with the given cell count. The tape is
// cleared and the pointer returns to zero. Zero or negative sizes are
// rejected.
func (it *Interpreter) SetTapeSize(n int) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if err := it.tape.Resize(n, it.tape.WidthBits()); err != nil {
		log.Errorf("rejecting tape size %d: %v", n, err)
		return fmt.Errorf("vm: set tape size: %w", err)
	}
	it.publishLocked()
	return nil
}

// SetCellWidth reallocates the tape with the given cell width in bits.
// Valid widths are 8, 16, and 32.
func (it *Interpreter) SetCellWidth(bits int) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if err := it.tape.Resize(it.tape.Size(), bits); err != nil {
		log.Errorf("rejecting cell width %d: %v", bits, err)
		return fmt.Errorf("vm: set cell width: %w", err)
	}
	it.publishLocked()
	return nil
}

// SetLaneCount sets how many lanes the tape view is folded into.
func (it *Interpreter) SetLaneCount(n int) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if n < 1 || n > 10 {
		log.Errorf("rejecting lane count %d", n)
		return fmt.Errorf("vm: set lane count %d: %w", n, ErrInvalidLaneCount)
	}
	it.laneCount = n
	it.publishLocked()
	return nil
}

// SetIncrementStep sets the amount a '+' instruction adds to the current
// cell. The default is 1. '-' always subtracts exactly 1.
func (it *Interpreter) SetIncrementStep(n int) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if n < 1 {
		log.Errorf("rejecting increment step %d", n)
		return fmt.Errorf("vm: set increment step %d: %w", n, ErrInvalidIncrementStep)
	}
	it.incrementStep = n
	return nil
}

// SetTurboYieldOps sets how many operations a turbo or immediate run
// executes between yield points. Non-positive values restore the default.
func (it *Interpreter) SetTurboYieldOps(n int) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if n <= 0 {
		n = defaultTurboYieldOps
	}
	it.turboYieldOps = n
}

func (it *Interpreter) TapeSize() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.tape.Size()
}

func (it *Interpreter) CellWidth() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.tape.WidthBits()
}

func (it *Interpreter) LaneCount() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.laneCount
}

func (it *Interpreter) IncrementStep() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.incrementStep
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

// State returns a snapshot of the externally observable execution state.
func (it *Interpreter) State() ExecutionState {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.buildStateLocked()
}

// Subscribe registers a state listener. Every published snapshot is sent to
// the returned channel; a full channel drops the oldest pending snapshot so
// the newest always lands. The cancel function closes the channel.
func (it *Interpreter) Subscribe(buffer int) (<-chan ExecutionState, func()) {
	return it.hub.Subscribe(buffer)
}

// CurrentPosition returns the position of the next character to execute.
func (it *Interpreter) CurrentPosition() Position {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.pos
}

// Output returns the accumulated program output.
func (it *Interpreter) Output() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.output.String()
}

// TapeCells returns a copy of the whole tape.
func (it *Interpreter) TapeCells() []uint32 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.tape.Cells()
}

// TapeWindow returns a copy of cells [start, end), clamped to the tape
// bounds.
func (it *Interpreter) TapeWindow(start, end int) []uint32 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.tape.Window(start, end)
}

// Pointer returns the current tape pointer.
func (it *Interpreter) Pointer() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.tape.Pointer()
}

// Metrics returns the metrics of the current or most recent run.
func (it *Interpreter) Metrics() RunMetrics {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.liveMetricsLocked()
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// SetCellLabel attaches a display label to a tape cell. An empty label
// removes the entry.
func (it *Interpreter) SetCellLabel(index int, label string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if label == "" {
		delete(it.cellLabels, index)
		return
	}
	it.cellLabels[index] = label
}

// CellLabel returns the label attached to a tape cell, if any.
func (it *Interpreter) CellLabel(index int) (string, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	label, ok := it.cellLabels[index]
	return label, ok
}

// CellLabels returns a copy of every cell label.
func (it *Interpreter) CellLabels() map[int]string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return copyLabels(it.cellLabels)
}

// SetLaneLabel attaches a display label to a view lane. An empty label
// removes the entry.
func (it *Interpreter) SetLaneLabel(lane int, label string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if label == "" {
		delete(it.laneLabels, lane)
		return
	}
	it.laneLabels[lane] = label
}

// LaneLabel returns the label attached to a view lane, if any.
func (it *Interpreter) LaneLabel(lane int) (string, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	label, ok := it.laneLabels[lane]
	return label, ok
}

// LaneLabels returns a copy of every lane label.
func (it *Interpreter) LaneLabels() map[int]string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return copyLabels(it.laneLabels)
}

func copyLabels(src map[int]string) map[int]string {
	out := make(map[int]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Stepped execution
// ---------------------------------------------------------------------------

// Step executes a single instruction. Comment characters before it are
// consumed in the same call. Stepping while paused executes the instruction
// the pause stopped ahead of.
func (it *Interpreter) Step() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	switch it.state {
	case stateStopped:
		return ErrStopped
	case stateInputWait:
		return ErrWaitingForInput
	}
	if it.loop != nil {
		return ErrAlreadyRunning
	}
	it.stepLocked()
	it.publishLocked()
	return nil
}

// StepToPosition steps repeatedly until execution reaches the target
// position, pauses, waits for input, or ends. A Pause from another
// goroutine interrupts it.
func (it *Interpreter) StepToPosition(target Position) error {
	it.mu.Lock()
	switch it.state {
	case stateStopped:
		it.mu.Unlock()
		return ErrStopped
	case stateInputWait:
		it.mu.Unlock()
		return ErrWaitingForInput
	}
	if it.loop != nil {
		it.mu.Unlock()
		return ErrAlreadyRunning
	}
	it.state = stateIdle
	it.pauseReason = ""
	it.mu.Unlock()

	for {
		it.mu.Lock()
		if it.state != stateIdle || it.loop != nil {
			it.mu.Unlock()
			return nil
		}
		it.stepLocked()
		it.publishLocked()
		reached := it.pos == target
		it.mu.Unlock()
		if reached {
			return nil
		}
	}
}

// stepLocked advances execution by one instruction, line jump, or pause.
// Comment characters are skipped iteratively within the call. Callers
// inspect it.state afterwards to learn what happened.
func (it *Interpreter) stepLocked() {
	for {
		if it.pos.Line >= it.program.LineCount() {
			it.stopLocked()
			return
		}
		ch, ok := it.program.CharAt(it.pos)
		if !ok {
			next, more := it.program.NextLine(it.pos)
			if !more {
				it.stopLocked()
				return
			}
			it.pos = next
			continue
		}

		marker := ch == BreakpointMarker
		registered := it.breakpoints[it.pos] && IsInstruction(ch)
		if (marker || registered) && (it.lastPaused == nil || *it.lastPaused != it.pos) {
			reason := PauseBreakpoint
			if marker {
				reason = PauseMarker
			}
			p := it.pos
			it.lastPaused = &p
			it.pauseLocked(reason)
			return
		}
		if it.lastPaused != nil && *it.lastPaused != it.pos {
			it.lastPaused = nil
		}

		switch {
		case ch == LineJumpMarker:
			next, more := it.program.NextLine(it.pos)
			if !more {
				it.stopLocked()
				return
			}
			it.pos = next
			it.trackSourcePositionLocked()
			return
		case ch == ',':
			it.state = stateInputWait
			it.pauseReason = PauseInput
			it.clockStopLocked()
			it.trackSourcePositionLocked()
			return
		case IsInstruction(ch):
			it.executeLocked(ch)
			it.trackSourcePositionLocked()
			return
		default:
			next, more := it.program.NextPos(it.pos)
			if !more {
				it.stopLocked()
				return
			}
			it.pos = next
		}
	}
}

// executeLocked applies one instruction's effect and advances past it. A
// bracket whose condition holds jumps to its match first, landing just past
// it; an unmatched bracket falls through.
func (it *Interpreter) executeLocked(ch byte) {
	switch ch {
	case '+':
		it.tape.Add(int64(it.incrementStep))
	case '-':
		it.tape.Add(-1)
	case '>':
		it.tape.Advance(1)
	case '<':
		it.tape.Advance(-1)
	case '[':
		if it.tape.Read() == 0 {
			if match, ok := it.program.MatchOf(it.pos); ok {
				it.pos = match
			}
		}
	case ']':
		if it.tape.Read() != 0 {
			if match, ok := it.program.MatchOf(it.pos); ok {
				it.pos = match
			}
		}
	case '.':
		v := it.tape.Read()
		if utf8.ValidRune(rune(v)) {
			it.output.WriteRune(rune(v))
		}
	}
	it.metrics.Ops++
	if next, ok := it.program.NextPos(it.pos); ok {
		it.pos = next
	} else {
		it.stopLocked()
	}
}

// ---------------------------------------------------------------------------
// Input
// ---------------------------------------------------------------------------

// ProvideInput delivers one character to a pending ',' instruction. The
// character's code point is written to the current cell modulo the cell
// width and the run resumes where it left off. Calling it when no input is
// pending changes nothing.
func (it *Interpreter) ProvideInput(ch rune) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state != stateInputWait {
		log.Infof("input %q ignored; interpreter is not waiting for input", ch)
		return ErrNotWaitingForInput
	}

	it.tape.Write(uint64(uint32(ch)))
	it.metrics.Ops++

	wasTurbo := it.turboPaused && it.turbo != nil
	it.turboPaused = false
	if wasTurbo {
		it.turbo.pc++
		it.syncTurboPosLocked()
	} else if next, ok := it.program.NextPos(it.pos); ok {
		it.pos = next
		it.trackSourcePositionLocked()
	} else {
		it.stopLocked()
		it.publishLocked()
		return nil
	}

	it.pauseReason = ""
	switch {
	case it.loop != nil:
		it.state = stateRunning
		it.clockStartLocked()
		it.signalResumeLocked()
	case wasTurbo:
		it.state = stateIdle
		if err := it.spawnTurboLocked(true); err != nil {
			log.Errorf("resume after input: %v", err)
		}
	default:
		it.state = stateIdle
	}
	it.publishLocked()
	return nil
}

// WaitingForInput reports whether execution is blocked on a ',' instruction.
func (it *Interpreter) WaitingForInput() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state == stateInputWait
}

// ---------------------------------------------------------------------------
// Pause, resume, stop, reset
// ---------------------------------------------------------------------------

// Pause suspends execution at the next instruction boundary. Pausing during
// an input wait leaves the wait in place.
func (it *Interpreter) Pause() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	switch it.state {
	case stateStopped:
		return ErrStopped
	case stateInputWait:
		log.Info("pause requested while waiting for input; input wait stands")
		return nil
	case statePaused:
		return nil
	}
	it.pauseLocked(PauseRequested)
	it.publishLocked()
	return nil
}

// Resume continues a paused run. A paused turbo run restarts its batch
// loop; a paused stepped run picks up on its next tick.
func (it *Interpreter) Resume() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	switch it.state {
	case stateInputWait:
		return ErrWaitingForInput
	case statePaused:
	default:
		return ErrNotPaused
	}

	it.pauseReason = ""
	if it.loop != nil {
		it.state = stateRunning
		it.clockStartLocked()
		it.signalResumeLocked()
		it.publishLocked()
		return nil
	}
	if it.turboPaused && it.turbo != nil {
		it.turboPaused = false
		it.state = stateIdle
		if err := it.spawnTurboLocked(true); err != nil {
			return err
		}
		it.publishLocked()
		return nil
	}
	it.state = stateIdle
	it.publishLocked()
	return nil
}

// Stop ends the run and finalizes its metrics. A stopped interpreter
// rejects further execution until Reset.
func (it *Interpreter) Stop() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state == stateStopped {
		return nil
	}
	it.stopLocked()
	it.publishLocked()
	return nil
}

// Reset clears the tape, output, position, and metrics, and halts any run
// loop. The program text and breakpoints are kept.
func (it *Interpreter) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.resetLocked()
	it.publishLocked()
}

func (it *Interpreter) resetLocked() {
	if it.loop != nil {
		it.loop.halt()
		it.loop = nil
	}
	it.tape.Reset()
	it.pos = Position{}
	it.output.Reset()
	it.state = stateIdle
	it.pauseReason = ""
	it.lastPaused = nil
	it.turbo = nil
	it.turboPaused = false
	it.metrics = RunMetrics{}
	it.metricsFinal = false
	it.runStart = time.Time{}
	it.trackSourcePositionLocked()
}

func (it *Interpreter) pauseLocked(reason string) {
	it.state = statePaused
	it.pauseReason = reason
	it.clockStopLocked()
}

func (it *Interpreter) stopLocked() {
	if it.state == stateStopped {
		return
	}
	it.state = stateStopped
	it.pauseReason = ""
	it.finalizeMetricsLocked()
	if it.loop != nil {
		it.loop.halt()
		it.loop = nil
	}
}

func (it *Interpreter) signalResumeLocked() {
	select {
	case it.resumeCh <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Metrics clock
// ---------------------------------------------------------------------------

func (it *Interpreter) clockStartLocked() {
	it.runStart = time.Now()
}

func (it *Interpreter) clockStopLocked() {
	if !it.runStart.IsZero() {
		it.metrics.Duration += time.Since(it.runStart)
		it.runStart = time.Time{}
	}
}

func (it *Interpreter) finalizeMetricsLocked() {
	if it.metricsFinal {
		return
	}
	it.clockStopLocked()
	if secs := it.metrics.Duration.Seconds(); secs > 0 {
		it.metrics.OpsPerSec = float64(it.metrics.Ops) / secs
	}
	it.metricsFinal = true
}

// liveMetricsLocked returns the metrics with the in-flight duration added
// when a run is still on the clock.
func (it *Interpreter) liveMetricsLocked() RunMetrics {
	m := it.metrics
	if !it.metricsFinal && !it.runStart.IsZero() {
		m.Duration += time.Since(it.runStart)
		if secs := m.Duration.Seconds(); secs > 0 {
			m.OpsPerSec = float64(m.Ops) / secs
		}
	}
	return m
}

// ---------------------------------------------------------------------------
// State snapshot
// ---------------------------------------------------------------------------

func (it *Interpreter) buildStateLocked() ExecutionState {
	st := ExecutionState{
		Pointer:           it.tape.Pointer(),
		TapeSize:          it.tape.Size(),
		CellWidth:         it.tape.WidthBits(),
		LaneCount:         it.laneCount,
		Running:           it.state == stateRunning,
		Paused:            it.state == statePaused,
		Stopped:           it.state == stateStopped,
		WaitingForInput:   it.state == stateInputWait,
		PauseReason:       it.pauseReason,
		Position:          it.pos,
		Output:            it.output.String(),
		Breakpoints:       slices.Clone(it.sortedBreakpoints),
		SourceBreakpoints: slices.Clone(it.sortedSrcBreakpoints),
		MacroContext:      slices.Clone(it.macroCtx),
		Metrics:           it.liveMetricsLocked(),
	}
	if it.srcPos != nil {
		p := *it.srcPos
		st.SourcePosition = &p
	}
	return st
}

func (it *Interpreter) publishLocked() {
	it.hub.Publish(it.buildStateLocked())
}
