package vm

import (
	"runtime"
	"time"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Run loops
// ---------------------------------------------------------------------------

// runLoop identifies one live run goroutine. halt is idempotent; the
// goroutine closes done on exit.
type runLoop struct {
	stop chan struct{}
	done chan struct{}
}

func newRunLoop() *runLoop {
	return &runLoop{stop: make(chan struct{}), done: make(chan struct{})}
}

func (l *runLoop) halt() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

func (l *runLoop) haltRequested() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// beginLoopLocked performs the shared run-start bookkeeping. A resume keeps
// the accumulated op count; a fresh start zeroes the metrics.
func (it *Interpreter) beginLoopLocked(mode string, resume bool) (*runLoop, error) {
	switch it.state {
	case stateStopped:
		return nil, ErrStopped
	case stateInputWait:
		return nil, ErrWaitingForInput
	}
	if it.loop != nil {
		return nil, ErrAlreadyRunning
	}
	if resume {
		it.metricsFinal = false
		it.metrics.Mode = mode
	} else {
		it.metrics = RunMetrics{Mode: mode}
		it.metricsFinal = false
	}
	it.clockStartLocked()
	it.state = stateRunning
	it.pauseReason = ""
	it.turboPaused = false
	l := newRunLoop()
	it.loop = l
	return l, nil
}

func (it *Interpreter) endLoopLocked(l *runLoop) {
	if it.loop == l {
		it.loop = nil
	}
}

// Run starts stepped execution with a fixed delay between instructions.
// Non-positive delays are clamped to one millisecond.
func (it *Interpreter) Run(delay time.Duration) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if delay <= 0 {
		delay = time.Millisecond
	}
	l, err := it.beginLoopLocked(ModeNormal, false)
	if err != nil {
		return err
	}
	go it.timedLoop(l, delay)
	it.publishLocked()
	return nil
}

// RunSmooth starts stepped execution at sixty instructions per second.
func (it *Interpreter) RunSmooth() error {
	return it.Run(time.Second / 60)
}

// RunFromPosition starts stepped execution at an arbitrary program
// position, using the given inter-instruction delay.
func (it *Interpreter) RunFromPosition(pos Position, delay time.Duration) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if delay <= 0 {
		delay = time.Millisecond
	}
	l, err := it.beginLoopLocked(ModeNormal, false)
	if err != nil {
		return err
	}
	it.pos = pos
	it.lastPaused = nil
	it.trackSourcePositionLocked()
	go it.timedLoop(l, delay)
	it.publishLocked()
	return nil
}

// RunFrames steps one instruction per receive on frames, pacing execution
// to an external frame clock. Closing the channel pauses the run.
func (it *Interpreter) RunFrames(frames <-chan struct{}) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	l, err := it.beginLoopLocked(ModeNormal, false)
	if err != nil {
		return err
	}
	go it.frameLoop(l, frames)
	it.publishLocked()
	return nil
}

// RunImmediately steps as fast as the scheduler allows, without delays,
// yielding between batches so pause and stop stay responsive.
func (it *Interpreter) RunImmediately() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	l, err := it.beginLoopLocked(ModeNormal, false)
	if err != nil {
		return err
	}
	go it.immediateLoop(l)
	it.publishLocked()
	return nil
}

// RunTurbo compiles the program to a flat operation list and runs it in
// batches. When no breakpoints are set, run collapsing and clear-loop
// rewriting are applied; otherwise every character stays a pause boundary.
func (it *Interpreter) RunTurbo() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.spawnTurboLocked(false)
}

// ResumeTurbo continues a turbo run from the current position, keeping the
// accumulated metrics. The position may have been moved by stepping or a
// pause in between; the program counter re-syncs to it.
func (it *Interpreter) ResumeTurbo() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.turboPaused = false
	return it.spawnTurboLocked(true)
}

func (it *Interpreter) spawnTurboLocked(resume bool) error {
	l, err := it.beginLoopLocked(ModeTurbo, resume)
	if err != nil {
		return err
	}
	it.prepareTurboLocked()
	go it.turboLoop(l)
	it.publishLocked()
	return nil
}

// ---------------------------------------------------------------------------
// Loop bodies
// ---------------------------------------------------------------------------

func (it *Interpreter) timedLoop(l *runLoop, delay time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !it.tickOnce(l) {
				return
			}
		}
	}
}

func (it *Interpreter) frameLoop(l *runLoop, frames <-chan struct{}) {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case _, ok := <-frames:
			if !ok {
				it.mu.Lock()
				if it.loop == l && it.state == stateRunning {
					it.pauseLocked(PauseRequested)
					it.publishLocked()
				}
				it.endLoopLocked(l)
				it.mu.Unlock()
				return
			}
			if !it.tickOnce(l) {
				return
			}
		}
	}
}

// tickOnce performs one stepped instruction under the lock. It returns
// false when the loop should exit. Pauses and input waits keep the loop
// alive but skip the work.
func (it *Interpreter) tickOnce(l *runLoop) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.loop != l || it.state == stateStopped {
		return false
	}
	if it.state != stateRunning {
		return true
	}
	it.stepLocked()
	it.publishLocked()
	return it.loop == l && it.state != stateStopped
}

func (it *Interpreter) immediateLoop(l *runLoop) {
	defer close(l.done)
	for {
		if l.haltRequested() {
			return
		}
		it.mu.Lock()
		if it.loop != l || it.state == stateStopped {
			it.mu.Unlock()
			return
		}
		if it.state != stateRunning {
			it.mu.Unlock()
			select {
			case <-l.stop:
				return
			case <-it.resumeCh:
			}
			continue
		}
		for i := 0; i < it.turboYieldOps && it.state == stateRunning; i++ {
			it.stepLocked()
		}
		it.publishLocked()
		exit := it.loop != l || it.state == stateStopped
		it.mu.Unlock()
		if exit {
			return
		}
		runtime.Gosched()
	}
}

func (it *Interpreter) turboLoop(l *runLoop) {
	defer close(l.done)
	for {
		if l.haltRequested() {
			return
		}
		it.mu.Lock()
		if it.loop != l || it.state == stateStopped {
			it.mu.Unlock()
			return
		}
		if it.state != stateRunning {
			it.turboPaused = true
			it.endLoopLocked(l)
			it.publishLocked()
			it.mu.Unlock()
			return
		}
		t := it.turbo
		paused := false
		for i := 0; i < it.turboYieldOps; i++ {
			if t.pc >= len(t.prog.ops) {
				it.stopLocked()
				break
			}
			o := t.prog.ops[t.pc]
			if it.lastPaused != nil && *it.lastPaused != o.pos {
				it.lastPaused = nil
			}
			suppressed := it.lastPaused != nil && *it.lastPaused == o.pos
			if o.kind == opBreakMarker {
				if suppressed {
					t.pc++
					continue
				}
				it.pos = o.pos
				p := o.pos
				it.lastPaused = &p
				it.pauseLocked(PauseMarker)
				paused = true
				break
			}
			if o.kind != opLineJump && it.breakpoints[o.pos] && !suppressed {
				it.pos = o.pos
				p := o.pos
				it.lastPaused = &p
				it.pauseLocked(PauseBreakpoint)
				paused = true
				break
			}
			if o.kind == opInput {
				it.pos = o.pos
				it.state = stateInputWait
				it.pauseReason = PauseInput
				it.clockStopLocked()
				it.trackSourcePositionLocked()
				paused = true
				break
			}
			t.pc = it.execOpLocked(o, t.pc, t.prog)
			it.metrics.Ops += opCost(o)
		}
		it.syncTurboPosLocked()
		stopped := it.state == stateStopped
		if paused {
			it.turboPaused = true
			it.endLoopLocked(l)
		}
		it.publishLocked()
		exit := stopped || paused || it.loop != l
		it.mu.Unlock()
		if exit {
			return
		}
		runtime.Gosched()
	}
}

// ---------------------------------------------------------------------------
// Turbo session management
// ---------------------------------------------------------------------------

// prepareTurboLocked compiles the program if needed and syncs the program
// counter to the current position. When the position sits inside a
// collapsed run of an optimized program, the session falls back to the
// one-to-one form so execution enters mid-run correctly.
func (it *Interpreter) prepareTurboLocked() {
	if it.turbo == nil {
		it.turbo = &turboSession{}
	}
	t := it.turbo
	useOpt := len(it.breakpoints) == 0
	if t.prog == nil || t.prog.optimized != useOpt {
		if useOpt {
			t.prog = it.program.flattenOptimized()
		} else {
			t.prog = it.program.flatten()
		}
	}
	idx, exact := t.prog.indexAt(it.pos)
	if !exact && t.prog.optimized {
		if ch, ok := it.program.CharAt(it.pos); ok && (IsInstruction(ch) || ch == BreakpointMarker || ch == LineJumpMarker) {
			t.prog = it.program.flatten()
			idx, _ = t.prog.indexAt(it.pos)
		}
	}
	t.pc = idx
}

// recompileTurboLocked rebuilds a live turbo session in one-to-one form,
// preserving the current program counter position. Used when a breakpoint
// is registered against an optimized session.
func (it *Interpreter) recompileTurboLocked() {
	t := it.turbo
	if t == nil || t.prog == nil {
		return
	}
	cur := Position{Line: it.program.LineCount()}
	if t.pc < len(t.prog.ops) {
		cur = t.prog.ops[t.pc].pos
	}
	t.prog = it.program.flatten()
	t.pc, _ = t.prog.indexAt(cur)
}

// syncTurboPosLocked mirrors the turbo program counter back into the
// document position.
func (it *Interpreter) syncTurboPosLocked() {
	t := it.turbo
	if t == nil || t.prog == nil || len(t.prog.ops) == 0 {
		return
	}
	if t.pc < len(t.prog.ops) {
		it.pos = t.prog.ops[t.pc].pos
	} else {
		it.pos = t.prog.ops[len(t.prog.ops)-1].pos
	}
	it.trackSourcePositionLocked()
}

// execOpLocked applies one compiled op and returns the next program
// counter. A bracket whose condition holds lands just past its match; an
// unmatched bracket falls through.
func (it *Interpreter) execOpLocked(o op, pc int, prog *compiled) int {
	switch o.kind {
	case opIncrement:
		it.tape.Add(int64(o.arg) * int64(it.incrementStep))
	case opDecrement:
		it.tape.Add(-int64(o.arg))
	case opMoveRight:
		it.tape.Advance(o.arg)
	case opMoveLeft:
		it.tape.Advance(-o.arg)
	case opSetZero:
		it.tape.Write(0)
	case opOutput:
		v := it.tape.Read()
		if utf8.ValidRune(rune(v)) {
			it.output.WriteRune(rune(v))
		}
	case opLoopStart:
		if it.tape.Read() == 0 {
			if end, ok := prog.jumps[pc]; ok {
				return end + 1
			}
		}
	case opLoopEnd:
		if it.tape.Read() != 0 {
			if start, ok := prog.jumps[pc]; ok {
				return start + 1
			}
		}
	case opLineJump:
		if target, ok := prog.jumps[pc]; ok {
			return target
		}
		return len(prog.ops)
	}
	return pc + 1
}

// opCost counts a collapsed run as the instructions it replaced, keeping
// the op metric comparable between stepped and turbo runs. Line jumps are
// navigation, not executed instructions, and cost nothing in either mode.
func opCost(o op) uint64 {
	switch o.kind {
	case opIncrement, opDecrement, opMoveRight, opMoveLeft:
		return uint64(o.arg)
	case opLineJump:
		return 0
	default:
		return 1
	}
}
