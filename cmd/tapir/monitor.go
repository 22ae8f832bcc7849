package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chazu/tapir/session"
	"github.com/chazu/tapir/vm"
)

// monitor is the interactive debugging surface. One goroutine pumps stdin
// lines into a channel so a running program can be paused by pressing enter
// while the monitor waits on state updates.
type monitor struct {
	sess    *session.Session
	itp     *vm.Interpreter
	feed    *inputFeed
	program []string

	lines   chan string
	states  <-chan vm.ExecutionState
	cancel  func()
	printed int
}

// runMonitor drives the monitor until quit or EOF.
func runMonitor(sess *session.Session, itp *vm.Interpreter, feed *inputFeed, program []string) {
	m := &monitor{sess: sess, itp: itp, feed: feed, program: program, lines: make(chan string)}
	m.states, m.cancel = sess.Subscribe(64)
	defer m.cancel()

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			m.lines <- sc.Text()
		}
		close(m.lines)
	}()

	fmt.Println("Tapir monitor (type 'help' for commands, 'quit' to exit)")
	for {
		fmt.Print("(tapir) ")
		line, ok := <-m.lines
		if !ok {
			fmt.Println()
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return
		}
		m.dispatch(fields[0], fields[1:])
	}
}

func (m *monitor) dispatch(cmd string, args []string) {
	switch cmd {
	case "help", "h", "?":
		printMonitorHelp()
	case "load":
		m.cmdLoad(args)
	case "map":
		m.cmdMap(args)
	case "list", "l":
		m.cmdList()
	case "step", "s":
		m.cmdStep(args)
	case "stepto":
		m.cmdStepTo(args)
	case "run", "r":
		m.cmdRun(args)
	case "smooth":
		m.drain()
		m.startRun(m.sess.RunSmooth())
	case "turbo", "t":
		m.drain()
		m.startRun(m.sess.RunTurbo())
	case "resume", "c":
		m.cmdResume(args)
	case "stop":
		if err := m.sess.Stop(); err != nil {
			fmt.Printf("stop: %v\n", err)
		}
		m.drain()
	case "reset":
		m.sess.Reset()
		m.printed = 0
		m.drain()
		fmt.Println("reset")
	case "state", "st":
		m.drain()
		printState(m.sess.State(), m.sess.Delegated())
	case "tape":
		m.cmdTape(args)
	case "break", "b":
		m.cmdBreak(args)
	case "sbreak":
		m.cmdSourceBreak(args)
	case "breaks":
		m.cmdBreaks()
	case "clear":
		m.sess.ClearBreakpoints()
		fmt.Println("breakpoints cleared")
	case "set":
		m.cmdSet(args)
	case "label":
		m.cmdLabel(args, m.itp.SetCellLabel)
	case "lanelabel":
		m.cmdLabel(args, m.itp.SetLaneLabel)
	case "input":
		m.feed.push(strings.Join(args, " "))
	case "save":
		m.cmdSave(args)
	case "restore":
		m.cmdRestore(args)
	default:
		fmt.Printf("unknown command %q (type 'help' for commands)\n", cmd)
	}
}

func printMonitorHelp() {
	fmt.Println("Commands:")
	fmt.Println("  load <file>         Load a program (resets execution)")
	fmt.Println("  map <file>          Attach a source map")
	fmt.Println("  list, l             List the program with breakpoint marks")
	fmt.Println("  step [n], s         Execute n instructions (default 1)")
	fmt.Println("  stepto L:C          Step until position L:C")
	fmt.Println("  run [delay], r      Run (optional per-step delay, e.g. 16ms)")
	fmt.Println("  smooth              Run at 60 steps per second")
	fmt.Println("  turbo, t            Run at full speed")
	fmt.Println("  resume [turbo], c   Continue a paused run")
	fmt.Println("  stop                End the run")
	fmt.Println("  reset               Clear tape, output, and position")
	fmt.Println("  state, st           Show the execution state")
	fmt.Println("  tape [start end]    Show tape cells around the pointer")
	fmt.Println("  break L:C, b        Toggle a breakpoint")
	fmt.Println("  sbreak L[:C]        Toggle a source-level breakpoint")
	fmt.Println("  breaks              List breakpoints")
	fmt.Println("  clear               Remove all breakpoints")
	fmt.Println("  set <key> <n>       Change tape geometry: size, width, lanes, inc")
	fmt.Println("  label N [name]      Label a tape cell (no name removes it)")
	fmt.Println("  lanelabel N [name]  Label a display lane")
	fmt.Println("  input <text>        Queue input for ','")
	fmt.Println("  save <file>         Write a snapshot")
	fmt.Println("  restore <file>      Load a snapshot")
	fmt.Println("  quit, exit          Leave the monitor")
	fmt.Println("During a run, press enter to pause.")
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (m *monitor) cmdLoad(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: load <file>")
		return
	}
	lines, err := readProgram(args[0])
	if err != nil {
		fmt.Printf("load: %v\n", err)
		return
	}
	m.sess.SetProgram(lines)
	m.program = lines
	m.printed = 0
	m.drain()
	fmt.Printf("loaded %s (%d lines)\n", args[0], len(lines))
}

func (m *monitor) cmdMap(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: map <file>")
		return
	}
	table, err := readSourceMap(args[0])
	if err != nil {
		fmt.Printf("map: %v\n", err)
		return
	}
	m.sess.SetSourceMap(table)
	fmt.Printf("source map attached from %s\n", args[0])
}

func (m *monitor) cmdList() {
	if len(m.program) == 0 {
		fmt.Println("no program loaded")
		return
	}
	st := m.sess.State()
	broken := make(map[int]bool, len(st.Breakpoints))
	for _, pos := range st.Breakpoints {
		broken[pos.Line] = true
	}
	for i, line := range m.program {
		mark := " "
		if broken[i] {
			mark = "*"
		}
		cursor := " "
		if st.Position.Line == i {
			cursor = ">"
		}
		fmt.Printf("%s%s%3d  %s\n", cursor, mark, i, line)
	}
}

func (m *monitor) cmdStep(args []string) {
	n := 1
	if len(args) == 1 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			fmt.Println("usage: step [n]")
			return
		}
		n = v
	}
	for i := 0; i < n; i++ {
		if err := m.sess.Step(); err != nil {
			fmt.Printf("step: %v\n", err)
			break
		}
	}
	m.drain()
	st := m.sess.State()
	fmt.Printf("at %s", formatPosition(st.Position))
	if st.Stopped {
		fmt.Print("  (stopped)")
	}
	fmt.Println()
}

func (m *monitor) cmdStepTo(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: stepto L:C")
		return
	}
	pos, err := parsePosition(args[0])
	if err != nil {
		fmt.Printf("stepto: %v\n", err)
		return
	}
	if err := m.sess.StepToPosition(pos); err != nil {
		fmt.Printf("stepto: %v\n", err)
	}
	m.drain()
	fmt.Printf("at %s\n", formatPosition(m.sess.State().Position))
}

func (m *monitor) cmdRun(args []string) {
	var delay time.Duration
	if len(args) == 1 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			fmt.Println("usage: run [delay]  (e.g. run 16ms)")
			return
		}
		delay = d
	}
	m.drain()
	if delay > 0 {
		m.startRun(m.sess.Run(delay))
	} else {
		m.startRun(m.sess.RunImmediately())
	}
}

func (m *monitor) cmdResume(args []string) {
	m.drain()
	var err error
	if len(args) == 1 && args[0] == "turbo" {
		err = m.sess.ResumeTurbo()
	} else {
		err = m.sess.Resume()
	}
	m.startRun(err)
}

func (m *monitor) cmdTape(args []string) {
	st := m.sess.State()
	start, end := st.Pointer-8, st.Pointer+9
	if len(args) == 2 {
		a, err1 := strconv.Atoi(args[0])
		b, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			fmt.Println("usage: tape [start end]")
			return
		}
		start, end = a, b+1
	}
	if start < 0 {
		start = 0
	}
	if end > st.TapeSize {
		end = st.TapeSize
	}
	cells := m.sess.TapeWindow(start, end)
	labels := m.itp.CellLabels()
	for i, v := range cells {
		idx := start + i
		marker := " "
		if idx == st.Pointer {
			marker = ">"
		}
		if label, ok := labels[idx]; ok {
			fmt.Printf("%s#%d (%s) = %d\n", marker, idx, label, v)
		} else {
			fmt.Printf("%s#%d = %d\n", marker, idx, v)
		}
	}
}

func (m *monitor) cmdBreak(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: break L:C")
		return
	}
	pos, err := parsePosition(args[0])
	if err != nil {
		fmt.Printf("break: %v\n", err)
		return
	}
	m.sess.ToggleBreakpoint(pos)
	fmt.Printf("toggled breakpoint at %s\n", formatPosition(pos))
}

func (m *monitor) cmdSourceBreak(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: sbreak L[:C]")
		return
	}
	var pos vm.Position
	if strings.Contains(args[0], ":") {
		p, err := parsePosition(args[0])
		if err != nil {
			fmt.Printf("sbreak: %v\n", err)
			return
		}
		pos = p
	} else {
		line, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println("usage: sbreak L[:C]")
			return
		}
		pos = vm.Position{Line: line}
	}
	if err := m.sess.ToggleSourceBreakpoint(pos); err != nil {
		fmt.Printf("sbreak: %v\n", err)
		return
	}
	fmt.Printf("toggled source breakpoint at %s\n", formatPosition(pos))
}

func (m *monitor) cmdBreaks() {
	st := m.sess.State()
	if len(st.Breakpoints) == 0 && len(st.SourceBreakpoints) == 0 {
		fmt.Println("no breakpoints")
		return
	}
	for _, pos := range st.Breakpoints {
		fmt.Printf("  %s\n", formatPosition(pos))
	}
	for _, pos := range st.SourceBreakpoints {
		fmt.Printf("  %s (source)\n", formatPosition(pos))
	}
}

func (m *monitor) cmdSet(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: set size|width|lanes|inc <n>")
		return
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Println("usage: set size|width|lanes|inc <n>")
		return
	}
	switch args[0] {
	case "size":
		err = m.sess.SetTapeSize(n)
	case "width":
		err = m.sess.SetCellWidth(n)
	case "lanes":
		err = m.sess.SetLaneCount(n)
	case "inc":
		err = m.sess.SetIncrementStep(n)
	default:
		fmt.Println("usage: set size|width|lanes|inc <n>")
		return
	}
	if err != nil {
		fmt.Printf("set: %v\n", err)
		return
	}
	m.drain()
	fmt.Printf("%s = %d\n", args[0], n)
}

func (m *monitor) cmdLabel(args []string, set func(int, string)) {
	if len(args) == 0 {
		fmt.Println("usage: label N [name]")
		return
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("usage: label N [name]")
		return
	}
	set(idx, strings.Join(args[1:], " "))
}

func (m *monitor) cmdSave(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: save <file>")
		return
	}
	tr := m.sess.ExportTransfer()
	if tr == nil {
		fmt.Println("save: nothing to export")
		return
	}
	data, err := vm.NewImageWriter().Encode(tr)
	if err != nil {
		fmt.Printf("save: %v\n", err)
		return
	}
	if err := os.WriteFile(args[0], data, 0644); err != nil {
		fmt.Printf("save: %v\n", err)
		return
	}
	fmt.Printf("saved %d bytes to %s\n", len(data), args[0])
}

func (m *monitor) cmdRestore(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: restore <file>")
		return
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Printf("restore: %v\n", err)
		return
	}
	ir, err := vm.NewImageReaderFromBytes(data)
	if err != nil {
		fmt.Printf("restore: %v\n", err)
		return
	}
	tr, err := ir.Decode()
	if err != nil {
		fmt.Printf("restore: %v\n", err)
		return
	}
	if err := m.sess.ImportTransfer(tr); err != nil {
		fmt.Printf("restore: %v\n", err)
		return
	}
	m.program = tr.Lines
	m.printed = len(m.sess.State().Output)
	m.drain()
	fmt.Printf("restored from %s, at %s\n", args[0], formatPosition(m.sess.State().Position))
}

// ---------------------------------------------------------------------------
// Run waiting
// ---------------------------------------------------------------------------

// startRun reports a refused run or waits for the one just started to settle.
func (m *monitor) startRun(err error) {
	if err != nil {
		fmt.Printf("run: %v\n", err)
		return
	}
	m.waitSettled()
}

// waitSettled consumes state updates until the run pauses, stops, or the
// operator intervenes. Any line typed while waiting pauses the run.
func (m *monitor) waitSettled() {
	for {
		select {
		case st, ok := <-m.states:
			if !ok {
				return
			}
			m.echoOutput(st)
			switch {
			case st.WaitingForInput:
				m.feedInput()
			case st.Paused:
				fmt.Printf("paused at %s (%s)\n", formatPosition(st.Position), st.PauseReason)
				describeSource(st)
				return
			case st.Stopped:
				mt := st.Metrics
				fmt.Printf("stopped: %d ops in %s (%.0f ops/s, %s)\n", mt.Ops, mt.Duration, mt.OpsPerSec, mt.Mode)
				return
			}
		case _, ok := <-m.lines:
			if !ok {
				m.sess.Stop()
				return
			}
			if err := m.sess.Pause(); err != nil {
				fmt.Printf("pause: %v\n", err)
			}
		}
	}
}

func (m *monitor) feedInput() {
	if !m.feed.buffered() {
		fmt.Print("input> ")
		line, ok := <-m.lines
		if !ok {
			m.sess.Stop()
			return
		}
		m.feed.push(line + "\n")
	}
	if err := m.sess.ProvideInput(m.feed.pop()); err != nil {
		fmt.Printf("input rejected: %v\n", err)
	}
}

// drain consumes buffered state updates so a later wait only sees fresh ones.
func (m *monitor) drain() {
	for {
		select {
		case st, ok := <-m.states:
			if !ok {
				return
			}
			m.echoOutput(st)
		default:
			return
		}
	}
}

func (m *monitor) echoOutput(st vm.ExecutionState) {
	if len(st.Output) > m.printed {
		fmt.Print(st.Output[m.printed:])
		m.printed = len(st.Output)
	}
	if len(st.Output) < m.printed {
		m.printed = len(st.Output)
	}
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

func formatPosition(pos vm.Position) string {
	return fmt.Sprintf("%d:%d", pos.Line, pos.Column)
}

func parsePosition(s string) (vm.Position, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return vm.Position{}, fmt.Errorf("want L:C, got %q", s)
	}
	line, err := strconv.Atoi(parts[0])
	if err != nil {
		return vm.Position{}, fmt.Errorf("bad line in %q", s)
	}
	col, err := strconv.Atoi(parts[1])
	if err != nil {
		return vm.Position{}, fmt.Errorf("bad column in %q", s)
	}
	return vm.Position{Line: line, Column: col}, nil
}

func printState(st vm.ExecutionState, delegated bool) {
	status := "idle"
	switch {
	case st.Running:
		status = "running"
	case st.WaitingForInput:
		status = "waiting for input"
	case st.Paused:
		status = fmt.Sprintf("paused (%s)", st.PauseReason)
	case st.Stopped:
		status = "stopped"
	}
	engine := "local"
	if delegated {
		engine = "worker"
	}
	fmt.Printf("status:  %s at %s (%s engine)\n", status, formatPosition(st.Position), engine)
	fmt.Printf("tape:    %d cells, %d-bit, %d lanes, pointer at #%d\n", st.TapeSize, st.CellWidth, st.LaneCount, st.Pointer)
	fmt.Printf("output:  %q (%d runes)\n", tail(st.Output, 40), len([]rune(st.Output)))
	mt := st.Metrics
	fmt.Printf("metrics: %d ops in %s (%.0f ops/s, %s)\n", mt.Ops, mt.Duration, mt.OpsPerSec, mt.Mode)
	if len(st.Breakpoints) > 0 || len(st.SourceBreakpoints) > 0 {
		fmt.Printf("breaks:  %d expanded, %d source\n", len(st.Breakpoints), len(st.SourceBreakpoints))
	}
	describeSource(st)
}

func describeSource(st vm.ExecutionState) {
	if st.SourcePosition != nil {
		fmt.Printf("source:  %s\n", formatPosition(*st.SourcePosition))
	}
	for _, frame := range st.MacroContext {
		if len(frame.Parameters) == 0 {
			fmt.Printf("  in macro %s\n", frame.Name)
			continue
		}
		params := make([]string, 0, len(frame.Parameters))
		for k, v := range frame.Parameters {
			params = append(params, k+"="+v)
		}
		fmt.Printf("  in macro %s(%s)\n", frame.Name, strings.Join(params, ", "))
	}
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n:])
}
