package vm

import (
	"fmt"
	"slices"
	"time"
)

// ---------------------------------------------------------------------------
// Engine interface
// ---------------------------------------------------------------------------

// Engine is the control surface shared by the in-process interpreter and
// the out-of-process worker client. A session talks to whichever engine is
// active through this interface and moves state between them with
// ExportTransfer and ImportTransfer.
type Engine interface {
	SetProgram(lines []string)
	SetTapeSize(n int) error
	SetCellWidth(bits int) error
	SetLaneCount(n int) error
	SetIncrementStep(n int) error

	Run(delay time.Duration) error
	RunSmooth() error
	RunImmediately() error
	RunTurbo() error
	ResumeTurbo() error
	RunFromPosition(pos Position, delay time.Duration) error
	Step() error
	StepToPosition(pos Position) error

	Pause() error
	Resume() error
	Stop() error
	Reset()

	ProvideInput(ch rune) error

	ToggleBreakpoint(pos Position)
	ToggleSourceBreakpoint(src Position) error
	ClearBreakpoints()
	SetSourceMap(table *MapTable)

	State() ExecutionState
	Subscribe(buffer int) (<-chan ExecutionState, func())
	TapeCells() []uint32
	TapeWindow(start, end int) []uint32

	Snapshot() *Snapshot
	LoadSnapshot(s *Snapshot) error

	ExportTransfer() *Transfer
	ImportTransfer(tr *Transfer) error

	Close() error
}

var _ Engine = (*Interpreter)(nil)

// ---------------------------------------------------------------------------
// Engine transfer
// ---------------------------------------------------------------------------

// SourceBinding records which expanded breakpoints a source breakpoint
// resolved to, so toggling it off on the receiving engine removes the same
// set.
type SourceBinding struct {
	Source   Position   `cbor:"1,keyasint" json:"source"`
	Expanded []Position `cbor:"2,keyasint" json:"expanded"`
}

// Transfer is everything needed to continue a session on another engine:
// program text, execution snapshot, breakpoint sets, source map, and the
// metrics accumulated so far.
type Transfer struct {
	Lines          []string        `cbor:"1,keyasint" json:"lines"`
	Snapshot       *Snapshot       `cbor:"2,keyasint" json:"snapshot"`
	Breakpoints    []Position      `cbor:"3,keyasint,omitempty" json:"breakpoints,omitempty"`
	SourceBindings []SourceBinding `cbor:"4,keyasint,omitempty" json:"sourceBindings,omitempty"`
	SourceMap      *MapTable       `cbor:"5,keyasint,omitempty" json:"sourceMap,omitempty"`
	LastPaused     *Position       `cbor:"6,keyasint,omitempty" json:"lastPaused,omitempty"`
	Metrics        RunMetrics      `cbor:"7,keyasint" json:"metrics"`
	TurboYieldOps  int             `cbor:"8,keyasint" json:"turboYieldOps"`
}

// Marshal encodes the transfer as canonical CBOR.
func (tr *Transfer) Marshal() ([]byte, error) {
	data, err := encMode.Marshal(tr)
	if err != nil {
		return nil, fmt.Errorf("vm: marshal transfer: %w", err)
	}
	return data, nil
}

// UnmarshalTransfer decodes a canonical CBOR transfer.
func UnmarshalTransfer(data []byte) (*Transfer, error) {
	var tr Transfer
	if err := decMode.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("vm: unmarshal transfer: %w", err)
	}
	return &tr, nil
}

// ExportTransfer captures the session-continuation state of this engine.
// The engine itself is left untouched; pause it first for a consistent
// capture.
func (it *Interpreter) ExportTransfer() *Transfer {
	it.mu.Lock()
	defer it.mu.Unlock()
	tr := &Transfer{
		Lines:         it.program.Lines(),
		Snapshot:      it.snapshotLocked(),
		Breakpoints:   slices.Clone(it.sortedBreakpoints),
		Metrics:       it.liveMetricsLocked(),
		TurboYieldOps: it.turboYieldOps,
	}
	for _, src := range it.sortedSrcBreakpoints {
		tr.SourceBindings = append(tr.SourceBindings, SourceBinding{
			Source:   src,
			Expanded: slices.Clone(it.srcBreakpoints[src]),
		})
	}
	if it.lastPaused != nil {
		p := *it.lastPaused
		tr.LastPaused = &p
	}
	if table, ok := it.sourceMap.(*MapTable); ok {
		tr.SourceMap = table
	}
	return tr
}

// ImportTransfer replaces this engine's state with a transferred capture.
// Any run loop is halted; the engine comes up idle at the transferred
// position, ready to resume in any mode.
func (it *Interpreter) ImportTransfer(tr *Transfer) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.loop != nil {
		it.loop.halt()
		it.loop = nil
	}
	it.program.SetLines(tr.Lines)
	if tr.SourceMap != nil {
		tr.SourceMap.Reindex()
		it.sourceMap = tr.SourceMap
	}
	if tr.TurboYieldOps > 0 {
		it.turboYieldOps = tr.TurboYieldOps
	}
	if tr.Snapshot != nil {
		if err := it.loadSnapshotLocked(tr.Snapshot); err != nil {
			return err
		}
	}
	it.breakpoints = make(map[Position]bool, len(tr.Breakpoints))
	for _, pos := range tr.Breakpoints {
		it.breakpoints[pos] = true
	}
	it.srcBreakpoints = make(map[Position][]Position, len(tr.SourceBindings))
	for _, b := range tr.SourceBindings {
		it.srcBreakpoints[b.Source] = slices.Clone(b.Expanded)
	}
	it.lastPaused = nil
	if tr.LastPaused != nil {
		p := *tr.LastPaused
		it.lastPaused = &p
	}
	it.metrics = tr.Metrics
	it.metricsFinal = false
	it.state = stateIdle
	it.pauseReason = ""
	it.turbo = nil
	it.turboPaused = false
	it.breakpointSetChangedLocked()
	return nil
}
