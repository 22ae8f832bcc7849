package vm

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: cbor encode mode: %v", err))
	}
	encMode = em
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("vm: cbor decode mode: %v", err))
	}
	decMode = dm
}

// Snapshot is a complete, restorable capture of interpreter state: tape
// configuration and contents, pointer, position, output, and labels.
type Snapshot struct {
	TapeSize      int            `cbor:"1,keyasint" json:"tapeSize"`
	CellWidth     int            `cbor:"2,keyasint" json:"cellWidth"`
	LaneCount     int            `cbor:"3,keyasint" json:"laneCount"`
	Pointer       int            `cbor:"4,keyasint" json:"pointer"`
	Cells         []uint32       `cbor:"5,keyasint" json:"cells"`
	Position      Position       `cbor:"6,keyasint" json:"position"`
	Output        string         `cbor:"7,keyasint" json:"output"`
	CellLabels    map[int]string `cbor:"8,keyasint,omitempty" json:"cellLabels,omitempty"`
	LaneLabels    map[int]string `cbor:"9,keyasint,omitempty" json:"laneLabels,omitempty"`
	IncrementStep int            `cbor:"10,keyasint" json:"incrementStep"`
}

// Marshal encodes the snapshot as canonical CBOR.
func (s *Snapshot) Marshal() ([]byte, error) {
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("vm: marshal snapshot: %w", err)
	}
	return data, nil
}

// Encode is Marshal with a size ceiling. A positive limit rejects encodings
// above it with a SnapshotTooLargeError.
func (s *Snapshot) Encode(limit int) ([]byte, error) {
	data, err := s.Marshal()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(data) > limit {
		return nil, &SnapshotTooLargeError{Bytes: len(data), Limit: limit}
	}
	return data, nil
}

// UnmarshalSnapshot decodes a canonical CBOR snapshot.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := decMode.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// Snapshot captures the current interpreter state.
func (it *Interpreter) Snapshot() *Snapshot {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.snapshotLocked()
}

func (it *Interpreter) snapshotLocked() *Snapshot {
	return &Snapshot{
		TapeSize:      it.tape.Size(),
		CellWidth:     it.tape.WidthBits(),
		LaneCount:     it.laneCount,
		Pointer:       it.tape.Pointer(),
		Cells:         it.tape.Cells(),
		Position:      it.pos,
		Output:        it.output.String(),
		CellLabels:    copyLabels(it.cellLabels),
		LaneLabels:    copyLabels(it.laneLabels),
		IncrementStep: it.incrementStep,
	}
}

// LoadSnapshot replaces the interpreter state with a stored capture. Any
// run loop is halted first. The snapshot's tape configuration is validated
// the same way the setters validate it.
func (it *Interpreter) LoadSnapshot(s *Snapshot) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.loop != nil {
		it.loop.halt()
		it.loop = nil
	}
	if err := it.loadSnapshotLocked(s); err != nil {
		return err
	}
	it.state = stateIdle
	it.pauseReason = ""
	it.lastPaused = nil
	it.metrics = RunMetrics{}
	it.metricsFinal = false
	it.runStart = time.Time{}
	it.publishLocked()
	return nil
}

func (it *Interpreter) loadSnapshotLocked(s *Snapshot) error {
	if err := it.tape.Resize(s.TapeSize, s.CellWidth); err != nil {
		return fmt.Errorf("vm: load snapshot: %w", err)
	}
	it.tape.load(s.Cells, s.Pointer)
	if s.LaneCount >= 1 && s.LaneCount <= 10 {
		it.laneCount = s.LaneCount
	}
	if s.IncrementStep >= 1 {
		it.incrementStep = s.IncrementStep
	}
	it.pos = s.Position
	it.output.Reset()
	it.output.WriteString(s.Output)
	it.cellLabels = copyLabels(s.CellLabels)
	it.laneLabels = copyLabels(s.LaneLabels)
	it.turbo = nil
	it.turboPaused = false
	it.trackSourcePositionLocked()
	return nil
}
