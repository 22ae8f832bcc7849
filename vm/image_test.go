package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"slices"
	"testing"
)

// imageFixture steps an interpreter up to a paused source breakpoint, so
// a saved image carries program, tape state, both breakpoint kinds, the
// source map, and the pause suppression marker.
func imageFixture(t *testing.T) *Interpreter {
	t.Helper()
	it := NewInterpreter()
	it.SetProgram([]string{"++++++", "+"})
	it.UseSourceMap(testMapTable())
	it.ToggleBreakpoint(Position{Line: 1, Column: 0})
	if err := it.ToggleSourceBreakpoint(Position{Line: 0, Column: 2}); err != nil {
		t.Fatalf("ToggleSourceBreakpoint failed: %v", err)
	}
	// The third step pauses on the resolved breakpoint at 0:2.
	for i := 0; i < 3; i++ {
		if err := it.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	if st := it.State(); !st.Paused || st.Position != (Position{Line: 0, Column: 2}) {
		t.Fatalf("fixture state = %+v, want paused at 0:2", st)
	}
	return it
}

// ---------------------------------------------------------------------------
// Round trip
// ---------------------------------------------------------------------------

func TestImageRoundTrip(t *testing.T) {
	src := imageFixture(t)
	defer src.Close()

	var buf bytes.Buffer
	if err := src.SaveImageTo(&buf); err != nil {
		t.Fatalf("SaveImageTo failed: %v", err)
	}

	dst := NewInterpreter()
	defer dst.Close()
	if err := dst.LoadImageFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("LoadImageFrom failed: %v", err)
	}

	if !slices.Equal(dst.ProgramLines(), []string{"++++++", "+"}) {
		t.Errorf("lines = %v", dst.ProgramLines())
	}
	if got := dst.TapeCells()[0]; got != 2 {
		t.Errorf("cell 0 = %d, want 2", got)
	}
	if dst.State().Position != (Position{Line: 0, Column: 2}) {
		t.Errorf("position = %v, want 0:2", dst.State().Position)
	}
	if !dst.HasBreakpointAt(Position{Line: 1, Column: 0}) {
		t.Error("expanded breakpoint missing after load")
	}
	if !dst.HasSourceBreakpointAt(Position{Line: 0, Column: 2}) {
		t.Error("source breakpoint missing after load")
	}
	// The source map section restored: position tracking resolves again.
	if st := dst.State(); st.SourcePosition == nil || st.SourcePosition.Column != 2 {
		t.Errorf("source position = %v, want inside the macro entry", st.SourcePosition)
	}

	// The pause suppression crossed the format too: the next step executes
	// the instruction under the breakpoint instead of pausing again.
	if err := dst.Step(); err != nil {
		t.Fatalf("Step after load failed: %v", err)
	}
	if got := dst.TapeCells()[0]; got != 3 {
		t.Errorf("cell 0 after step = %d, want 3", got)
	}
}

func TestImageFileRoundTrip(t *testing.T) {
	src := imageFixture(t)
	defer src.Close()

	path := filepath.Join(t.TempDir(), "workspace.tapd")
	if err := src.SaveImage(path); err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}

	dst := NewInterpreter()
	defer dst.Close()
	if err := dst.LoadImage(path); err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if got := dst.TapeCells()[0]; got != 2 {
		t.Errorf("cell 0 = %d, want 2", got)
	}
}

func TestImageWithoutOptionalSections(t *testing.T) {
	it := NewInterpreter()
	defer it.Close()
	it.SetProgram([]string{"+"})

	data, err := NewImageWriter().Encode(it.ExportTransfer())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	ir, err := NewImageReaderFromBytes(data)
	if err != nil {
		t.Fatalf("NewImageReaderFromBytes failed: %v", err)
	}
	h := ir.Header()
	if h.Flags&ImageFlagSourceMap != 0 || h.Flags&ImageFlagBreakpoints != 0 {
		t.Errorf("flags = %#x, want no optional sections", h.Flags)
	}
	tr, err := ir.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if tr.SourceMap != nil || len(tr.Breakpoints) != 0 || len(tr.SourceBindings) != 0 {
		t.Errorf("decoded optional sections from a bare image: %+v", tr)
	}
}

// ---------------------------------------------------------------------------
// Header validation
// ---------------------------------------------------------------------------

func TestImageHeader(t *testing.T) {
	src := imageFixture(t)
	defer src.Close()
	var buf bytes.Buffer
	if err := src.SaveImageTo(&buf); err != nil {
		t.Fatalf("SaveImageTo failed: %v", err)
	}

	ir, err := NewImageReaderFromBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("NewImageReaderFromBytes failed: %v", err)
	}
	h := ir.Header()
	if h.Magic != "TAPD" {
		t.Errorf("magic = %q", h.Magic)
	}
	if h.Version != ImageVersion {
		t.Errorf("version = %d", h.Version)
	}
	if h.Flags&ImageFlagSourceMap == 0 || h.Flags&ImageFlagBreakpoints == 0 {
		t.Errorf("flags = %#x, want both optional sections", h.Flags)
	}
	if h.ProgramOffset != ImageHeaderSize {
		t.Errorf("program offset = %d, want %d", h.ProgramOffset, ImageHeaderSize)
	}
	if h.SnapshotOffset <= h.ProgramOffset || h.MapOffset <= h.SnapshotOffset || h.BreakpointOffset <= h.MapOffset {
		t.Errorf("section offsets out of order: %+v", h)
	}
}

func TestImageRejectsBadMagic(t *testing.T) {
	src := imageFixture(t)
	defer src.Close()
	var buf bytes.Buffer
	if err := src.SaveImageTo(&buf); err != nil {
		t.Fatalf("SaveImageTo failed: %v", err)
	}
	data := buf.Bytes()
	copy(data, "JUNK")

	if _, err := NewImageReaderFromBytes(data); !errors.Is(err, ErrInvalidImageMagic) {
		t.Errorf("err = %v, want bad magic", err)
	}
}

func TestImageRejectsVersionMismatch(t *testing.T) {
	src := imageFixture(t)
	defer src.Close()
	var buf bytes.Buffer
	if err := src.SaveImageTo(&buf); err != nil {
		t.Fatalf("SaveImageTo failed: %v", err)
	}
	data := buf.Bytes()
	binary.LittleEndian.PutUint32(data[4:], ImageVersion+1)

	_, err := NewImageReaderFromBytes(data)
	if !errors.Is(err, ErrImageVersionMismatch) {
		t.Errorf("err = %v, want version mismatch", err)
	}
}

func TestImageRejectsTruncation(t *testing.T) {
	src := imageFixture(t)
	defer src.Close()
	var buf bytes.Buffer
	if err := src.SaveImageTo(&buf); err != nil {
		t.Fatalf("SaveImageTo failed: %v", err)
	}
	data := buf.Bytes()

	if _, err := NewImageReaderFromBytes(data[:10]); !errors.Is(err, ErrCorruptImage) {
		t.Errorf("short header: err = %v, want corrupt image", err)
	}

	// Header intact, sections cut off.
	ir, err := NewImageReaderFromBytes(data[:ImageHeaderSize+6])
	if err != nil {
		t.Fatalf("NewImageReaderFromBytes failed: %v", err)
	}
	if _, err := ir.Decode(); !errors.Is(err, ErrCorruptImage) {
		t.Errorf("truncated sections: err = %v, want corrupt image", err)
	}
}
