package vm

import (
	"strings"
	"testing"
)

// testMapTable models a source file whose first line carries two plain
// instructions followed by a macro call `:quad(4)` that expands to four
// instructions, and whose third source line maps to a second expanded line.
func testMapTable() *MapTable {
	return NewMapTable([]MapEntry{
		{
			ExpandedRange: MapRange{Start: MapPosition{Line: 0, Column: 0}, End: MapPosition{Line: 0, Column: 1}},
			SourceRange:   MapRange{Start: MapPosition{Line: 0, Column: 0}, End: MapPosition{Line: 0, Column: 1}},
		},
		{
			ExpandedRange:   MapRange{Start: MapPosition{Line: 0, Column: 2}, End: MapPosition{Line: 0, Column: 5}},
			SourceRange:     MapRange{Start: MapPosition{Line: 0, Column: 2}, End: MapPosition{Line: 0, Column: 8}},
			MacroName:       "quad",
			ExpansionDepth:  1,
			ParameterValues: map[string]string{"n": "4"},
		},
		{
			ExpandedRange: MapRange{Start: MapPosition{Line: 1, Column: 0}, End: MapPosition{Line: 1, Column: 0}},
			SourceRange:   MapRange{Start: MapPosition{Line: 2, Column: 0}, End: MapPosition{Line: 2, Column: 0}},
		},
	})
}

// ---------------------------------------------------------------------------
// Range containment
// ---------------------------------------------------------------------------

func TestMapRangeContains(t *testing.T) {
	single := MapRange{Start: MapPosition{Line: 0, Column: 2}, End: MapPosition{Line: 0, Column: 7}}
	multi := MapRange{Start: MapPosition{Line: 1, Column: 5}, End: MapPosition{Line: 3, Column: 2}}

	cases := []struct {
		r            MapRange
		line, column int
		want         bool
	}{
		{single, 0, 2, true},
		{single, 0, 7, true},
		{single, 0, 4, true},
		{single, 0, 1, false},
		{single, 0, 8, false},
		{single, 1, 0, false},
		{multi, 1, 5, true},
		{multi, 2, 0, true},
		{multi, 2, 999, true},
		{multi, 3, 2, true},
		{multi, 1, 4, false},
		{multi, 3, 3, false},
		{multi, 0, 9, false},
	}
	for _, c := range cases {
		if got := c.r.contains(c.line, c.column); got != c.want {
			t.Errorf("contains(%d, %d) on %v = %v, want %v", c.line, c.column, c.r, got, c.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Expanded -> source resolution
// ---------------------------------------------------------------------------

func TestSourcePositionExactStart(t *testing.T) {
	m := testMapTable()
	entry, ok := m.SourcePosition(0, 2)
	if !ok {
		t.Fatal("SourcePosition(0, 2) did not resolve")
	}
	if entry.MacroName != "quad" {
		t.Errorf("MacroName = %q, want quad", entry.MacroName)
	}
}

func TestSourcePositionCoveringEntry(t *testing.T) {
	m := testMapTable()
	// Column 4 starts no entry; the macro's expanded range covers it.
	entry, ok := m.SourcePosition(0, 4)
	if !ok {
		t.Fatal("SourcePosition(0, 4) did not resolve")
	}
	if entry.SourceRange.Start.Column != 2 {
		t.Errorf("source column = %d, want 2", entry.SourceRange.Start.Column)
	}
}

func TestSourcePositionSmallestCoverWins(t *testing.T) {
	// A nested expansion produces an inner entry lying inside an outer one.
	m := NewMapTable([]MapEntry{
		{
			ExpandedRange: MapRange{Start: MapPosition{Line: 0, Column: 0}, End: MapPosition{Line: 0, Column: 9}},
			SourceRange:   MapRange{Start: MapPosition{Line: 0, Column: 0}, End: MapPosition{Line: 0, Column: 9}},
			MacroName:     "outer",
		},
		{
			ExpandedRange: MapRange{Start: MapPosition{Line: 0, Column: 3}, End: MapPosition{Line: 0, Column: 5}},
			SourceRange:   MapRange{Start: MapPosition{Line: 0, Column: 3}, End: MapPosition{Line: 0, Column: 5}},
			MacroName:     "inner",
		},
	})
	entry, ok := m.SourcePosition(0, 4)
	if !ok {
		t.Fatal("SourcePosition(0, 4) did not resolve")
	}
	if entry.MacroName != "inner" {
		t.Errorf("resolved %q, want the smaller covering entry inner", entry.MacroName)
	}
}

func TestSourcePositionMiss(t *testing.T) {
	m := testMapTable()
	if _, ok := m.SourcePosition(5, 0); ok {
		t.Error("SourcePosition(5, 0) resolved, want miss")
	}
	if _, ok := m.SourcePosition(0, 99); ok {
		t.Error("SourcePosition(0, 99) resolved, want miss")
	}
}

// ---------------------------------------------------------------------------
// Source -> expanded lookup
// ---------------------------------------------------------------------------

func TestExpandedPositionsEmissionOrder(t *testing.T) {
	m := NewMapTable([]MapEntry{
		{
			ExpandedRange: MapRange{Start: MapPosition{Line: 0, Column: 0}, End: MapPosition{Line: 0, Column: 1}},
			SourceRange:   MapRange{Start: MapPosition{Line: 3, Column: 0}, End: MapPosition{Line: 3, Column: 4}},
			MacroName:     "first",
		},
		{
			ExpandedRange: MapRange{Start: MapPosition{Line: 1, Column: 0}, End: MapPosition{Line: 1, Column: 1}},
			SourceRange:   MapRange{Start: MapPosition{Line: 3, Column: 0}, End: MapPosition{Line: 3, Column: 4}},
			MacroName:     "second",
		},
	})
	entries := m.ExpandedPositions(3, 0)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].MacroName != "first" || entries[1].MacroName != "second" {
		t.Errorf("order = %q, %q; want first, second", entries[0].MacroName, entries[1].MacroName)
	}
}

func TestSourceEntriesOnLine(t *testing.T) {
	m := testMapTable()
	if got := len(m.SourceEntriesOnLine(0)); got != 2 {
		t.Errorf("line 0 entries = %d, want 2", got)
	}
	if got := len(m.SourceEntriesOnLine(1)); got != 0 {
		t.Errorf("line 1 entries = %d, want 0", got)
	}
	if got := len(m.SourceEntriesOnLine(2)); got != 1 {
		t.Errorf("line 2 entries = %d, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// Macro context
// ---------------------------------------------------------------------------

func TestMacroContextReversesCallStack(t *testing.T) {
	m := NewMapTable([]MapEntry{
		{
			ExpandedRange:  MapRange{Start: MapPosition{Line: 0, Column: 0}, End: MapPosition{Line: 0, Column: 3}},
			SourceRange:    MapRange{Start: MapPosition{Line: 0, Column: 0}, End: MapPosition{Line: 0, Column: 6}},
			MacroName:      "inner",
			ExpansionDepth: 2,
			MacroCallStack: []MacroCall{
				{MacroName: "outer", Parameters: map[string]string{"x": "1"}},
				{MacroName: "inner", Parameters: map[string]string{"y": "2"}},
			},
		},
	})
	frames := m.MacroContext(0, 1)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Name != "inner" || frames[1].Name != "outer" {
		t.Errorf("frame order = %q, %q; want innermost first", frames[0].Name, frames[1].Name)
	}
	if frames[0].Parameters["y"] != "2" {
		t.Errorf("inner parameters = %v", frames[0].Parameters)
	}
}

func TestMacroContextSingleMacro(t *testing.T) {
	m := testMapTable()
	frames := m.MacroContext(0, 3)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Name != "quad" || frames[0].Parameters["n"] != "4" {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestMacroContextOutsideMacro(t *testing.T) {
	m := testMapTable()
	if frames := m.MacroContext(0, 0); frames != nil {
		t.Errorf("plain code returned context %v", frames)
	}
	if frames := m.MacroContext(9, 9); frames != nil {
		t.Errorf("unmapped position returned context %v", frames)
	}
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

func TestParseMapTable(t *testing.T) {
	data := `{
		"version": 1,
		"entries": [
			{
				"expanded_range": {"start": {"line": 0, "column": 0}, "end": {"line": 0, "column": 3}},
				"source_range": {"start": {"line": 0, "column": 0}, "end": {"line": 0, "column": 7}},
				"macro_name": "dup",
				"expansion_depth": 1,
				"parameter_values": {"count": "2"}
			}
		]
	}`
	m, err := ParseMapTable([]byte(data))
	if err != nil {
		t.Fatalf("ParseMapTable failed: %v", err)
	}
	entry, ok := m.SourcePosition(0, 2)
	if !ok {
		t.Fatal("parsed table did not resolve (0, 2)")
	}
	if entry.MacroName != "dup" || entry.ParameterValues["count"] != "2" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestParseMapTableRejectsBadJSON(t *testing.T) {
	_, err := ParseMapTable([]byte("{not json"))
	if err == nil {
		t.Fatal("ParseMapTable accepted malformed input")
	}
	if !strings.Contains(err.Error(), "parsing source map") {
		t.Errorf("error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Source breakpoint resolution
// ---------------------------------------------------------------------------

func TestResolveSourceBreakpoint(t *testing.T) {
	m := testMapTable()

	cases := []struct {
		name string
		src  Position
		want []Position
	}{
		{"exact column", Position{Line: 0, Column: 0}, []Position{{Line: 0, Column: 0}}},
		{"one-based column", Position{Line: 0, Column: 1}, []Position{{Line: 0, Column: 2}}},
		{"line fallback picks widest expansion", Position{Line: 0, Column: 7}, []Position{{Line: 0, Column: 2}}},
		{"no code on line", Position{Line: 7, Column: 0}, nil},
	}
	for _, c := range cases {
		got := resolveSourceBreakpoint(m, c.src)
		if len(got) != len(c.want) {
			t.Errorf("%s: resolved %v, want %v", c.name, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("%s: resolved %v, want %v", c.name, got, c.want)
			}
		}
	}
}

func TestToggleSourceBreakpointLifecycle(t *testing.T) {
	it := NewInterpreter()
	defer it.Close()
	it.SetProgram([]string{"++++++"})
	it.UseSourceMap(testMapTable())

	src := Position{Line: 0, Column: 2}
	if err := it.ToggleSourceBreakpoint(src); err != nil {
		t.Fatalf("ToggleSourceBreakpoint failed: %v", err)
	}
	if !it.HasSourceBreakpointAt(src) {
		t.Error("source breakpoint not registered")
	}
	if !it.HasBreakpointAt(Position{Line: 0, Column: 2}) {
		t.Error("resolved expanded breakpoint not set")
	}

	st := it.State()
	if len(st.SourceBreakpoints) != 1 || st.SourceBreakpoints[0] != src {
		t.Errorf("published source breakpoints = %v", st.SourceBreakpoints)
	}

	if err := it.ToggleSourceBreakpoint(src); err != nil {
		t.Fatalf("toggle off failed: %v", err)
	}
	if it.HasSourceBreakpointAt(src) || it.HasBreakpointAt(Position{Line: 0, Column: 2}) {
		t.Error("toggle off left breakpoints behind")
	}
}

func TestToggleSourceBreakpointWithoutMap(t *testing.T) {
	it := NewInterpreter()
	defer it.Close()
	it.SetProgram([]string{"+++"})

	if err := it.ToggleSourceBreakpoint(Position{Line: 0}); err != nil {
		t.Fatalf("got error %v, want reported no-op", err)
	}
	if len(it.State().Breakpoints) != 0 {
		t.Error("breakpoint set without a source map")
	}

	// A detached or nil table behaves the same.
	it.SetSourceMap(nil)
	if err := it.ToggleSourceBreakpoint(Position{Line: 0}); err != nil {
		t.Fatalf("got error %v after nil attach", err)
	}
	if len(it.State().Breakpoints) != 0 {
		t.Error("breakpoint set with a nil table")
	}
}

func TestToggleSourceBreakpointLineWithoutCode(t *testing.T) {
	it := NewInterpreter()
	defer it.Close()
	it.SetProgram([]string{"++++++"})
	it.UseSourceMap(testMapTable())

	if err := it.ToggleSourceBreakpoint(Position{Line: 7}); err != nil {
		t.Fatalf("got error %v, want reported no-op", err)
	}
	if len(it.State().Breakpoints) != 0 {
		t.Error("breakpoint set on a source line with no code")
	}
}

func TestSourceBreakpointPausesExecution(t *testing.T) {
	it := NewInterpreter()
	defer it.Close()
	it.SetProgram([]string{"++++++"})
	it.UseSourceMap(testMapTable())

	if err := it.ToggleSourceBreakpoint(Position{Line: 0, Column: 2}); err != nil {
		t.Fatalf("ToggleSourceBreakpoint failed: %v", err)
	}
	if err := it.RunImmediately(); err != nil {
		t.Fatalf("RunImmediately failed: %v", err)
	}
	st := waitState(t, it, "pause", func(st ExecutionState) bool { return st.Paused })
	if st.Position != (Position{Line: 0, Column: 2}) {
		t.Errorf("paused at %v, want 0:2", st.Position)
	}
	if st.PauseReason != PauseBreakpoint {
		t.Errorf("pause reason = %q", st.PauseReason)
	}
	if got := it.TapeCells()[0]; got != 2 {
		t.Errorf("cell 0 at pause = %d, want 2", got)
	}
	if st.SourcePosition == nil || *st.SourcePosition != (Position{Line: 0, Column: 2}) {
		t.Errorf("source position = %v, want 0:2", st.SourcePosition)
	}
	if len(st.MacroContext) != 1 || st.MacroContext[0].Name != "quad" {
		t.Errorf("macro context = %v", st.MacroContext)
	}

	if err := it.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	waitState(t, it, "stop", func(st ExecutionState) bool { return st.Stopped })
	if got := it.TapeCells()[0]; got != 6 {
		t.Errorf("cell 0 = %d, want 6", got)
	}
}

func TestSourcePositionTrackingClearsOutsideMap(t *testing.T) {
	it := NewInterpreter()
	defer it.Close()
	it.SetProgram([]string{"++++++", "++"})
	it.UseSourceMap(testMapTable())

	if err := it.StepToPosition(Position{Line: 0, Column: 3}); err != nil {
		t.Fatalf("StepToPosition failed: %v", err)
	}
	st := it.State()
	if st.SourcePosition == nil || st.SourcePosition.Column != 2 {
		t.Errorf("inside macro: source position = %v, want column 2", st.SourcePosition)
	}

	// Line 1 column 1 is outside every mapped range.
	if err := it.StepToPosition(Position{Line: 1, Column: 1}); err != nil {
		t.Fatalf("StepToPosition failed: %v", err)
	}
	if st := it.State(); st.SourcePosition != nil {
		t.Errorf("outside map: source position = %v, want cleared", st.SourcePosition)
	}
}
