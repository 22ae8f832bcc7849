package vm

import "testing"

// ---------------------------------------------------------------------------
// Loop map tests
// ---------------------------------------------------------------------------

func TestLoopMapSimplePair(t *testing.T) {
	p := NewProgram()
	p.SetLines([]string{"[-]"})

	open := Position{Line: 0, Column: 0}
	closing := Position{Line: 0, Column: 2}

	got, ok := p.MatchOf(open)
	if !ok || got != closing {
		t.Errorf("MatchOf(%v) = %v, %v; want %v, true", open, got, ok, closing)
	}
	got, ok = p.MatchOf(closing)
	if !ok || got != open {
		t.Errorf("MatchOf(%v) = %v, %v; want %v, true", closing, got, ok, open)
	}
}

func TestLoopMapNested(t *testing.T) {
	p := NewProgram()
	p.SetLines([]string{"[[]]"})

	outerOpen := Position{Line: 0, Column: 0}
	outerClose := Position{Line: 0, Column: 3}
	innerOpen := Position{Line: 0, Column: 1}
	innerClose := Position{Line: 0, Column: 2}

	if got, _ := p.MatchOf(outerOpen); got != outerClose {
		t.Errorf("outer open matches %v, want %v", got, outerClose)
	}
	if got, _ := p.MatchOf(innerOpen); got != innerClose {
		t.Errorf("inner open matches %v, want %v", got, innerClose)
	}
}

func TestLoopMapAcrossLines(t *testing.T) {
	p := NewProgram()
	p.SetLines([]string{"[+", "-]"})

	open := Position{Line: 0, Column: 0}
	closing := Position{Line: 1, Column: 1}
	if got, ok := p.MatchOf(open); !ok || got != closing {
		t.Errorf("MatchOf(%v) = %v, %v; want %v, true", open, got, ok, closing)
	}
}

func TestUnmatchedBracketsReported(t *testing.T) {
	p := NewProgram()
	p.SetLines([]string{"[+", "]]"})

	// One pair matches; the extra ] is reported.
	issues := p.Issues()
	if len(issues) != 1 {
		t.Fatalf("Issues() has %d entries, want 1", len(issues))
	}
	if issues[0].Char != ']' {
		t.Errorf("issue char = %q, want ']'", issues[0].Char)
	}
	if want := (Position{Line: 1, Column: 1}); issues[0].Pos != want {
		t.Errorf("issue position = %v, want %v", issues[0].Pos, want)
	}

	// The unmatched bracket has no map entry.
	if _, ok := p.MatchOf(issues[0].Pos); ok {
		t.Error("unmatched bracket should not be in the loop map")
	}
}

func TestUnmatchedOpenReported(t *testing.T) {
	p := NewProgram()
	p.SetLines([]string{"[[+]"})

	issues := p.Issues()
	if len(issues) != 1 {
		t.Fatalf("Issues() has %d entries, want 1", len(issues))
	}
	if issues[0].Char != '[' {
		t.Errorf("issue char = %q, want '['", issues[0].Char)
	}
}

func TestSetLinesRebuildsMap(t *testing.T) {
	p := NewProgram()
	p.SetLines([]string{"[]"})
	p.SetLines([]string{"+[-]+"})

	open := Position{Line: 0, Column: 1}
	closing := Position{Line: 0, Column: 3}
	if got, ok := p.MatchOf(open); !ok || got != closing {
		t.Errorf("MatchOf(%v) = %v, %v; want %v, true", open, got, ok, closing)
	}
	if _, ok := p.MatchOf(Position{Line: 0, Column: 0}); ok {
		t.Error("stale map entry survived SetLines")
	}
}

// ---------------------------------------------------------------------------
// Navigation tests
// ---------------------------------------------------------------------------

func TestNextPosWithinLine(t *testing.T) {
	p := NewProgram()
	p.SetLines([]string{"+-"})

	next, ok := p.NextPos(Position{Line: 0, Column: 0})
	if !ok || next != (Position{Line: 0, Column: 1}) {
		t.Errorf("NextPos = %v, %v; want 0:1, true", next, ok)
	}
}

func TestNextPosCrossesLineBoundary(t *testing.T) {
	p := NewProgram()
	p.SetLines([]string{"+", "-"})

	next, ok := p.NextPos(Position{Line: 0, Column: 0})
	if !ok || next != (Position{Line: 1, Column: 0}) {
		t.Errorf("NextPos = %v, %v; want 1:0, true", next, ok)
	}
}

func TestNextPosPastEnd(t *testing.T) {
	p := NewProgram()
	p.SetLines([]string{"+"})

	_, ok := p.NextPos(Position{Line: 0, Column: 0})
	if ok {
		t.Error("NextPos at the last character should report the end")
	}
}

func TestNextPosOntoEmptyLine(t *testing.T) {
	p := NewProgram()
	p.SetLines([]string{"+", "", "-"})

	// Lands at the start of the empty line; CharAt there is out of range.
	next, ok := p.NextPos(Position{Line: 0, Column: 0})
	if !ok || next != (Position{Line: 1, Column: 0}) {
		t.Errorf("NextPos = %v, %v; want 1:0, true", next, ok)
	}
	if _, ok := p.CharAt(next); ok {
		t.Error("CharAt on an empty line should report out of range")
	}
}

func TestIsInstruction(t *testing.T) {
	for _, ch := range []byte("+-<>[].,") {
		if !IsInstruction(ch) {
			t.Errorf("IsInstruction(%q) = false, want true", ch)
		}
	}
	for _, ch := range []byte("$/ ax#") {
		if IsInstruction(ch) {
			t.Errorf("IsInstruction(%q) = true, want false", ch)
		}
	}
}
