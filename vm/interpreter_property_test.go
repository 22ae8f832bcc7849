package vm

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// linesFromBytes maps generated bytes onto program lines over a fixed
// alphabet, twelve characters per line.
func linesFromBytes(raw []uint8, alphabet string) []string {
	var lines []string
	var line []byte
	for _, b := range raw {
		line = append(line, alphabet[int(b)%len(alphabet)])
		if len(line) == 12 {
			lines = append(lines, string(line))
			line = nil
		}
	}
	if len(line) > 0 {
		lines = append(lines, string(line))
	}
	return lines
}

// stepToEnd drives an interpreter with single steps until it stops. The
// bound guards against runaway programs; loop-free inputs finish well
// under it.
func stepToEnd(it *Interpreter) bool {
	for i := 0; i < 20000; i++ {
		if err := it.Step(); err != nil {
			return errors.Is(err, ErrStopped)
		}
	}
	return false
}

// turboToEnd launches a turbo run and polls for the stop.
func turboToEnd(it *Interpreter) bool {
	if err := it.RunTurbo(); err != nil {
		return false
	}
	deadline := time.Now().Add(5 * time.Second)
	for !it.State().Stopped {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// ---------------------------------------------------------------------------
// Bracket index properties
// ---------------------------------------------------------------------------

func TestBracketIndexProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every bracket is either paired both ways or reported", prop.ForAll(
		func(raw []uint8) bool {
			lines := linesFromBytes(raw, "[]+-x")
			p := NewProgram()
			p.SetLines(lines)

			unmatched := make(map[Position]bool)
			for _, issue := range p.Issues() {
				unmatched[issue.Pos] = true
			}

			for li, line := range lines {
				for ci := 0; ci < len(line); ci++ {
					pos := Position{Line: li, Column: ci}
					ch := line[ci]
					if ch != '[' && ch != ']' {
						if _, ok := p.MatchOf(pos); ok {
							return false
						}
						continue
					}
					partner, ok := p.MatchOf(pos)
					if !ok {
						if !unmatched[pos] {
							return false
						}
						continue
					}
					if unmatched[pos] {
						return false
					}
					pch, ok := p.CharAt(partner)
					if !ok {
						return false
					}
					if ch == '[' && (pch != ']' || !pos.Before(partner)) {
						return false
					}
					if ch == ']' && (pch != '[' || !partner.Before(pos)) {
						return false
					}
					back, ok := p.MatchOf(partner)
					if !ok || back != pos {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

// ---------------------------------------------------------------------------
// Execution mode equivalence properties
// ---------------------------------------------------------------------------

// Loop-free alphabets keep generated programs terminating. Comment
// characters and line jumps are included on purpose: the compiled forms
// drop or rewire them and must still agree with stepping.

func TestTurboMatchesSteppedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("turbo and stepped runs end in the same state", prop.ForAll(
		func(raw []uint8) bool {
			lines := linesFromBytes(raw, "+-<>.a/ ")

			stepped := NewInterpreter()
			defer stepped.Close()
			stepped.SetTapeSize(64)
			stepped.SetProgram(lines)
			if !stepToEnd(stepped) {
				return false
			}

			turbo := NewInterpreter()
			defer turbo.Close()
			turbo.SetTapeSize(64)
			turbo.SetProgram(lines)
			if !turboToEnd(turbo) {
				return false
			}

			return stepped.Pointer() == turbo.Pointer() &&
				stepped.Output() == turbo.Output() &&
				stepped.Metrics().Ops == turbo.Metrics().Ops &&
				slices.Equal(stepped.TapeCells(), turbo.TapeCells())
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestOptimizedMatchesPlainTurboProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("run collapsing does not change the result", prop.ForAll(
		func(raw []uint8) bool {
			lines := linesFromBytes(raw, "+-<>.b/")

			optimized := NewInterpreter()
			defer optimized.Close()
			optimized.SetTapeSize(64)
			optimized.SetProgram(lines)
			if !turboToEnd(optimized) {
				return false
			}

			// A breakpoint on a line past the program forces the
			// one-to-one compile without ever firing.
			plain := NewInterpreter()
			defer plain.Close()
			plain.SetTapeSize(64)
			plain.SetProgram(lines)
			plain.ToggleBreakpoint(Position{Line: 1000})
			if !turboToEnd(plain) {
				return false
			}

			return optimized.Pointer() == plain.Pointer() &&
				optimized.Output() == plain.Output() &&
				optimized.Metrics().Ops == plain.Metrics().Ops &&
				slices.Equal(optimized.TapeCells(), plain.TapeCells())
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
