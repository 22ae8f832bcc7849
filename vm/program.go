package vm

import "strings"

// ---------------------------------------------------------------------------
// Instruction character set
// ---------------------------------------------------------------------------

// The eight executing instructions. Every other character in a program is
// either a marker or a comment.
const instructionChars = "+-<>[].,"

// Marker characters. Neither mutates the tape and neither counts as an
// executed operation.
const (
	// BreakpointMarker pauses execution immediately ahead of the marker and
	// resumes past it on the next step.
	BreakpointMarker byte = '$'

	// LineJumpMarker advances execution to the start of the next line,
	// skipping the remainder of the current one.
	LineJumpMarker byte = '/'
)

// IsInstruction reports whether ch is one of the eight executing
// instruction characters.
func IsInstruction(ch byte) bool {
	return strings.IndexByte(instructionChars, ch) >= 0
}

// ---------------------------------------------------------------------------
// Program index
// ---------------------------------------------------------------------------

// BracketIssue records an unmatched bracket found while indexing a program.
// Unmatched brackets are reported, not fatal: the bracket executes as a
// fall-through no-op.
type BracketIssue struct {
	Pos  Position
	Char byte
}

// Program is a read snapshot of the instruction stream, addressed by
// (line, column), with a derived bidirectional bracket match index. The
// editor collaborator owns the text; the interpreter rebuilds this index
// whenever it is handed a new snapshot.
type Program struct {
	lines   []string
	loopMap map[Position]Position
	issues  []BracketIssue
}

// NewProgram builds an empty program index.
func NewProgram() *Program {
	return &Program{loopMap: make(map[Position]Position)}
}

// SetLines replaces the program text and rebuilds the bracket index.
func (p *Program) SetLines(lines []string) {
	p.lines = make([]string, len(lines))
	copy(p.lines, lines)
	p.rebuild()
}

// Lines returns a copy of the program text.
func (p *Program) Lines() []string {
	out := make([]string, len(p.lines))
	copy(out, p.lines)
	return out
}

// LineCount returns the number of lines in the program.
func (p *Program) LineCount() int { return len(p.lines) }

// Issues returns the unmatched brackets found by the last rebuild.
func (p *Program) Issues() []BracketIssue { return p.issues }

// rebuild scans the program once, matching brackets with a stack. An
// unmatched close is recorded and skipped; opens left on the stack at the
// end of the scan are recorded. The scan always completes.
func (p *Program) rebuild() {
	p.loopMap = make(map[Position]Position)
	p.issues = nil

	var stack []Position
	for lineIdx, line := range p.lines {
		for colIdx := 0; colIdx < len(line); colIdx++ {
			pos := Position{Line: lineIdx, Column: colIdx}
			switch line[colIdx] {
			case '[':
				stack = append(stack, pos)
			case ']':
				if len(stack) == 0 {
					log.Errorf("unmatched ] at %v", pos)
					p.issues = append(p.issues, BracketIssue{Pos: pos, Char: ']'})
					continue
				}
				open := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				p.loopMap[open] = pos
				p.loopMap[pos] = open
			}
		}
	}
	for _, open := range stack {
		log.Errorf("unmatched [ at %v", open)
		p.issues = append(p.issues, BracketIssue{Pos: open, Char: '['})
	}
}

// MatchOf returns the position of the bracket matching the one at pos. The
// second result is false when pos is not an indexed bracket or its partner
// is missing.
func (p *Program) MatchOf(pos Position) (Position, bool) {
	m, ok := p.loopMap[pos]
	return m, ok
}

// CharAt returns the character at pos. The second result is false past the
// end of the line or the end of the program.
func (p *Program) CharAt(pos Position) (byte, bool) {
	if pos.Line < 0 || pos.Line >= len(p.lines) {
		return 0, false
	}
	line := p.lines[pos.Line]
	if pos.Column < 0 || pos.Column >= len(line) {
		return 0, false
	}
	return line[pos.Column], true
}

// NextPos returns the position one character forward: the next column, or
// the start of the next line when the current line is exhausted. The second
// result is false at the end of the program.
func (p *Program) NextPos(pos Position) (Position, bool) {
	if pos.Line >= len(p.lines) {
		return pos, false
	}
	if pos.Column+1 < len(p.lines[pos.Line]) {
		return Position{Line: pos.Line, Column: pos.Column + 1}, true
	}
	return p.startOfLine(pos.Line + 1)
}

// NextLine returns the start of the line after pos. The second result is
// false when pos is on the last line.
func (p *Program) NextLine(pos Position) (Position, bool) {
	return p.startOfLine(pos.Line + 1)
}

func (p *Program) startOfLine(line int) (Position, bool) {
	if line >= len(p.lines) {
		return Position{Line: line}, false
	}
	return Position{Line: line}, true
}
