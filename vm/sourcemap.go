package vm

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Source map: expanded-position ↔ source-position translation
// ---------------------------------------------------------------------------

// SourceMap is the interface the interpreter consumes from the macro
// preprocessor. Implementations translate between positions in the expanded
// (executable) code and positions in the original source, and report the
// macro invocations enclosing an expanded position.
type SourceMap interface {
	// ExpandedPositions returns every map entry whose source range starts at
	// the given source position, in the order the expander emitted them.
	ExpandedPositions(sourceLine, sourceColumn int) []MapEntry

	// SourcePosition resolves an expanded position back to the map entry
	// covering it. ok is false when no entry covers the position.
	SourcePosition(expandedLine, expandedColumn int) (entry MapEntry, ok bool)

	// MacroContext returns the macro invocations active at an expanded
	// position, innermost first. Empty outside any macro expansion.
	MacroContext(expandedLine, expandedColumn int) []MacroFrame

	// SourceEntriesOnLine returns every map entry whose source range starts
	// anywhere on the given source line.
	SourceEntriesOnLine(sourceLine int) []MapEntry
}

// MapPosition is a position as the macro expander records it. Offset is the
// absolute character offset when the expander provides one.
type MapPosition struct {
	Line   int  `json:"line" cbor:"line"`
	Column int  `json:"column" cbor:"column"`
	Offset *int `json:"offset,omitempty" cbor:"offset,omitempty"`
}

// MapRange is a half-open-agnostic span between two positions; both ends are
// treated as covered when testing containment.
type MapRange struct {
	Start MapPosition `json:"start" cbor:"start"`
	End   MapPosition `json:"end" cbor:"end"`
}

// contains reports whether the range covers (line, column).
func (r MapRange) contains(line, column int) bool {
	if line < r.Start.Line || line > r.End.Line {
		return false
	}
	if line == r.Start.Line && column < r.Start.Column {
		return false
	}
	if line == r.End.Line && column > r.End.Column {
		return false
	}
	return true
}

// spanWeight orders ranges by size: more lines first, then more columns.
func (r MapRange) spanWeight() int64 {
	return int64(r.End.Line-r.Start.Line)<<32 + int64(r.End.Column-r.Start.Column)
}

// MacroCall is one frame of the expander's macro call stack.
type MacroCall struct {
	MacroName  string            `json:"macro_name" cbor:"macro_name"`
	CallSite   MapRange          `json:"call_site" cbor:"call_site"`
	Parameters map[string]string `json:"parameters,omitempty" cbor:"parameters,omitempty"`
}

// MapEntry relates one expanded range to the source range it came from.
// MacroName and the call stack are present only for code produced by a macro
// expansion; the stack is ordered outermost first, the way the expander
// pushes frames.
type MapEntry struct {
	ExpandedRange   MapRange          `json:"expanded_range" cbor:"expanded_range"`
	SourceRange     MapRange          `json:"source_range" cbor:"source_range"`
	MacroName       string            `json:"macro_name,omitempty" cbor:"macro_name,omitempty"`
	MacroCallSite   *MapRange         `json:"macro_call_site,omitempty" cbor:"macro_call_site,omitempty"`
	ExpansionDepth  int               `json:"expansion_depth" cbor:"expansion_depth"`
	ParameterValues map[string]string `json:"parameter_values,omitempty" cbor:"parameter_values,omitempty"`
	MacroCallStack  []MacroCall       `json:"macro_call_stack,omitempty" cbor:"macro_call_stack,omitempty"`
}

// MapTable is the concrete SourceMap backed by the expander's entry list.
// Entries are immutable once loaded; the lookup indexes are derived.
type MapTable struct {
	Version int        `json:"version" cbor:"version"`
	Entries []MapEntry `json:"entries" cbor:"entries"`

	sourceStarts   map[Position][]int
	sourceLines    map[int][]int
	expandedStarts map[Position][]int
	expandedLines  map[int][]int
}

// NewMapTable wraps an entry list and builds the lookup indexes.
func NewMapTable(entries []MapEntry) *MapTable {
	t := &MapTable{Version: 1, Entries: entries}
	t.Reindex()
	return t
}

// ParseMapTable decodes the JSON form the macro expander emits.
func ParseMapTable(data []byte) (*MapTable, error) {
	var t MapTable
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("vm: parsing source map: %w", err)
	}
	t.Reindex()
	return &t, nil
}

// Reindex rebuilds the derived lookup indexes. Call after decoding a
// MapTable received without them (e.g. off the wire).
func (t *MapTable) Reindex() {
	t.sourceStarts = make(map[Position][]int)
	t.sourceLines = make(map[int][]int)
	t.expandedStarts = make(map[Position][]int)
	t.expandedLines = make(map[int][]int)

	for i, e := range t.Entries {
		sp := Position{Line: e.SourceRange.Start.Line, Column: e.SourceRange.Start.Column}
		t.sourceStarts[sp] = append(t.sourceStarts[sp], i)
		t.sourceLines[sp.Line] = append(t.sourceLines[sp.Line], i)

		ep := Position{Line: e.ExpandedRange.Start.Line, Column: e.ExpandedRange.Start.Column}
		t.expandedStarts[ep] = append(t.expandedStarts[ep], i)
		t.expandedLines[ep.Line] = append(t.expandedLines[ep.Line], i)
	}
}

func (t *MapTable) indexed() {
	if t.sourceStarts == nil {
		t.Reindex()
	}
}

// ExpandedPositions implements SourceMap.
func (t *MapTable) ExpandedPositions(sourceLine, sourceColumn int) []MapEntry {
	t.indexed()
	idxs := t.sourceStarts[Position{Line: sourceLine, Column: sourceColumn}]
	out := make([]MapEntry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, t.Entries[i])
	}
	return out
}

// SourceEntriesOnLine returns every entry whose source range starts on the
// given source line, in emission order.
func (t *MapTable) SourceEntriesOnLine(sourceLine int) []MapEntry {
	t.indexed()
	idxs := t.sourceLines[sourceLine]
	out := make([]MapEntry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, t.Entries[i])
	}
	return out
}

// SourcePosition implements SourceMap: an entry starting exactly at the
// expanded position wins; otherwise the smallest same-line entry covering
// the position does.
func (t *MapTable) SourcePosition(expandedLine, expandedColumn int) (MapEntry, bool) {
	t.indexed()
	if idxs := t.expandedStarts[Position{Line: expandedLine, Column: expandedColumn}]; len(idxs) > 0 {
		return t.Entries[idxs[0]], true
	}

	best := -1
	var bestSpan int64
	for _, i := range t.expandedLines[expandedLine] {
		e := t.Entries[i]
		if !e.ExpandedRange.contains(expandedLine, expandedColumn) {
			continue
		}
		span := e.ExpandedRange.spanWeight()
		if best == -1 || span < bestSpan {
			best, bestSpan = i, span
		}
	}
	if best == -1 {
		return MapEntry{}, false
	}
	return t.Entries[best], true
}

// MacroContext implements SourceMap.
func (t *MapTable) MacroContext(expandedLine, expandedColumn int) []MacroFrame {
	entry, ok := t.SourcePosition(expandedLine, expandedColumn)
	if !ok {
		return nil
	}
	if len(entry.MacroCallStack) > 0 {
		frames := make([]MacroFrame, 0, len(entry.MacroCallStack))
		for i := len(entry.MacroCallStack) - 1; i >= 0; i-- {
			call := entry.MacroCallStack[i]
			frames = append(frames, MacroFrame{Name: call.MacroName, Parameters: call.Parameters})
		}
		return frames
	}
	if entry.MacroName != "" {
		return []MacroFrame{{Name: entry.MacroName, Parameters: entry.ParameterValues}}
	}
	return nil
}
