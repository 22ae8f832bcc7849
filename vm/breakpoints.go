package vm

import "sort"

// ---------------------------------------------------------------------------
// Debug bridge: breakpoint sets and source-position translation
// ---------------------------------------------------------------------------

// ToggleBreakpoint adds or removes an expanded-position breakpoint. The
// engine pauses ahead of the instruction at a registered position.
func (it *Interpreter) ToggleBreakpoint(pos Position) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.breakpoints[pos] {
		delete(it.breakpoints, pos)
	} else {
		it.breakpoints[pos] = true
	}
	it.breakpointSetChangedLocked()
}

// HasBreakpointAt reports whether an expanded-position breakpoint is set.
func (it *Interpreter) HasBreakpointAt(pos Position) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.breakpoints[pos]
}

// ToggleSourceBreakpoint adds or removes a breakpoint expressed in
// pre-expansion source coordinates. Setting one resolves through the source
// map to an expanded position; toggling one off removes every expanded
// position that resolution added. A source line with no executable code is
// a reported no-op, not an error.
func (it *Interpreter) ToggleSourceBreakpoint(src Position) error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if resolved, ok := it.srcBreakpoints[src]; ok {
		for _, pos := range resolved {
			delete(it.breakpoints, pos)
		}
		delete(it.srcBreakpoints, src)
		it.breakpointSetChangedLocked()
		return nil
	}

	if it.sourceMap == nil {
		log.Infof("no source map attached; ignoring source breakpoint at %v", src)
		return nil
	}
	resolved := resolveSourceBreakpoint(it.sourceMap, src)
	if len(resolved) == 0 {
		log.Infof("source line %d has no executable code; ignoring breakpoint", src.Line)
		return nil
	}
	it.srcBreakpoints[src] = resolved
	for _, pos := range resolved {
		it.breakpoints[pos] = true
	}
	it.breakpointSetChangedLocked()
	return nil
}

// HasSourceBreakpointAt reports whether a source breakpoint is set at the
// given source position.
func (it *Interpreter) HasSourceBreakpointAt(src Position) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	_, ok := it.srcBreakpoints[src]
	return ok
}

// ClearBreakpoints removes every breakpoint, expanded and source alike, and
// forgets the last-paused suppression marker.
func (it *Interpreter) ClearBreakpoints() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.breakpoints = make(map[Position]bool)
	it.srcBreakpoints = make(map[Position][]Position)
	it.lastPaused = nil
	it.breakpointSetChangedLocked()
}

// resolveSourceBreakpoint maps a source position to the expanded positions
// a breakpoint there should cover. Lookup order: the exact column, then
// column+1 (source maps commonly number columns from 1), then any entry on
// the source line. Among candidates, the entry with the largest expanded
// span is taken as the full macro expansion; the first encountered wins
// ties. The breakpoint lands at the start of that span.
func resolveSourceBreakpoint(m SourceMap, src Position) []Position {
	entries := m.ExpandedPositions(src.Line, src.Column)
	if len(entries) == 0 {
		entries = m.ExpandedPositions(src.Line, src.Column+1)
	}
	if len(entries) == 0 {
		entries = m.SourceEntriesOnLine(src.Line)
	}
	if len(entries) == 0 {
		return nil
	}

	best := entries[0]
	for _, e := range entries[1:] {
		if e.ExpandedRange.spanWeight() > best.ExpandedRange.spanWeight() {
			best = e
		}
	}
	start := best.ExpandedRange.Start
	return []Position{{Line: start.Line, Column: start.Column}}
}

// breakpointSetChangedLocked refreshes the published breakpoint slices and,
// when a turbo program compiled without pause boundaries is live, recompiles
// it so every registered position can pause.
func (it *Interpreter) breakpointSetChangedLocked() {
	it.sortedBreakpoints = sortedPositions(it.breakpoints)
	it.sortedSrcBreakpoints = make([]Position, 0, len(it.srcBreakpoints))
	for pos := range it.srcBreakpoints {
		it.sortedSrcBreakpoints = append(it.sortedSrcBreakpoints, pos)
	}
	sort.Slice(it.sortedSrcBreakpoints, func(i, j int) bool {
		return it.sortedSrcBreakpoints[i].Before(it.sortedSrcBreakpoints[j])
	})

	if it.turbo != nil && it.turbo.prog != nil && it.turbo.prog.optimized && len(it.breakpoints) > 0 {
		it.recompileTurboLocked()
	}
	it.publishLocked()
}

func sortedPositions(set map[Position]bool) []Position {
	out := make([]Position, 0, len(set))
	for pos := range set {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// ---------------------------------------------------------------------------
// Source position tracking
// ---------------------------------------------------------------------------

// UseSourceMap attaches (or detaches, with nil) the macro source map used
// for source breakpoints and source position tracking.
func (it *Interpreter) UseSourceMap(m SourceMap) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.sourceMap = m
	it.trackSourcePositionLocked()
	it.publishLocked()
}

// SetSourceMap attaches a concrete map table. This is the form that crosses
// the wire to a worker engine.
func (it *Interpreter) SetSourceMap(table *MapTable) {
	if table == nil {
		it.UseSourceMap(nil)
		return
	}
	it.UseSourceMap(table)
}

// trackSourcePositionLocked refreshes the tracked source position and macro
// call context for the current expanded position. Cleared when the position
// does not resolve.
func (it *Interpreter) trackSourcePositionLocked() {
	if it.sourceMap == nil {
		it.srcPos = nil
		it.macroCtx = nil
		return
	}
	entry, ok := it.sourceMap.SourcePosition(it.pos.Line, it.pos.Column)
	if !ok {
		it.srcPos = nil
		it.macroCtx = nil
		return
	}
	it.srcPos = &Position{Line: entry.SourceRange.Start.Line, Column: entry.SourceRange.Start.Column}
	it.macroCtx = it.sourceMap.MacroContext(it.pos.Line, it.pos.Column)
}
