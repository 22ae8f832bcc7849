package vm

import "sort"

// ---------------------------------------------------------------------------
// Turbo compilation: flattened op list + jump table
// ---------------------------------------------------------------------------

type opKind uint8

const (
	opIncrement opKind = iota // '+' × arg; each application adds the increment step
	opDecrement               // '-' × arg
	opMoveRight               // '>' × arg
	opMoveLeft                // '<' × arg
	opLoopStart               // '['
	opLoopEnd                 // ']'
	opOutput                  // '.'
	opInput                   // ','
	opBreakMarker             // '$'
	opLineJump                // '/'
	opSetZero                 // collapsed [-] loop
)

// op is one entry in the flattened operation list. pos is the source
// position of the first character the op covers.
type op struct {
	kind opKind
	arg  int
	pos  Position
}

// compiled is a program flattened for batch execution: only meaningful
// characters survive, ordered by document position, with bracket matches
// and line jumps resolved to list indices.
type compiled struct {
	ops       []op
	jumps     map[int]int
	optimized bool
}

// flatten builds the one-to-one compiled form: every instruction, breakpoint
// marker, and line-jump marker becomes exactly one op, so every program
// position that can pause remains a pause boundary. Bracket matching uses
// the same stack scan as the loop map; an unmatched bracket gets no jump
// entry and executes as a fall-through. A line-jump op's target is the first
// op on a later line, so code after the marker stays reachable when
// execution lands there directly.
func (p *Program) flatten() *compiled {
	c := &compiled{jumps: make(map[int]int)}
	var stack []int

	for lineIdx, line := range p.lines {
		for colIdx := 0; colIdx < len(line); colIdx++ {
			pos := Position{Line: lineIdx, Column: colIdx}
			idx := len(c.ops)
			switch line[colIdx] {
			case '+':
				c.ops = append(c.ops, op{kind: opIncrement, arg: 1, pos: pos})
			case '-':
				c.ops = append(c.ops, op{kind: opDecrement, arg: 1, pos: pos})
			case '>':
				c.ops = append(c.ops, op{kind: opMoveRight, arg: 1, pos: pos})
			case '<':
				c.ops = append(c.ops, op{kind: opMoveLeft, arg: 1, pos: pos})
			case '[':
				stack = append(stack, idx)
				c.ops = append(c.ops, op{kind: opLoopStart, pos: pos})
			case ']':
				c.ops = append(c.ops, op{kind: opLoopEnd, pos: pos})
				if len(stack) > 0 {
					open := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					c.jumps[open] = idx
					c.jumps[idx] = open
				}
			case '.':
				c.ops = append(c.ops, op{kind: opOutput, pos: pos})
			case ',':
				c.ops = append(c.ops, op{kind: opInput, pos: pos})
			case BreakpointMarker:
				c.ops = append(c.ops, op{kind: opBreakMarker, pos: pos})
			case LineJumpMarker:
				c.ops = append(c.ops, op{kind: opLineJump, pos: pos})
			}
		}
	}
	c.resolveLineJumps()
	return c
}

// flattenOptimized builds the batch form with run collapsing and clear-loop
// rewriting. It must only be used when the breakpoint set is empty: a
// collapsed run has a single pause boundary at its first character.
func (p *Program) flattenOptimized() *compiled {
	base := p.flatten()
	ops := base.ops

	opt := &compiled{jumps: make(map[int]int), optimized: true}
	var stack []int

	for i := 0; i < len(ops); {
		cur := ops[i]
		switch cur.kind {
		case opIncrement, opDecrement, opMoveRight, opMoveLeft:
			count := 0
			j := i
			for j < len(ops) && ops[j].kind == cur.kind {
				count += ops[j].arg
				j++
			}
			opt.ops = append(opt.ops, op{kind: cur.kind, arg: count, pos: cur.pos})
			i = j
		case opLoopStart:
			// [-] clears the current cell in one op.
			if end, ok := base.jumps[i]; ok && end == i+2 && ops[i+1].kind == opDecrement && ops[i+1].arg == 1 {
				opt.ops = append(opt.ops, op{kind: opSetZero, pos: cur.pos})
				i += 3
				continue
			}
			stack = append(stack, len(opt.ops))
			opt.ops = append(opt.ops, cur)
			i++
		case opLoopEnd:
			idx := len(opt.ops)
			opt.ops = append(opt.ops, cur)
			if _, matched := base.jumps[i]; matched && len(stack) > 0 {
				open := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				opt.jumps[open] = idx
				opt.jumps[idx] = open
			}
			i++
		default:
			opt.ops = append(opt.ops, cur)
			i++
		}
	}
	opt.resolveLineJumps()
	return opt
}

// resolveLineJumps points every line-jump op at the first op on a later
// line, or past the end when none follows. Ops are in document order, so a
// binary search on the start of the next line finds the target.
func (c *compiled) resolveLineJumps() {
	for i, o := range c.ops {
		if o.kind != opLineJump {
			continue
		}
		target, _ := c.indexAt(Position{Line: o.pos.Line + 1})
		c.jumps[i] = target
	}
}

// indexAt returns the index of the first op at or after pos in document
// order. exact reports whether that op starts precisely at pos. The index
// equals len(ops) when pos is past every op.
func (c *compiled) indexAt(pos Position) (idx int, exact bool) {
	idx = sort.Search(len(c.ops), func(i int) bool {
		return !c.ops[i].pos.Before(pos)
	})
	exact = idx < len(c.ops) && c.ops[idx].pos == pos
	return idx, exact
}
