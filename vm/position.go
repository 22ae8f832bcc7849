package vm

import "fmt"

// Position addresses a single character in the program text. Both line and
// column are zero-based. Positions order lexicographically: first by line,
// then by column.
type Position struct {
	Line   int `cbor:"1,keyasint" json:"line"`
	Column int `cbor:"2,keyasint" json:"column"`
}

// String renders the position as "line:column".
func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Before reports whether p precedes q in document order.
func (p Position) Before(q Position) bool {
	if p.Line != q.Line {
		return p.Line < q.Line
	}
	return p.Column < q.Column
}

// Compare returns -1, 0, or 1 as p is before, equal to, or after q.
func (p Position) Compare(q Position) int {
	switch {
	case p == q:
		return 0
	case p.Before(q):
		return -1
	default:
		return 1
	}
}
