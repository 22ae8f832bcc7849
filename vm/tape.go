package vm

// Valid cell widths in bits.
const (
	CellWidth8  = 8
	CellWidth16 = 16
	CellWidth32 = 32
)

// DefaultTapeSize is the cell count used when no size is configured.
const DefaultTapeSize = 30000

// Tape is the interpreter's memory: a fixed-size array of bounded-width
// unsigned cells with a movable pointer. Addressing is circular in both
// directions and every write is reduced modulo the cell modulus, so no tape
// operation can fail.
type Tape struct {
	cells     []uint32
	size      int
	widthBits int
	modulus   uint64 // 1 << widthBits
	pointer   int
}

// NewTape allocates a zero-filled tape. Size must be positive and widthBits
// one of 8, 16, or 32.
func NewTape(size, widthBits int) (*Tape, error) {
	if size <= 0 {
		return nil, ErrInvalidTapeSize
	}
	if !validCellWidth(widthBits) {
		return nil, ErrInvalidCellWidth
	}
	return &Tape{
		cells:     make([]uint32, size),
		size:      size,
		widthBits: widthBits,
		modulus:   1 << uint(widthBits),
	}, nil
}

func validCellWidth(bits int) bool {
	return bits == CellWidth8 || bits == CellWidth16 || bits == CellWidth32
}

// Size returns the cell count.
func (t *Tape) Size() int { return t.size }

// WidthBits returns the configured cell width in bits.
func (t *Tape) WidthBits() int { return t.widthBits }

// Modulus returns the cell wrap modulus, 1 << WidthBits.
func (t *Tape) Modulus() uint64 { return t.modulus }

// Pointer returns the current cell index.
func (t *Tape) Pointer() int { return t.pointer }

// Read returns the value of the cell under the pointer.
func (t *Tape) Read() uint32 {
	return t.cells[t.pointer]
}

// ReadAt returns the value of cell i. The index wraps modulo the tape size.
func (t *Tape) ReadAt(i int) uint32 {
	return t.cells[wrapIndex(i, t.size)]
}

// Write stores v mod modulus into the cell under the pointer.
func (t *Tape) Write(v uint64) {
	t.cells[t.pointer] = uint32(v % t.modulus)
}

// WriteAt stores v mod modulus into cell i, wrapping the index.
func (t *Tape) WriteAt(i int, v uint64) {
	t.cells[wrapIndex(i, t.size)] = uint32(v % t.modulus)
}

// Add applies a signed delta to the cell under the pointer, total over the
// modulus: the result is always in [0, modulus).
func (t *Tape) Add(delta int64) {
	m := int64(t.modulus)
	v := (int64(t.cells[t.pointer]) + delta%m) % m
	if v < 0 {
		v += m
	}
	t.cells[t.pointer] = uint32(v)
}

// Advance moves the pointer n cells (n may be negative), wrapping at both
// ends of the tape.
func (t *Tape) Advance(n int) {
	t.pointer = wrapIndex(t.pointer+n, t.size)
}

// SetPointer places the pointer at index i, wrapping modulo the tape size.
func (t *Tape) SetPointer(i int) {
	t.pointer = wrapIndex(i, t.size)
}

// Cells returns a copy of the full tape contents.
func (t *Tape) Cells() []uint32 {
	out := make([]uint32, t.size)
	copy(out, t.cells)
	return out
}

// Window returns a copy of cells [start, end). The bounds are clamped to the
// tape; an empty or inverted range yields an empty slice.
func (t *Tape) Window(start, end int) []uint32 {
	if start < 0 {
		start = 0
	}
	if end > t.size {
		end = t.size
	}
	if start >= end {
		return nil
	}
	out := make([]uint32, end-start)
	copy(out, t.cells[start:end])
	return out
}

// Reset zero-fills every cell and returns the pointer to 0.
func (t *Tape) Reset() {
	clear(t.cells)
	t.pointer = 0
}

// Resize reallocates the tape with the given size and cell width, zero-filled
// and with the pointer at 0. Outstanding slice copies from Cells or Window
// are unaffected; the live cells are replaced. Invalid arguments are rejected
// and the existing tape is left untouched.
func (t *Tape) Resize(size, widthBits int) error {
	if size <= 0 {
		return ErrInvalidTapeSize
	}
	if !validCellWidth(widthBits) {
		return ErrInvalidCellWidth
	}
	t.cells = make([]uint32, size)
	t.size = size
	t.widthBits = widthBits
	t.modulus = 1 << uint(widthBits)
	t.pointer = 0
	return nil
}

// load replaces the tape contents wholesale. Values are reduced modulo the
// current modulus and the slice is truncated or zero-extended to the tape
// size.
func (t *Tape) load(cells []uint32, pointer int) {
	for i := range t.cells {
		if i < len(cells) {
			t.cells[i] = uint32(uint64(cells[i]) % t.modulus)
		} else {
			t.cells[i] = 0
		}
	}
	t.pointer = wrapIndex(pointer, t.size)
}

// wrapIndex reduces i modulo size into [0, size).
func wrapIndex(i, size int) int {
	i %= size
	if i < 0 {
		i += size
	}
	return i
}
