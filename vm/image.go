package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ---------------------------------------------------------------------------
// Image Format Constants
// ---------------------------------------------------------------------------

// ImageMagic is the magic number identifying a tapir workspace image.
var ImageMagic = [4]byte{'T', 'A', 'P', 'D'}

// Image format version
// v1: initial format
const ImageVersion uint32 = 1

// Image header size in bytes
// magic(4) + version(4) + flags(4) + programOffset(8) + snapshotOffset(8) + mapOffset(8) + breakpointOffset(8) = 44
const ImageHeaderSize = 44

// Image flags
const (
	ImageFlagNone        uint32 = 0
	ImageFlagSourceMap   uint32 = 1 << 0 // Includes a macro source map section
	ImageFlagBreakpoints uint32 = 1 << 1 // Includes a breakpoint section
)

var (
	ErrInvalidImageMagic    = errors.New("invalid magic number: expected TAPD")
	ErrImageVersionMismatch = errors.New("image version mismatch")
	ErrCorruptImage         = errors.New("corrupt image data")
)

// ---------------------------------------------------------------------------
// ImageWriter: Serializes a workspace to a binary image
// ---------------------------------------------------------------------------

// ImageWriter serializes a program, its execution snapshot, and the debug
// state around it into a single binary image.
type ImageWriter struct {
	buf   bytes.Buffer
	flags uint32

	programOffset    uint64
	snapshotOffset   uint64
	mapOffset        uint64
	breakpointOffset uint64
}

// NewImageWriter creates an image writer for the given transfer capture.
func NewImageWriter() *ImageWriter {
	return &ImageWriter{flags: ImageFlagNone}
}

// Encode builds the image for a transfer capture and returns its bytes.
func (w *ImageWriter) Encode(tr *Transfer) ([]byte, error) {
	w.buf.Reset()
	w.flags = ImageFlagNone
	if tr.SourceMap != nil {
		w.flags |= ImageFlagSourceMap
	}
	if len(tr.Breakpoints) > 0 || len(tr.SourceBindings) > 0 {
		w.flags |= ImageFlagBreakpoints
	}

	w.writeHeader()
	w.writeProgram(tr.Lines)
	if err := w.writeSnapshot(tr.Snapshot); err != nil {
		return nil, err
	}
	if err := w.writeSourceMap(tr.SourceMap); err != nil {
		return nil, err
	}
	w.writeBreakpoints(tr)
	w.patchHeader()
	return w.buf.Bytes(), nil
}

// writeHeader writes the image header with placeholder offsets.
// The offsets are back-patched after all sections are written.
func (w *ImageWriter) writeHeader() {
	w.buf.Write(ImageMagic[:])
	w.writeUint32(ImageVersion)
	w.writeUint32(w.flags)
	w.writeUint64(0) // program offset
	w.writeUint64(0) // snapshot offset
	w.writeUint64(0) // source map offset
	w.writeUint64(0) // breakpoint offset
}

// patchHeader updates the header with final section offsets.
func (w *ImageWriter) patchHeader() {
	data := w.buf.Bytes()
	binary.LittleEndian.PutUint64(data[12:], w.programOffset)
	binary.LittleEndian.PutUint64(data[20:], w.snapshotOffset)
	binary.LittleEndian.PutUint64(data[28:], w.mapOffset)
	binary.LittleEndian.PutUint64(data[36:], w.breakpointOffset)
}

// writeProgram writes the program text section: [count | len | utf8]...
func (w *ImageWriter) writeProgram(lines []string) {
	w.programOffset = uint64(w.buf.Len())
	w.writeUint32(uint32(len(lines)))
	for _, line := range lines {
		w.writeUint32(uint32(len(line)))
		w.buf.WriteString(line)
	}
}

// writeSnapshot writes the snapshot section as a length-prefixed CBOR blob.
func (w *ImageWriter) writeSnapshot(s *Snapshot) error {
	w.snapshotOffset = uint64(w.buf.Len())
	if s == nil {
		w.writeUint32(0)
		return nil
	}
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	w.writeUint32(uint32(len(data)))
	w.buf.Write(data)
	return nil
}

// writeSourceMap writes the source map section when the flag is set.
func (w *ImageWriter) writeSourceMap(table *MapTable) error {
	w.mapOffset = uint64(w.buf.Len())
	if w.flags&ImageFlagSourceMap == 0 {
		w.writeUint32(0)
		return nil
	}
	data, err := encMode.Marshal(table)
	if err != nil {
		return fmt.Errorf("vm: marshal source map: %w", err)
	}
	w.writeUint32(uint32(len(data)))
	w.buf.Write(data)
	return nil
}

// writeBreakpoints writes the breakpoint section: the expanded set, then
// the source bindings.
func (w *ImageWriter) writeBreakpoints(tr *Transfer) {
	w.breakpointOffset = uint64(w.buf.Len())
	w.writeUint32(uint32(len(tr.Breakpoints)))
	for _, pos := range tr.Breakpoints {
		w.writePosition(pos)
	}
	w.writeUint32(uint32(len(tr.SourceBindings)))
	for _, b := range tr.SourceBindings {
		w.writePosition(b.Source)
		w.writeUint32(uint32(len(b.Expanded)))
		for _, pos := range b.Expanded {
			w.writePosition(pos)
		}
	}
}

func (w *ImageWriter) writePosition(pos Position) {
	w.writeUint32(uint32(int32(pos.Line)))
	w.writeUint32(uint32(int32(pos.Column)))
}

func (w *ImageWriter) writeUint32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.buf.Write(buf[:])
}

func (w *ImageWriter) writeUint64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.buf.Write(buf[:])
}

// ---------------------------------------------------------------------------
// ImageReader: Reads a workspace back from a binary image
// ---------------------------------------------------------------------------

// ImageHeader contains the parsed header information from an image.
type ImageHeader struct {
	Magic            string // Should be "TAPD"
	Version          uint32
	Flags            uint32
	ProgramOffset    uint64
	SnapshotOffset   uint64
	MapOffset        uint64
	BreakpointOffset uint64
}

// ImageReader reads and decodes a tapir workspace image.
type ImageReader struct {
	data   []byte
	offset int
	header ImageHeader
}

// NewImageReader creates an ImageReader from an io.Reader.
func NewImageReader(r io.Reader) (*ImageReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vm: read image data: %w", err)
	}
	return NewImageReaderFromBytes(data)
}

// NewImageReaderFromBytes creates an ImageReader from a byte slice.
func NewImageReaderFromBytes(data []byte) (*ImageReader, error) {
	if len(data) < ImageHeaderSize {
		return nil, ErrCorruptImage
	}
	ir := &ImageReader{data: data}
	if err := ir.readHeader(); err != nil {
		return nil, err
	}
	return ir, nil
}

// Header returns the parsed image header.
func (ir *ImageReader) Header() ImageHeader { return ir.header }

func (ir *ImageReader) readHeader() error {
	if !bytes.Equal(ir.data[:4], ImageMagic[:]) {
		return ErrInvalidImageMagic
	}
	ir.header.Magic = string(ir.data[:4])
	ir.header.Version = binary.LittleEndian.Uint32(ir.data[4:])
	if ir.header.Version != ImageVersion {
		return fmt.Errorf("%w: image is v%d, reader is v%d", ErrImageVersionMismatch, ir.header.Version, ImageVersion)
	}
	ir.header.Flags = binary.LittleEndian.Uint32(ir.data[8:])
	ir.header.ProgramOffset = binary.LittleEndian.Uint64(ir.data[12:])
	ir.header.SnapshotOffset = binary.LittleEndian.Uint64(ir.data[20:])
	ir.header.MapOffset = binary.LittleEndian.Uint64(ir.data[28:])
	ir.header.BreakpointOffset = binary.LittleEndian.Uint64(ir.data[36:])
	return nil
}

// Decode parses every section and returns the reconstructed transfer.
func (ir *ImageReader) Decode() (*Transfer, error) {
	tr := &Transfer{}

	if err := ir.seek(ir.header.ProgramOffset); err != nil {
		return nil, err
	}
	count, err := ir.readUint32()
	if err != nil {
		return nil, err
	}
	tr.Lines = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		line, err := ir.readString()
		if err != nil {
			return nil, err
		}
		tr.Lines = append(tr.Lines, line)
	}

	if err := ir.seek(ir.header.SnapshotOffset); err != nil {
		return nil, err
	}
	blob, err := ir.readBlob()
	if err != nil {
		return nil, err
	}
	if len(blob) > 0 {
		snap, err := UnmarshalSnapshot(blob)
		if err != nil {
			return nil, err
		}
		tr.Snapshot = snap
	}

	if err := ir.seek(ir.header.MapOffset); err != nil {
		return nil, err
	}
	blob, err = ir.readBlob()
	if err != nil {
		return nil, err
	}
	if ir.header.Flags&ImageFlagSourceMap != 0 && len(blob) > 0 {
		var table MapTable
		if err := decMode.Unmarshal(blob, &table); err != nil {
			return nil, fmt.Errorf("vm: unmarshal source map: %w", err)
		}
		table.Reindex()
		tr.SourceMap = &table
	}

	if err := ir.seek(ir.header.BreakpointOffset); err != nil {
		return nil, err
	}
	bpCount, err := ir.readUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < bpCount; i++ {
		pos, err := ir.readPosition()
		if err != nil {
			return nil, err
		}
		tr.Breakpoints = append(tr.Breakpoints, pos)
	}
	bindCount, err := ir.readUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < bindCount; i++ {
		src, err := ir.readPosition()
		if err != nil {
			return nil, err
		}
		expCount, err := ir.readUint32()
		if err != nil {
			return nil, err
		}
		binding := SourceBinding{Source: src}
		for j := uint32(0); j < expCount; j++ {
			pos, err := ir.readPosition()
			if err != nil {
				return nil, err
			}
			binding.Expanded = append(binding.Expanded, pos)
		}
		tr.SourceBindings = append(tr.SourceBindings, binding)
	}

	return tr, nil
}

func (ir *ImageReader) seek(offset uint64) error {
	if offset > uint64(len(ir.data)) {
		return ErrCorruptImage
	}
	ir.offset = int(offset)
	return nil
}

func (ir *ImageReader) need(n int) error {
	if ir.offset+n > len(ir.data) || ir.offset+n < ir.offset {
		return ErrCorruptImage
	}
	return nil
}

func (ir *ImageReader) readUint32() (uint32, error) {
	if err := ir.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(ir.data[ir.offset:])
	ir.offset += 4
	return v, nil
}

func (ir *ImageReader) readString() (string, error) {
	n, err := ir.readUint32()
	if err != nil {
		return "", err
	}
	if err := ir.need(int(n)); err != nil {
		return "", err
	}
	s := string(ir.data[ir.offset : ir.offset+int(n)])
	ir.offset += int(n)
	return s, nil
}

func (ir *ImageReader) readBlob() ([]byte, error) {
	n, err := ir.readUint32()
	if err != nil {
		return nil, err
	}
	if err := ir.need(int(n)); err != nil {
		return nil, err
	}
	blob := ir.data[ir.offset : ir.offset+int(n)]
	ir.offset += int(n)
	return blob, nil
}

func (ir *ImageReader) readPosition() (Position, error) {
	line, err := ir.readUint32()
	if err != nil {
		return Position{}, err
	}
	col, err := ir.readUint32()
	if err != nil {
		return Position{}, err
	}
	return Position{Line: int(int32(line)), Column: int(int32(col))}, nil
}

// ---------------------------------------------------------------------------
// Interpreter image persistence
// ---------------------------------------------------------------------------

// SaveImage saves the interpreter's workspace to a file.
func (it *Interpreter) SaveImage(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vm: create image file: %w", err)
	}
	defer f.Close()
	return it.SaveImageTo(f)
}

// SaveImageTo saves the interpreter's workspace to a writer.
func (it *Interpreter) SaveImageTo(w io.Writer) error {
	data, err := NewImageWriter().Encode(it.ExportTransfer())
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("vm: write image: %w", err)
	}
	return nil
}

// LoadImage restores the interpreter's workspace from a file.
func (it *Interpreter) LoadImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("vm: open image file: %w", err)
	}
	defer f.Close()
	return it.LoadImageFrom(f)
}

// LoadImageFrom restores the interpreter's workspace from a reader.
func (it *Interpreter) LoadImageFrom(r io.Reader) error {
	ir, err := NewImageReader(r)
	if err != nil {
		return err
	}
	tr, err := ir.Decode()
	if err != nil {
		return err
	}
	return it.ImportTransfer(tr)
}
