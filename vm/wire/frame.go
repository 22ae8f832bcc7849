package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single frame's payload. A peer announcing anything
// larger is treated as corrupt rather than trusted with the allocation.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge reports a frame whose declared length exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds size limit")

// WriteFrame writes one length-prefixed frame: a big-endian uint32 length
// followed by the payload bytes.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned unchanged
// when the stream ends cleanly between frames; a stream that ends inside a
// frame yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return data, nil
}

// WriteEnvelope marshals an envelope and writes it as one frame.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	data, err := MarshalEnvelope(e)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return WriteFrame(w, data)
}

// ReadEnvelope reads one frame and unmarshals it as an envelope.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalEnvelope(data)
}
