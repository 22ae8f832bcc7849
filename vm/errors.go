package vm

import (
	"errors"
	"fmt"
)

// Configuration errors. Each is rejected synchronously by the setter that
// received the bad value; the interpreter's prior state is left unchanged.
var (
	ErrInvalidTapeSize      = errors.New("tape size must be positive")
	ErrInvalidCellWidth     = errors.New("cell width must be 8, 16, or 32 bits")
	ErrInvalidLaneCount     = errors.New("lane count must be between 1 and 10")
	ErrInvalidIncrementStep = errors.New("increment step must be positive")
)

// Protocol errors. The operation is a no-op: it is reported to the caller and
// logged, and no interpreter state changes.
var (
	ErrNotWaitingForInput = errors.New("interpreter is not waiting for input")
	ErrNotPaused          = errors.New("interpreter is not paused")
	ErrWaitingForInput    = errors.New("interpreter is waiting for input")
	ErrAlreadyRunning     = errors.New("interpreter is already running")
	ErrStopped            = errors.New("interpreter has stopped; reset before running")
)

// ErrSnapshotNotFound is returned by snapshot lookups for unknown names.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotTooLargeError reports a snapshot that exceeds the configured
// serialization limit. The snapshot is not created.
type SnapshotTooLargeError struct {
	Bytes int
	Limit int
}

func (e *SnapshotTooLargeError) Error() string {
	return fmt.Sprintf("snapshot is %d bytes, limit is %d", e.Bytes, e.Limit)
}
