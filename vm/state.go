package vm

import (
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Execution state snapshot
// ---------------------------------------------------------------------------

// Run modes reported in RunMetrics.
const (
	ModeNormal = "normal"
	ModeTurbo  = "turbo"
)

// Pause reasons reported in ExecutionState.
const (
	PauseBreakpoint = "breakpoint"
	PauseMarker     = "marker"
	PauseInput      = "input"
	PauseRequested  = "requested"
)

// RunMetrics carries the timing figures for the most recent run. Finalized
// exactly once, when the run stops.
type RunMetrics struct {
	Ops       uint64        `cbor:"1,keyasint" json:"ops"`
	Duration  time.Duration `cbor:"2,keyasint" json:"duration"`
	OpsPerSec float64       `cbor:"3,keyasint" json:"opsPerSec"`
	Mode      string        `cbor:"4,keyasint" json:"mode"`
}

// MacroFrame is one entry of the macro call context: a macro invocation
// enclosing the current execution position, innermost first.
type MacroFrame struct {
	Name       string            `cbor:"1,keyasint" json:"name"`
	Parameters map[string]string `cbor:"2,keyasint,omitempty" json:"parameters,omitempty"`
}

// ExecutionState is the externally observable snapshot of an interpreter.
// It is mutated only by the engine and published after every instruction or
// batch boundary. Tape contents are pulled separately through TapeWindow,
// since a full copy per instruction would dwarf the work being observed.
type ExecutionState struct {
	Pointer   int `cbor:"1,keyasint" json:"pointer"`
	TapeSize  int `cbor:"2,keyasint" json:"tapeSize"`
	CellWidth int `cbor:"3,keyasint" json:"cellWidth"`
	LaneCount int `cbor:"4,keyasint" json:"laneCount"`

	Running         bool   `cbor:"5,keyasint" json:"running"`
	Paused          bool   `cbor:"6,keyasint" json:"paused"`
	Stopped         bool   `cbor:"7,keyasint" json:"stopped"`
	WaitingForInput bool   `cbor:"8,keyasint" json:"waitingForInput"`
	PauseReason     string `cbor:"9,keyasint,omitempty" json:"pauseReason,omitempty"`

	Position Position `cbor:"10,keyasint" json:"position"`
	Output   string   `cbor:"11,keyasint" json:"output"`

	Breakpoints       []Position `cbor:"12,keyasint,omitempty" json:"breakpoints,omitempty"`
	SourceBreakpoints []Position `cbor:"13,keyasint,omitempty" json:"sourceBreakpoints,omitempty"`

	SourcePosition *Position    `cbor:"14,keyasint,omitempty" json:"sourcePosition,omitempty"`
	MacroContext   []MacroFrame `cbor:"15,keyasint,omitempty" json:"macroContext,omitempty"`

	Metrics RunMetrics `cbor:"16,keyasint" json:"metrics"`
}

// ---------------------------------------------------------------------------
// State hub
// ---------------------------------------------------------------------------

// StateHub fans ExecutionState snapshots out to subscribers. Sends never
// block the engine: a subscriber whose buffer is full misses intermediate
// snapshots and catches up on the next publish.
type StateHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan ExecutionState
}

// NewStateHub creates an empty hub.
func NewStateHub() *StateHub {
	return &StateHub{subs: make(map[int]chan ExecutionState)}
}

// Subscribe registers a listener with the given channel buffer. The cancel
// function removes the subscription and closes the channel.
func (h *StateHub) Subscribe(buffer int) (<-chan ExecutionState, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ExecutionState, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			_, live := h.subs[id]
			delete(h.subs, id)
			h.mu.Unlock()
			if live {
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers state to every subscriber without blocking. When a
// subscriber's buffer is full, its oldest pending snapshot is discarded so
// the newest one always lands; the terminal state is therefore never the
// one that gets dropped.
func (h *StateHub) Publish(state ExecutionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		for {
			select {
			case ch <- state:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close drops every subscription and closes the channels.
func (h *StateHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
