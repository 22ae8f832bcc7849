// Tapir view - a live tape display. Each display refresh releases one
// interpreter step, so execution runs frame-synced to the real monitor rate.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/vector"

	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tapir/config"
	"github.com/chazu/tapir/vm"
)

const (
	screenW = 960
	screenH = 540
	gridX   = 16
	gridY   = 56
	cellW   = 56
	cellH   = 44
	laneGap = 18
)

var (
	colorBackdrop = color.RGBA{24, 26, 31, 255}
	colorCell     = color.RGBA{40, 44, 52, 255}
	colorPointer  = color.RGBA{214, 143, 29, 255}
	colorWaiting  = color.RGBA{86, 132, 191, 255}
)

// tapeView implements ebiten.Game. The frames channel is the interpreter's
// frame source: Draw performs a non-blocking send per refresh, and the
// frame-synced run loop executes one instruction per received frame.
type tapeView struct {
	itp     *vm.Interpreter
	frames  chan struct{}
	title   string
	started bool
}

func (v *tapeView) Update() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) || inpututil.IsKeyJustPressed(ebiten.KeyQ) {
		return ebiten.Termination
	}
	if !v.started {
		v.started = true
		if err := v.itp.RunFrames(v.frames); err != nil {
			return err
		}
	}

	st := v.itp.State()
	if inpututil.IsKeyJustPressed(ebiten.KeySpace) {
		switch {
		case st.Paused:
			v.itp.Resume()
		case st.Running:
			v.itp.Pause()
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyR) {
		v.itp.Reset()
		if err := v.itp.RunFrames(v.frames); err != nil {
			return err
		}
	}
	if st.WaitingForInput {
		if chars := ebiten.AppendInputChars(nil); len(chars) > 0 {
			v.itp.ProvideInput(chars[0])
		}
	}
	return nil
}

func (v *tapeView) Draw(screen *ebiten.Image) {
	screen.Fill(colorBackdrop)
	st := v.itp.State()

	// Release one instruction for this display frame.
	select {
	case v.frames <- struct{}{}:
	default:
	}

	ebitenutil.DebugPrintAt(screen, v.title+"   [space] pause/resume  [r] reset  [q] quit", gridX, 12)

	cols := (screenW - 2*gridX) / cellW
	visible := cols * st.LaneCount
	start := 0
	if st.Pointer >= visible {
		start = st.Pointer - visible/2
	}
	if start+visible > st.TapeSize {
		start = st.TapeSize - visible
	}
	if start < 0 {
		start = 0
	}
	cells := v.itp.TapeWindow(start, start+visible)
	cellLabels := v.itp.CellLabels()
	laneLabels := v.itp.LaneLabels()

	for lane := 0; lane < st.LaneCount; lane++ {
		y := gridY + lane*(cellH+laneGap)
		if name, ok := laneLabels[lane]; ok {
			ebitenutil.DebugPrintAt(screen, name, gridX, y-16)
		}
		for c := 0; c < cols; c++ {
			i := lane*cols + c
			if i >= len(cells) {
				break
			}
			idx := start + i
			x := gridX + c*cellW
			bg := colorCell
			if idx == st.Pointer {
				bg = colorPointer
				if st.WaitingForInput {
					bg = colorWaiting
				}
			}
			vector.DrawFilledRect(screen, float32(x), float32(y), cellW-4, cellH-4, bg, false)
			ebitenutil.DebugPrintAt(screen, fmt.Sprintf("%d", cells[i]), x+6, y+4)
			tag := fmt.Sprintf("#%d", idx)
			if label, ok := cellLabels[idx]; ok {
				tag = label
			}
			ebitenutil.DebugPrintAt(screen, tag, x+6, y+20)
		}
	}

	v.drawStatus(screen, st)
}

func (v *tapeView) drawStatus(screen *ebiten.Image, st vm.ExecutionState) {
	status := "idle"
	switch {
	case st.WaitingForInput:
		status = "waiting for input (type a key)"
	case st.Paused:
		status = "paused: " + st.PauseReason
	case st.Running:
		status = "running"
	case st.Stopped:
		status = fmt.Sprintf("stopped after %d ops", st.Metrics.Ops)
	}
	y := screenH - 64
	ebitenutil.DebugPrintAt(screen, fmt.Sprintf("%s   at %d:%d   pointer #%d", status, st.Position.Line, st.Position.Column, st.Pointer), gridX, y)

	out := st.Output
	if n := len(out); n > 100 {
		out = "…" + out[n-100:]
	}
	ebitenutil.DebugPrintAt(screen, "output: "+strings.ReplaceAll(out, "\n", "⏎"), gridX, y+20)
}

func (v *tapeView) Layout(_, _ int) (int, int) {
	return screenW, screenH
}

func main() {
	configPath := flag.String("config", "", "Path to tapir.toml (default: search upward from the working directory)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tapir-view [options] program.bf\n\n")
		fmt.Fprintf(os.Stderr, "Opens a window showing the tape while the program runs one step per display frame.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.Arg(0) == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	itp := vm.NewInterpreter()
	if err := configureTape(itp, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	itp.SetProgram(strings.Split(strings.TrimRight(string(data), "\n"), "\n"))

	view := &tapeView{
		itp:    itp,
		frames: make(chan struct{}, 1),
		title:  filepath.Base(flag.Arg(0)),
	}

	ebiten.SetWindowSize(screenW, screenH)
	ebiten.SetWindowTitle("Tapir - " + view.title)
	ebiten.SetVsyncEnabled(true)
	if err := ebiten.RunGame(view); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return config.Default(), nil
	}
	cfg, err := config.FindAndLoad(cwd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return config.Default(), nil
	}
	return cfg, nil
}

func configureTape(itp *vm.Interpreter, cfg *config.Config) error {
	if err := itp.SetTapeSize(cfg.Tape.Size); err != nil {
		return err
	}
	if err := itp.SetCellWidth(cfg.Tape.CellWidth); err != nil {
		return err
	}
	if err := itp.SetLaneCount(cfg.Tape.Lanes); err != nil {
		return err
	}
	if err := itp.SetIncrementStep(cfg.Tape.IncrementStep); err != nil {
		return err
	}
	itp.SetTurboYieldOps(cfg.Turbo.YieldOps)
	return nil
}
