// Tapir CLI - runs tape programs, hosts the interactive monitor, and serves
// engines over Connect HTTP/CBOR.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tapir/config"
	"github.com/chazu/tapir/server"
	"github.com/chazu/tapir/session"
	"github.com/chazu/tapir/store"
	"github.com/chazu/tapir/vm"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	interactive := flag.Bool("i", false, "Start the interactive monitor")
	turbo := flag.Bool("turbo", false, "Run without per-step pacing")
	delay := flag.Duration("delay", 0, "Pause between steps (e.g. 16ms, 0 = none)")
	inputText := flag.String("input", "", "Runes consumed by ',' before falling back to the terminal")
	mapFile := flag.String("map", "", "Source map file for macro-level positions")
	serveMode := flag.Bool("serve", false, "Start the engine server")
	addr := flag.String("addr", "", "Server listen address (overrides configuration)")
	configPath := flag.String("config", "", "Path to tapir.toml (default: search upward from the working directory)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tapir [options] [program.bf]\n\n")
		fmt.Fprintf(os.Stderr, "Runs tape programs, optionally under the interactive monitor.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tapir hello.bf                 # Run to completion\n")
		fmt.Fprintf(os.Stderr, "  tapir -turbo mandelbrot.bf     # Run at full speed\n")
		fmt.Fprintf(os.Stderr, "  tapir -delay 16ms counter.bf   # Watch it crawl\n")
		fmt.Fprintf(os.Stderr, "  tapir -i program.bf            # Debug under the monitor\n")
		fmt.Fprintf(os.Stderr, "  tapir -serve                   # Serve engines on :7711\n")
		fmt.Fprintf(os.Stderr, "  tapir -serve -addr :9000       # Serve on a custom port\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbose && cfg.File != "" {
		fmt.Printf("Loaded configuration from %s\n", cfg.File)
	}

	if *serveMode {
		if err := serve(cfg, *addr); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	itp := vm.NewInterpreter()
	if err := applyTapeConfig(itp, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	opts := []session.Option{session.WithInterpreter(itp)}
	if cfg.Worker.Command != "" {
		parts := strings.Fields(cfg.Worker.Command)
		opts = append(opts, session.WithWorkerCommand(parts[0], parts[1:]...))
	}
	sess := session.New(opts...)
	defer sess.Close()

	var program []string
	if file := flag.Arg(0); file != "" {
		lines, err := readProgram(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		sess.SetProgram(lines)
		program = lines
		if *verbose {
			fmt.Printf("Loaded %s (%d lines)\n", file, len(lines))
		}
	}
	if *mapFile != "" {
		table, err := readSourceMap(*mapFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		sess.SetSourceMap(table)
	}

	feed := newInputFeed(*inputText)

	// No program means the monitor is the only sensible surface.
	if *interactive || flag.Arg(0) == "" {
		runMonitor(sess, itp, feed, program)
		return
	}

	paused, err := runProgram(sess, *turbo, *delay, feed, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if paused {
		runMonitor(sess, itp, feed, program)
	}
}

// loadConfig resolves the active configuration: an explicit path, the nearest
// tapir.toml above the working directory, or the defaults.
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

func applyTapeConfig(itp *vm.Interpreter, cfg *config.Config) error {
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

func readProgram(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	return lines, nil
}

func readSourceMap(path string) (*vm.MapTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return vm.ParseMapTable(data)
}

// serve builds one engine per created session, each configured like the local
// interpreter, and listens until the process dies.
func serve(cfg *config.Config, addrOverride string) error {
	factory := func() (*session.Session, error) {
		itp := vm.NewInterpreter()
		if err := applyTapeConfig(itp, cfg); err != nil {
			return nil, err
		}
		opts := []session.Option{session.WithInterpreter(itp)}
		if cfg.Worker.Command != "" {
			parts := strings.Fields(cfg.Worker.Command)
			opts = append(opts, session.WithWorkerCommand(parts[0], parts[1:]...))
		}
		return session.New(opts...), nil
	}

	st, err := store.Open(cfg.Store.Path, cfg.Store.MaxSnapshotBytes)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer st.Close()

	srv := server.New(server.WithEngineFactory(factory), server.WithSnapshotStore(st))
	defer srv.Stop()

	addr := cfg.Server.Addr
	if addrOverride != "" {
		addr = addrOverride
	}
	return srv.ListenAndServe(addr)
}

// runProgram drives a non-interactive run to completion, echoing output as it
// appears and feeding ',' from the input feed or the terminal. A breakpoint or
// '$' marker pause returns true so the caller can drop into the monitor.
func runProgram(sess *session.Session, turbo bool, delay time.Duration, feed *inputFeed, verbose bool) (bool, error) {
	states, cancel := sess.Subscribe(64)
	defer cancel()

	var err error
	switch {
	case turbo:
		err = sess.RunTurbo()
	case delay > 0:
		err = sess.Run(delay)
	default:
		err = sess.RunImmediately()
	}
	if err != nil {
		return false, err
	}

	printed := 0
	for st := range states {
		if len(st.Output) > printed {
			fmt.Print(st.Output[printed:])
			printed = len(st.Output)
		}
		switch {
		case st.WaitingForInput:
			ch, err := feed.next()
			if err != nil {
				sess.Stop()
				return false, err
			}
			if err := sess.ProvideInput(ch); err != nil {
				return false, err
			}
		case st.Paused:
			fmt.Fprintf(os.Stderr, "\npaused at %d:%d (%s)\n", st.Position.Line, st.Position.Column, st.PauseReason)
			return true, nil
		case st.Stopped:
			if verbose {
				m := st.Metrics
				fmt.Fprintf(os.Stderr, "\n%d ops in %s (%.0f ops/s, %s)\n", m.Ops, m.Duration, m.OpsPerSec, m.Mode)
			}
			return false, nil
		}
	}
	return false, nil
}
