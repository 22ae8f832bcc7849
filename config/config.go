// Package config handles tapir.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigFileName is the file FindAndLoad searches for.
const ConfigFileName = "tapir.toml"

// configSchema constrains a Config. Compiled as a closed struct, so unknown
// fields are rejected along with out-of-range values.
const configSchema = `
tape: {
	size:           int & >0
	cell_width:     8 | 16 | 32
	lanes:          int & >=1 & <=10
	increment_step: int & >=1
}
turbo: {
	yield_ops: int & >0
}
server: {
	addr: string & !=""
}
store: {
	path:               string
	max_snapshot_bytes: int & >=0
}
worker: {
	command: string
}
`

// Config represents a tapir.toml configuration.
type Config struct {
	Tape   Tape   `toml:"tape" json:"tape"`
	Turbo  Turbo  `toml:"turbo" json:"turbo"`
	Server Server `toml:"server" json:"server"`
	Store  Store  `toml:"store" json:"store"`
	Worker Worker `toml:"worker" json:"worker"`

	// File is the path the configuration was loaded from (set at load time).
	File string `toml:"-" json:"-"`
}

// Tape configures the interpreter's tape geometry.
type Tape struct {
	Size          int `toml:"size" json:"size"`
	CellWidth     int `toml:"cell_width" json:"cell_width"`
	Lanes         int `toml:"lanes" json:"lanes"`
	IncrementStep int `toml:"increment_step" json:"increment_step"`
}

// Turbo configures the batched run loops.
type Turbo struct {
	YieldOps int `toml:"yield_ops" json:"yield_ops"`
}

// Server configures the Connect control surface.
type Server struct {
	Addr string `toml:"addr" json:"addr"`
}

// Store configures the snapshot database.
type Store struct {
	Path             string `toml:"path" json:"path"`
	MaxSnapshotBytes int    `toml:"max_snapshot_bytes" json:"max_snapshot_bytes"`
}

// Worker configures the out-of-process turbo engine. An empty command means
// turbo runs stay in process.
type Worker struct {
	Command string `toml:"command" json:"command"`
}

// Default returns the configuration used when no tapir.toml is present.
// The values mirror a freshly constructed interpreter.
func Default() *Config {
	return &Config{
		Tape:   Tape{Size: 30000, CellWidth: 8, Lanes: 1, IncrementStep: 1},
		Turbo:  Turbo{YieldOps: 50000},
		Server: Server{Addr: ":7711"},
		Store:  Store{Path: "tapir-snapshots.db", MaxSnapshotBytes: 16 << 20},
	}
}

// Load parses and validates a tapir.toml file. Absent keys keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cfg.File, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return cfg, nil
}

// FindAndLoad walks up from startDir to find a tapir.toml file, then loads
// and returns it. Returns nil if no configuration file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks the configuration against the closed schema and reports
// every violation, not just the first.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString("close({" + configSchema + "})")
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	value := ctx.Encode(c)
	if err := value.Err(); err != nil {
		return fmt.Errorf("config encode: %w", err)
	}

	if err := schema.Unify(value).Validate(); err != nil {
		var msgs []string
		for _, e := range cueerrors.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return nil
}
