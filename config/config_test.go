package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default config failed validation: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[tape]
size = 64
cell_width = 16

[server]
addr = ":9000"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tape.Size != 64 {
		t.Errorf("tape.size = %d, want 64", cfg.Tape.Size)
	}
	if cfg.Tape.CellWidth != 16 {
		t.Errorf("tape.cell_width = %d, want 16", cfg.Tape.CellWidth)
	}
	if cfg.Tape.Lanes != 1 {
		t.Errorf("tape.lanes = %d, want default 1", cfg.Tape.Lanes)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("server.addr = %q, want :9000", cfg.Server.Addr)
	}
	if cfg.Turbo.YieldOps != 50000 {
		t.Errorf("turbo.yield_ops = %d, want default 50000", cfg.Turbo.YieldOps)
	}
	if cfg.File == "" {
		t.Error("File not recorded")
	}
}

func TestLoad_RejectsBadCellWidth(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[tape]
cell_width = 12
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "cell_width") {
		t.Errorf("Load: got %v, want a cell_width violation", err)
	}
}

func TestLoad_RejectsOutOfRangeLanes(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[tape]
lanes = 11
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "lanes") {
		t.Errorf("Load: got %v, want a lanes violation", err)
	}
}

func TestLoad_ReportsEveryViolation(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[tape]
size = -1
lanes = 0
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load accepted an invalid config")
	}
	if !strings.Contains(err.Error(), "size") || !strings.Contains(err.Error(), "lanes") {
		t.Errorf("error lists only part of the violations: %v", err)
	}
}

func TestLoad_ParseError(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[tape\nsize = 64")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Errorf("Load: got %v, want a parse error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), ConfigFileName))
	if err == nil {
		t.Error("Load succeeded on a missing file")
	}
}

func TestFindAndLoad_WalksUp(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[tape]\nsize = 128\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	cfg, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if cfg == nil {
		t.Fatal("FindAndLoad found nothing")
	}
	if cfg.Tape.Size != 128 {
		t.Errorf("tape.size = %d, want 128", cfg.Tape.Size)
	}
}

func TestValidate_RejectsEmptyAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "addr") {
		t.Errorf("Validate: got %v, want an addr violation", err)
	}
}
