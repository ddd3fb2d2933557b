package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KevoDB/mvds/pkg/common/log"
	"github.com/KevoDB/mvds/pkg/config"
	"github.com/KevoDB/mvds/pkg/writeset"
)

func newTestShell() (*shell, *bytes.Buffer) {
	var out bytes.Buffer
	logger := log.NewStandardLogger(log.WithOutput(io.Discard))
	return newShell(config.NewDefaultConfig(), logger, &out), &out
}

// run executes line and returns what it printed.
func run(s *shell, out *bytes.Buffer, line string) string {
	out.Reset()
	s.execute(line)
	return strings.TrimSpace(out.String())
}

func TestShellScalarCommands(t *testing.T) {
	s, out := newTestShell()

	steps := []struct {
		line string
		want string
	}{
		{"WRITE k 0 0 u:100", "OK"},
		{"READ k 1", "Versioned u:100 @0.0"},
		{"DELTA k 2 +30", "OK +30 (limit 18446744073709551615, max +30, min -0)"},
		{"READ k 3", "Resolved u:130"},
		{"ESTIMATE k 0", "OK"},
		{"READ k 1", "Dependency on txn 0"},
		{"WRITE k 0 1 u:50", "OK"},
		{"READ k 1", "Versioned u:50 @0.1"},
		{"DELTA fresh 0 +10", "OK +10 (limit 18446744073709551615, max +10, min -0)"},
		{"READ fresh 1", "Unresolved +10 (limit 18446744073709551615, max +10, min -0)"},
		{"WRITE small 0 0 u:100", "OK"},
		{"DELTA small 1 +5 100", "OK +5 (limit 100, max +5, min -0)"},
		{"read small 2", "Failure: delta application failure: aggregator overflow: 100 + 5 > 100"},
		{"READ nothing 5", "Uninitialized"},
		{"SEED base hello", "OK"},
		{"READ base 0", `Versioned "hello" @storage`},
		{"DELETE base 0 0", "OK"},
		{"READ base 1", "Versioned <deleted> @0.0"},
		{"REMOVE base 0", "OK"},
		{"READ base 1", `Versioned "hello" @storage`},
		{"MATERIALIZE k 2 130", "OK"},
		{"ESTIMATE missing 3", "Error: mvhashmap: mark estimate on unknown key \"missing\" (txn 3)"},
		{"WRITE k x 0 v", `Error: invalid transaction index "x"`},
		{"WRITE k", "Error: usage: WRITE key idx incarnation value"},
		{"FROB", `Error: unknown command "FROB", type .help for help`},
	}

	for _, step := range steps {
		if got := run(s, out, step.line); got != step.want {
			t.Errorf("%s: expected %q, got %q", step.line, step.want, got)
		}
	}
}

func TestShellGroupCommands(t *testing.T) {
	s, out := newTestShell()

	steps := []struct {
		line string
		want string
	}{
		{"GREAD g a 0", "Uninitialized"},
		{"GSEED g a=1 b=22", "OK"},
		{"GSIZE g 0", "Size: 2 tags, 5 bytes"},
		{"GWRITE g 1 0 a=10 c=3 -b", "OK (tag set changed: true)"},
		{"GSIZE g 2", "Size: 2 tags, 5 bytes"},
		{"GREAD g a 2", `Versioned "10" @1.0`},
		{"GREAD g b 2", "TagNotFound"},
		{"GREAD g b 1", `Versioned "22" @storage`},
		{"GESTIMATE g 1 a", "OK"},
		{"GREAD g a 2", "Dependency on txn 1"},
		{"GREAD g c 2", `Versioned "3" @1.0`},
		{"GWRITE g 1 1 a=11 c=4 -b", "OK (tag set changed: false)"},
		{"GREMOVE g 1", "OK"},
		{"GREAD g a 2", `Versioned "1" @storage`},
		{"GWRITE g 2 0 a=1 -a", "Error: mvhashmap: tag \"a\" of group \"g\" both written and removed by txn 2"},
		{"GWRITE g 3 0 broken", `Error: expected tag=value, got "broken"`},
	}

	for _, step := range steps {
		if got := run(s, out, step.line); got != step.want {
			t.Errorf("%s: expected %q, got %q", step.line, step.want, got)
		}
	}
}

func TestShellDumpAndReset(t *testing.T) {
	s, out := newTestShell()
	path := filepath.Join(t.TempDir(), "block.ws")

	run(s, out, "WRITE a 0 0 one")
	run(s, out, "WRITE b 3 0 u:7")
	run(s, out, "GWRITE g 1 0 t=x")

	got := run(s, out, ".dump "+path)
	if !strings.HasPrefix(got, "Wrote 3 locations") || !strings.Contains(got, "block size 4") {
		t.Fatalf("unexpected dump output %q", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read dump: %v", err)
	}
	c, err := writeset.NewCompressor()
	if err != nil {
		t.Fatalf("failed to create compressor: %v", err)
	}
	defer c.Close()
	ws, err := c.Decode(data)
	if err != nil {
		t.Fatalf("failed to decode dump: %v", err)
	}
	if len(ws.Entries) != 2 || len(ws.Groups) != 1 || ws.BlockSize != 4 {
		t.Errorf("unexpected write-set %+v", ws)
	}

	if got := run(s, out, ".dump "+path+" 1"); !strings.HasPrefix(got, "Wrote 1 locations") {
		t.Errorf("unexpected dump output for block prefix %q", got)
	}

	if got := run(s, out, ".stats"); !strings.Contains(got, "Keys: 2, Groups: 1") || !strings.Contains(got, "write_ops") {
		t.Errorf("unexpected stats output %q", got)
	}

	if got := run(s, out, ".reset"); got != "Store reset" {
		t.Errorf("unexpected reset output %q", got)
	}
	if got := run(s, out, "READ a 1"); got != "Uninitialized" {
		t.Errorf("expected empty store after reset, got %q", got)
	}

	if !s.execute(".exit") {
		t.Error("expected .exit to end the shell")
	}
}

func TestLoadConfigOverridesLevel(t *testing.T) {
	cfg, err := loadConfig("", "debug")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Level() != log.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.Level())
	}

	if _, err := loadConfig("", "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := loadConfig(filepath.Join(t.TempDir(), "none.json"), ""); err == nil {
		t.Error("expected error for missing config file")
	}
}
