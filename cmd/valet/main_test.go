package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// writeTestConfig writes a minimal sqlite-backed config into dir and returns
// its path.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	dbPath := filepath.Join(dir, "valet.db")
	cfgPath := filepath.Join(dir, "valet.yaml")
	cfg := fmt.Sprintf("storage:\n  driver: sqlite\n  path: %s\n", dbPath)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

// runCommand executes the root command with args and returns its output.
func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	if stdin != "" {
		cmd.SetIn(strings.NewReader(stdin))
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCommand(t, "", "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "valet dev") {
		t.Errorf("expected output to contain 'valet dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := runCommand(t, "", "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "valet 1.0.0") || !strings.Contains(out, "commit: abc123") {
		t.Errorf("output = %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := runCommand(t, "", "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, want := range []string{"start", "db", "auth", "status", "version"} {
		if !strings.Contains(out, want) {
			t.Errorf("help output missing %q", want)
		}
	}
}

func TestRootCmdSubcommands(t *testing.T) {
	cmd := newRootCmd()
	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"version", "start", "db", "auth", "status"} {
		if !names[want] {
			t.Errorf("missing subcommand %q", want)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := runCommand(t, "", "bogus")
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestExecute(t *testing.T) {
	cmd := &cobra.Command{Use: "ok", RunE: func(*cobra.Command, []string) error { return nil }}
	if code := execute(cmd); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	bad := &cobra.Command{Use: "bad", RunE: func(*cobra.Command, []string) error { return fmt.Errorf("boom") }}
	bad.SetOut(new(bytes.Buffer))
	bad.SetErr(new(bytes.Buffer))
	if code := execute(bad); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}
