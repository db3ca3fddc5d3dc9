package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommandHelp(t *testing.T) {
	cmd := NewRootCommand()
	if cmd == nil {
		t.Fatal("root command should not be nil")
	}

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	_ = cmd.Execute()

	output := buf.String()
	if !strings.Contains(output, "ralph") {
		t.Errorf("help text should mention ralph, got: %s", output)
	}
	if !strings.Contains(output, "orchestrator") {
		t.Errorf("help text should describe the orchestrator, got: %s", output)
	}
}

func TestRootCommandHasAllSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	want := []string{"run", "factory", "resume", "abort", "status", "sessions"}

	got := make(map[string]bool)
	for _, c := range cmd.Commands() {
		got[c.Name()] = true
	}

	for _, name := range want {
		if !got[name] {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRunCommand()
	for _, name := range []string{"prd-file", "prd-dir", "iterations", "filter-category", "filter-priority", "skip-validation", "dry-run", "provider", "model", "lenient"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("run command missing flag --%s", name)
		}
	}
}

func TestFactoryCommandFlags(t *testing.T) {
	cmd := NewFactoryCommand()
	for _, name := range []string{"workers", "worktree-dir", "spec-description"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("factory command missing flag --%s", name)
		}
	}
}

func TestResumeCommandAcceptsOptionalSessionID(t *testing.T) {
	cmd := NewResumeCommand()
	if err := cmd.Args(cmd, nil); err != nil {
		t.Errorf("resume should accept zero args: %v", err)
	}
	if err := cmd.Args(cmd, []string{"sess-1"}); err != nil {
		t.Errorf("resume should accept one arg: %v", err)
	}
	if err := cmd.Args(cmd, []string{"sess-1", "sess-2"}); err == nil {
		t.Error("resume should reject more than one arg")
	}
}
