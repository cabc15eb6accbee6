package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/triage-ai/palisade/toolgate/internal/policy"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPolicyShow_Default(t *testing.T) {
	out, err := runCLI(t, "policy", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "write_code:") || !strings.Contains(out, "- typecheck") {
		t.Fatalf("expected default policy in output, got:\n%s", out)
	}
}

func TestPolicyValidate(t *testing.T) {
	dir := t.TempDir()

	ok := writeFile(t, dir, "ok.yaml", "policies:\n  deploy:\n    requires: [build, test]\n")
	out, err := runCLI(t, "policy", "validate", ok)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "ok: 1 policies") {
		t.Fatalf("unexpected output %q", out)
	}

	cycle := writeFile(t, dir, "cycle.yaml", "policies:\n  lint:\n    requires: [test]\n  test:\n    requires: [lint]\n")
	if _, err := runCLI(t, "policy", "validate", cycle); !errors.Is(err, policy.ErrPolicyCycle) {
		t.Fatalf("expected ErrPolicyCycle, got %v", err)
	}

	unknown := writeFile(t, dir, "unknown.yaml", "policies:\n  deploy:\n    requires: [security_scan]\n")
	if _, err := runCLI(t, "policy", "validate", unknown); !errors.Is(err, policy.ErrUnknownRequirement) {
		t.Fatalf("expected ErrUnknownRequirement, got %v", err)
	}
	if _, err := runCLI(t, "policy", "validate", "--allow-unknown", unknown); err != nil {
		t.Fatalf("expected --allow-unknown to accept, got %v", err)
	}
}

func TestRun_ViolationExitCode(t *testing.T) {
	_, err := runCLI(t, "--root", t.TempDir(), "run", "create_file")
	if !errors.Is(err, policy.ErrPolicyViolation) {
		t.Fatalf("expected violation, got %v", err)
	}
	if exitCode(err) != exitViolation {
		t.Fatalf("expected exit code %d, got %d", exitViolation, exitCode(err))
	}
}

func TestRun_PrerequisitesThenCreate(t *testing.T) {
	root := t.TempDir()
	args := `{"path":"hello.txt","content":"hi"}`

	out, err := runCLI(t, "--root", root, "run",
		"--args", args, "--args", args, "--args", args,
		"validate_path", "check_permissions", "create_file")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if strings.Count(out, `"success": true`) < 3 {
		t.Fatalf("expected three successful results, got:\n%s", out)
	}

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	if err != nil || string(data) != "hi" {
		t.Fatalf("expected created file, got %q (%v)", data, err)
	}
}

func TestRun_BadMode(t *testing.T) {
	if _, err := runCLI(t, "run", "--mode", "eventually", "lint"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestTools_ListAndFilter(t *testing.T) {
	out, err := runCLI(t, "--root", t.TempDir(), "tools")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"validate_path", "create_file", "run_command", "git_status"} {
		if !strings.Contains(out, name) {
			t.Errorf("expected %s in listing:\n%s", name, out)
		}
	}

	out, err = runCLI(t, "--root", t.TempDir(), "tools", "--category", "generator")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "create_file") || !strings.Contains(out, "write_file") {
		t.Fatalf("expected generators in listing:\n%s", out)
	}
	if strings.Contains(out, "validate_path") || strings.Contains(out, "run_command") {
		t.Fatalf("expected only generators, got:\n%s", out)
	}

	if _, err := runCLI(t, "tools", "--category", "wizard"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}
