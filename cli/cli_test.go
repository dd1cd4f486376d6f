package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func newTestRoot() *cobra.Command {
	return NewRootCmd("test")
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testWorkspace(t *testing.T) string {
	t.Helper()
	t.Setenv("SANDBOX_REGISTRY_URL", "")
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks() error = %v", err)
	}
	return dir
}

func wantExitCode(t *testing.T, err error, code int) {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want *ExitError", err)
	}
	if exitErr.Code != code {
		t.Fatalf("exit code = %d, want %d (%s)", exitErr.Code, code, exitErr.Message)
	}
}

func TestToolsListShowsBuiltins(t *testing.T) {
	ws := testWorkspace(t)
	stdout, _, err := executeCommand(newTestRoot(), "tools", "list", "--workspace", ws)
	if err != nil {
		t.Fatalf("tools list error = %v", err)
	}
	for _, want := range []string{"KEY", "filesystem__read_file", "terminal__run_code"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("tools list output missing %q: %q", want, stdout)
		}
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "list", "--workspace", ws, "--format", "json")
	if err != nil {
		t.Fatalf("tools list json error = %v", err)
	}
	if !strings.Contains(stdout, `"key": "filesystem__write_file"`) {
		t.Fatalf("tools list json = %q", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "tools", "list", "--format", "xml")
	wantExitCode(t, err, exitValidation)
}

func TestToolsCall(t *testing.T) {
	ws := testWorkspace(t)
	stdout, _, err := executeCommand(newTestRoot(), "tools", "call", "filesystem", "write_file",
		"--workspace", ws, "--input", "path=notes.txt", "--input", "content=hello")
	if err != nil {
		t.Fatalf("tools call error = %v", err)
	}
	if !strings.Contains(stdout, `"success": true`) {
		t.Fatalf("tools call output = %q", stdout)
	}
	if data, _ := os.ReadFile(filepath.Join(ws, "notes.txt")); string(data) != "hello" {
		t.Fatalf("notes.txt = %q", data)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "call", "filesystem__read_file",
		"--workspace", ws, "--input-json", `{"path":"/definitely/outside"}`)
	wantExitCode(t, err, exitToolFailed)
	if !strings.Contains(stdout, `"success": false`) {
		t.Fatalf("failed call output = %q", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "tools", "call", "no-separator", "--workspace", ws)
	wantExitCode(t, err, exitValidation)

	_, _, err = executeCommand(newTestRoot(), "tools", "call", "a", "b", "--input", "broken")
	wantExitCode(t, err, exitInputParse)
}

func TestConfigResolve(t *testing.T) {
	ws := testWorkspace(t)
	path := writeTestFile(t, "sandbox.yaml", `
mcpServers: [git]
mcpConfig:
  mcpServers:
    git:
      command: uvx
      args: [mcp-server-git]
    unused:
      url: http://localhost:9/sse
`)
	stdout, _, err := executeCommand(newTestRoot(), "config", "resolve", "--config", path, "--workspace", ws, "--format", "json")
	if err != nil {
		t.Fatalf("config resolve error = %v", err)
	}
	if !strings.Contains(stdout, `"servers": [`) || !strings.Contains(stdout, `"mcp-server-git"`) {
		t.Fatalf("config resolve output = %q", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "config", "resolve", "--config", path, "--workspace", ws)
	if err != nil {
		t.Fatalf("config resolve yaml error = %v", err)
	}
	if !strings.Contains(stdout, "- git") {
		t.Fatalf("config resolve yaml = %q", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "config", "resolve", "--config", filepath.Join(ws, "missing.yaml"))
	wantExitCode(t, err, exitNotFound)
}

func TestRegistryPutSearchList(t *testing.T) {
	testWorkspace(t)
	db := filepath.Join(t.TempDir(), "registry.db")

	for _, version := range []string{"1", "2"} {
		stdout, _, err := executeCommand(newTestRoot(), "registry", "put", "weather", "--registry", db,
			"--version", version, "--type", "streamable-http", "--url", "http://localhost:9/mcp", "--tool", "forecast")
		if err != nil {
			t.Fatalf("registry put error = %v", err)
		}
		if !strings.Contains(stdout, "Stored weather") {
			t.Fatalf("registry put output = %q", stdout)
		}
	}

	stdout, _, err := executeCommand(newTestRoot(), "registry", "search", "--registry", db, "--tool", "forecast")
	if err != nil {
		t.Fatalf("registry search error = %v", err)
	}
	if strings.Count(stdout, "weather") != 1 || !strings.Contains(stdout, "streamable-http") {
		t.Fatalf("registry search output = %q", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "registry", "list", "--registry", db)
	if err != nil {
		t.Fatalf("registry list error = %v", err)
	}
	if strings.Count(stdout, "weather") != 2 {
		t.Fatalf("registry list output = %q", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "registry", "put", "broken", "--registry", db, "--type", "carrier-pigeon")
	wantExitCode(t, err, exitValidation)
	_, _, err = executeCommand(newTestRoot(), "registry", "search", "--registry", db)
	wantExitCode(t, err, exitValidation)
}

func TestFSAndExec(t *testing.T) {
	ws := testWorkspace(t)
	if _, _, err := executeCommand(newTestRoot(), "fs", "write_file", "--workspace", ws,
		"--input", "path=x.txt", "--input", "content=from fs"); err != nil {
		t.Fatalf("fs write_file error = %v", err)
	}
	stdout, _, err := executeCommand(newTestRoot(), "fs", "read_file", "--workspace", ws, "--input", "path=x.txt")
	if err != nil {
		t.Fatalf("fs read_file error = %v", err)
	}
	if stdout != "from fs\n" {
		t.Fatalf("fs read_file output = %q", stdout)
	}
	_, _, err = executeCommand(newTestRoot(), "fs", "read_file", "--workspace", ws, "--input", "path=/etc/passwd")
	wantExitCode(t, err, exitToolFailed)

	stdout, _, err = executeCommand(newTestRoot(), "exec", "--workspace", ws, "cat", "x.txt")
	if err != nil {
		t.Fatalf("exec error = %v", err)
	}
	if !strings.HasPrefix(stdout, "from fs") || !strings.Contains(stdout, "[exit code: 0") {
		t.Fatalf("exec output = %q", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "exec", "--workspace", ws, "echo", "mkfs")
	wantExitCode(t, err, exitToolFailed)

	stdout, _, err = executeCommand(newTestRoot(), "exec", "--workspace", ws, "--policy", "ignored")
	if err != nil || !strings.Contains(stdout, `"denylist"`) {
		t.Fatalf("exec --policy = %q, %v", stdout, err)
	}
}

func TestUnknownEnvType(t *testing.T) {
	ws := testWorkspace(t)
	_, _, err := executeCommand(newTestRoot(), "tools", "list", "--workspace", ws, "--env-type", "docker")
	wantExitCode(t, err, exitValidation)
}
