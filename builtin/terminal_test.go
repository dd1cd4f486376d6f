package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestTerminal(t *testing.T) *Terminal {
	t.Helper()
	workspace, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks() error = %v", err)
	}
	term, err := NewTerminal(TerminalOptions{Workspace: workspace, Shell: "sh"})
	if err != nil {
		t.Fatalf("NewTerminal() error = %v", err)
	}
	return term
}

func TestTerminalRunCodeMarkdown(t *testing.T) {
	term := newTestTerminal(t)
	got := execString(t, term, "run_code", map[string]any{"code": "pwd; echo oops >&2"})
	if IsError(got) {
		t.Fatalf("run_code = %q", got)
	}
	for _, want := range []string{"**Exit code:** 0", term.Workspace(), "**stderr:**", "oops"} {
		if !strings.Contains(got, want) {
			t.Fatalf("run_code = %q, want %q", got, want)
		}
	}
}

func TestTerminalRunCodeJSON(t *testing.T) {
	term := newTestTerminal(t)
	out, ok := term.Execute(context.Background(), "run_code", map[string]any{
		"code":         "echo partial; exit 3",
		"outputFormat": "json",
	}).(map[string]any)
	if !ok {
		t.Fatal("run_code json did not return a map")
	}
	if out["success"] != false || out["exit_code"] != 3 || out["stdout"] != "partial\n" {
		t.Fatalf("run_code json = %#v", out)
	}
	if msg, _ := out["message"].(string); !strings.Contains(msg, "code 3") {
		t.Fatalf("message = %q", msg)
	}
}

func TestTerminalRunCodeText(t *testing.T) {
	term := newTestTerminal(t)
	got := execString(t, term, "run_code", map[string]any{"code": "echo hi; echo bad >&2", "outputFormat": "text"})
	if !strings.HasPrefix(got, "hi\n[stderr]\nbad\n[exit code: 0") {
		t.Fatalf("run_code text = %q", got)
	}
}

func TestTerminalDenylist(t *testing.T) {
	term := newTestTerminal(t)
	for _, code := range []string{"RM -RF / --no-preserve-root", "sudo mkfs.ext4 /dev/sdb", ":(){ :|:& };:"} {
		got := execString(t, term, "run_code", map[string]any{"code": code})
		if !IsError(got) || !strings.Contains(got, "blocked") {
			t.Fatalf("run_code(%q) = %q, want blocked error", code, got)
		}
	}

	custom, err := NewTerminal(TerminalOptions{Workspace: t.TempDir(), Denylist: []string{"Curl"}})
	if err != nil {
		t.Fatalf("NewTerminal() error = %v", err)
	}
	if _, blocked := custom.Blocked("curl http://example.com"); !blocked {
		t.Fatal("Blocked() = false, want custom entry to match")
	}
	if _, blocked := custom.Blocked("mkfs"); blocked {
		t.Fatal("custom denylist must replace the default one")
	}
}

func TestTerminalTimeoutKillsProcess(t *testing.T) {
	term := newTestTerminal(t)
	start := time.Now()
	got := execString(t, term, "run_code", map[string]any{"code": "sleep 10", "timeout": 0.2})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run_code took %s, want the timeout to kill it", elapsed)
	}
	if !IsError(got) || !strings.Contains(got, "timed out") {
		t.Fatalf("run_code = %q, want timeout error", got)
	}
}

func TestTerminalTruncatesOutput(t *testing.T) {
	term := newTestTerminal(t)
	res, err := term.Run(context.Background(), "i=0; while [ $i -lt 4000 ]; do echo 0123456789; i=$((i+1)); done", 10*time.Second, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Stdout) != maxOutputBytes+len(truncatedSuffix) || !strings.HasSuffix(res.Stdout, truncatedSuffix) {
		t.Fatalf("stdout length = %d, want truncated to %d", len(res.Stdout), maxOutputBytes)
	}
}

func TestTerminalTimeoutKillsChildren(t *testing.T) {
	term := newTestTerminal(t)
	marker := filepath.Join(term.Workspace(), "survived")
	code := "(sleep 1; touch " + marker + ") & sleep 10 | cat"

	start := time.Now()
	res, err := term.Run(context.Background(), code, 200*time.Millisecond, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("Run() = %#v, want timed out", res)
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Fatalf("Run() took %s, want the whole process group killed", elapsed)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("background child outlived the timeout: Stat() error = %v", err)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("a", maxOutputBytes-1) + "é" + "tail"
	got := truncate(s)
	if !utf8.ValidString(got) {
		t.Fatal("truncate() split a multi-byte rune")
	}
	if want := strings.Repeat("a", maxOutputBytes-1) + truncatedSuffix; got != want {
		t.Fatalf("truncate() length = %d, want %d", len(got), len(want))
	}
}

func TestTerminalTTY(t *testing.T) {
	term := newTestTerminal(t)
	res, err := term.Run(context.Background(), "echo from-tty", 5*time.Second, true)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(res.Stdout, "from-tty") || res.ExitCode != 0 {
		t.Fatalf("Run(tty) = %#v", res)
	}
}

func TestTerminalPolicy(t *testing.T) {
	term := newTestTerminal(t)
	policy, ok := term.Execute(context.Background(), "get_terminal_policy", nil).(map[string]any)
	if !ok {
		t.Fatal("get_terminal_policy did not return a map")
	}
	if policy["workspace"] != term.Workspace() || policy["max_output_bytes"] != maxOutputBytes {
		t.Fatalf("policy = %#v", policy)
	}
	if list, _ := policy["denylist"].([]string); len(list) != len(DefaultDenylist) {
		t.Fatalf("policy denylist = %v", list)
	}
	if descs := term.Descriptors(); len(descs) != 2 || descs[0].Key != "terminal__run_code" {
		t.Fatalf("Descriptors() = %#v", descs)
	}
}
