package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"

	"github.com/petal-labs/sandbox/tool"
)

// ServiceTerminal is the server name of the terminal tool.
const ServiceTerminal = "terminal"

const (
	defaultRunTimeout = 60 * time.Second
	maxRunTimeout     = 600 * time.Second
	maxOutputBytes    = 30_000
	truncatedSuffix   = "\n... [output truncated]"
)

// Output formats accepted by run_code.
const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatText     = "text"
)

// DefaultDenylist holds command fragments that are never executed. Matching
// is a case-insensitive substring test.
var DefaultDenylist = []string{
	"rm -rf /",
	"rm -rf ~",
	"rm -fr /",
	"mkfs",
	":(){ :|:& };:",
	"dd if=/dev/zero of=/dev/",
	"dd if=/dev/random of=/dev/",
	"> /dev/sda",
	"chmod -r 777 /",
	"shutdown",
	"reboot",
	"poweroff",
	"init 0",
	"kill -9 -1",
}

// TerminalOptions configures a Terminal.
type TerminalOptions struct {
	// Workspace is the working directory of every command. Created when
	// missing. Defaults to the first of DefaultAllowedDirectories.
	Workspace string
	// Denylist replaces DefaultDenylist when non-nil.
	Denylist []string
	// Shell runs the code as `shell -c code`. Defaults to bash, or sh when
	// bash is not installed.
	Shell          string
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// Terminal runs shell code inside a workspace directory.
type Terminal struct {
	workspace      string
	denylist       []string
	shell          string
	defaultTimeout time.Duration
	logger         *slog.Logger
}

var _ Tool = (*Terminal)(nil)

// NewTerminal creates the workspace directory and returns the tool.
func NewTerminal(opts TerminalOptions) (*Terminal, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workspace := opts.Workspace
	if workspace == "" {
		workspace = DefaultAllowedDirectories()[0]
	}
	workspace, err := expandHome(workspace)
	if err != nil {
		return nil, fmt.Errorf("builtin: workspace: %w", err)
	}
	workspace, err = filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("builtin: workspace: %w", err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("builtin: create workspace %q: %w", workspace, err)
	}

	denylist := DefaultDenylist
	if opts.Denylist != nil {
		denylist = opts.Denylist
	}
	lowered := make([]string, 0, len(denylist))
	for _, entry := range denylist {
		if entry = strings.ToLower(strings.TrimSpace(entry)); entry != "" {
			lowered = append(lowered, entry)
		}
	}

	shell := opts.Shell
	if shell == "" {
		shell = "sh"
		if path, err := exec.LookPath("bash"); err == nil {
			shell = path
		}
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}

	return &Terminal{
		workspace:      workspace,
		denylist:       lowered,
		shell:          shell,
		defaultTimeout: timeout,
		logger:         logger,
	}, nil
}

// Service implements Tool.
func (t *Terminal) Service() string { return ServiceTerminal }

// Workspace returns the working directory of executed commands.
func (t *Terminal) Workspace() string { return t.workspace }

// Execute implements Tool.
func (t *Terminal) Execute(ctx context.Context, action string, params map[string]any) any {
	if params == nil {
		params = map[string]any{}
	}
	switch action {
	case "run_code":
		return t.runCode(ctx, params)
	case "get_terminal_policy":
		return t.Policy()
	default:
		return errorf("unknown terminal action %q", action)
	}
}

// Blocked returns the denylist entry matched by code, if any.
func (t *Terminal) Blocked(code string) (string, bool) {
	lowered := strings.ToLower(code)
	for _, entry := range t.denylist {
		if strings.Contains(lowered, entry) {
			return entry, true
		}
	}
	return "", false
}

// Policy describes the terminal restrictions.
func (t *Terminal) Policy() map[string]any {
	return map[string]any{
		"workspace":               t.workspace,
		"shell":                   t.shell,
		"denylist":                append([]string(nil), t.denylist...),
		"default_timeout_seconds": t.defaultTimeout.Seconds(),
		"max_timeout_seconds":     maxRunTimeout.Seconds(),
		"max_output_bytes":        maxOutputBytes,
	}
}

// Execution is the captured outcome of one run_code call.
type Execution struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"-"`
	TimedOut bool          `json:"timed_out"`
	TTY      bool          `json:"tty"`
}

func (t *Terminal) runCode(ctx context.Context, params map[string]any) any {
	code, err := requiredString(params, "code")
	if err != nil {
		return errorf("%v", err)
	}
	if entry, blocked := t.Blocked(code); blocked {
		t.logger.Warn("builtin command blocked", "pattern", entry)
		return errorf("command blocked by terminal policy: contains %q", entry)
	}

	timeout := t.defaultTimeout
	if secs, ok := numberParam(params, "timeout"); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	if timeout > maxRunTimeout {
		timeout = maxRunTimeout
	}
	format, _ := stringParam(params, "outputFormat")
	if format == "" {
		format, _ = stringParam(params, "output_format")
	}

	result, err := t.Run(ctx, code, timeout, boolParam(params, "tty"))
	if err != nil {
		return errorf("%v", err)
	}
	return formatExecution(result, timeout, strings.ToLower(format))
}

// Run executes code with the shell in the workspace. The process is killed
// when timeout elapses; that is reported through Execution.TimedOut rather
// than an error.
func (t *Terminal) Run(ctx context.Context, code string, timeout time.Duration, tty bool) (Execution, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var (
		out     Execution
		waitErr error
	)
	if tty {
		out, waitErr = t.runTTY(runCtx, code)
	} else {
		out, waitErr = t.runPiped(runCtx, code)
	}
	out.Duration = time.Since(start)

	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			out.TimedOut = true
			out.ExitCode = -1
		case errors.As(waitErr, &exitErr):
			out.ExitCode = exitErr.ExitCode()
		default:
			return out, fmt.Errorf("run command: %w", waitErr)
		}
	}

	out.Stdout = truncate(out.Stdout)
	out.Stderr = truncate(out.Stderr)
	t.logger.Debug("builtin command finished",
		"exit_code", out.ExitCode,
		"timed_out", out.TimedOut,
		"duration_ms", out.Duration.Milliseconds(),
	)
	return out, nil
}

func (t *Terminal) command(ctx context.Context, code string, tty bool) *exec.Cmd {
	cmd := exec.CommandContext(ctx, t.shell, "-c", code)
	cmd.Dir = t.workspace
	killProcessGroup(cmd, !tty)
	// children that inherit the pipes must not keep Wait blocked after a kill
	cmd.WaitDelay = time.Second
	return cmd
}

func (t *Terminal) runPiped(ctx context.Context, code string) (Execution, error) {
	cmd := t.command(ctx, code, false)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return Execution{Stdout: stdout.String(), Stderr: stderr.String()}, err
}

func (t *Terminal) runTTY(ctx context.Context, code string) (Execution, error) {
	cmd := t.command(ctx, code, true)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		t.logger.Debug("pty unavailable, running without tty", "error", err)
		return t.runPiped(ctx, code)
	}
	defer ptmx.Close()

	var buf bytes.Buffer
	// reading the pty fails with EIO once the process exits
	_, _ = io.Copy(&buf, ptmx)
	err = cmd.Wait()
	return Execution{Stdout: buf.String(), TTY: true}, err
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	cut := maxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}

func formatExecution(e Execution, timeout time.Duration, format string) any {
	switch format {
	case FormatJSON:
		out := map[string]any{
			"success":     !e.TimedOut && e.ExitCode == 0,
			"stdout":      e.Stdout,
			"stderr":      e.Stderr,
			"exit_code":   e.ExitCode,
			"duration_ms": e.Duration.Milliseconds(),
			"timed_out":   e.TimedOut,
		}
		switch {
		case e.TimedOut:
			out["message"] = fmt.Sprintf("command timed out after %s", timeout)
		case e.ExitCode != 0:
			out["message"] = fmt.Sprintf("command exited with code %d", e.ExitCode)
		}
		return out
	}

	if e.TimedOut {
		return errorf("command timed out after %s\n%s", timeout, strings.TrimSpace(e.Stdout+"\n"+e.Stderr))
	}

	if format == FormatText {
		var b strings.Builder
		b.WriteString(e.Stdout)
		if e.Stderr != "" {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteString("\n")
			}
			b.WriteString("[stderr]\n")
			b.WriteString(e.Stderr)
		}
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[exit code: %d, duration: %.2fs]", e.ExitCode, e.Duration.Seconds())
		return b.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Exit code:** %d\n**Duration:** %.2fs\n", e.ExitCode, e.Duration.Seconds())
	if e.Stdout != "" {
		fmt.Fprintf(&b, "\n**stdout:**\n```\n%s\n```\n", strings.TrimRight(e.Stdout, "\n"))
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, "\n**stderr:**\n```\n%s\n```\n", strings.TrimRight(e.Stderr, "\n"))
	}
	return b.String()
}

// Descriptors implements Tool.
func (t *Terminal) Descriptors() []tool.ToolDescriptor {
	return describe(ServiceTerminal, terminalActions)
}

var terminalActions = []action{
	{
		name:        "run_code",
		description: "Run shell code in the sandbox workspace and return its output, exit code and duration.",
		schema: objectSchema([]string{"code"}, map[string]any{
			"code":    prop("string", "Shell code to execute"),
			"timeout": prop("number", "Timeout in seconds"),
			"outputFormat": map[string]any{
				"type":        "string",
				"enum":        []any{FormatMarkdown, FormatJSON, FormatText},
				"default":     FormatMarkdown,
				"description": "Format of the result",
			},
			"tty": prop("boolean", "Run under a pseudo-terminal with combined output"),
		}),
	},
	{
		name:        "get_terminal_policy",
		description: "Describe the terminal workspace, timeouts and blocked commands.",
		schema:      objectSchema(nil, map[string]any{}),
	},
}
