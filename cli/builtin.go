package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/sandbox/builtin"
)

// NewFSCmd creates the "fs" command: one filesystem action run in-process.
func NewFSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fs <action>",
		Short: "Run a built-in filesystem action locally",
		Long:  "Run a built-in filesystem action against the --workspace directories without going through any server.",
		Args:  cobra.ExactArgs(1),
		RunE:  runFS,
	}
	cmd.Flags().StringArray("input", nil, "Input KEY=VALUE pair (repeatable)")
	cmd.Flags().String("input-json", "", "Input object as JSON")
	return cmd
}

func runFS(cmd *cobra.Command, args []string) error {
	params, err := parseInputs(cmd)
	if err != nil {
		return exitError(exitInputParse, "parsing inputs: %v", err)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fs, err := builtin.NewFilesystem(builtin.FilesystemOptions{
		AllowedDirectories: cfg.Workspace,
		Logger:             newLogger(cmd),
	})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	return printBuiltin(cmd, fs.Execute(cmd.Context(), args[0], params))
}

// NewExecCmd creates the "exec" command: run code with the built-in
// terminal.
func NewExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <code>...",
		Short: "Run shell code with the built-in terminal locally",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExec,
	}
	cmd.Flags().Duration("timeout", 60*time.Second, "Execution timeout")
	cmd.Flags().String("format", builtin.FormatText, "Output format: markdown | json | text")
	cmd.Flags().Bool("tty", false, "Run under a pseudo terminal")
	cmd.Flags().Bool("policy", false, "Print the terminal policy instead of running code")
	return cmd
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	var workspace string
	if len(cfg.Workspace) > 0 {
		workspace = cfg.Workspace[0]
	}
	term, err := builtin.NewTerminal(builtin.TerminalOptions{Workspace: workspace, Logger: newLogger(cmd)})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	if policy, _ := cmd.Flags().GetBool("policy"); policy {
		return printBuiltin(cmd, term.Execute(cmd.Context(), "get_terminal_policy", nil))
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	format, _ := cmd.Flags().GetString("format")
	tty, _ := cmd.Flags().GetBool("tty")
	return printBuiltin(cmd, term.Execute(cmd.Context(), "run_code", map[string]any{
		"code":         strings.Join(args, " "),
		"timeout":      timeout.Seconds(),
		"outputFormat": format,
		"tty":          tty,
	}))
}

// printBuiltin writes a built-in result to stdout. "Error:" strings become
// a tool failure exit code.
func printBuiltin(cmd *cobra.Command, out any) error {
	if text, ok := out.(string); ok {
		if builtin.IsError(text) {
			return exitError(exitToolFailed, "%s", text)
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(text, "\n"))
		return nil
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding result: %v", err)
	}
	writeLine(cmd.OutOrStdout(), data)
	if m, ok := out.(map[string]any); ok && m["success"] == false {
		return exitError(exitToolFailed, "command failed")
	}
	return nil
}
