//go:build unix

package builtin

import (
	"os/exec"
	"syscall"
)

// killProcessGroup makes a timeout kill every process the command started,
// not just the shell. pty sessions already lead their own group through
// setsid, so only piped commands ask for a new one.
func killProcessGroup(cmd *exec.Cmd, newGroup bool) {
	if newGroup {
		if cmd.SysProcAttr == nil {
			cmd.SysProcAttr = &syscall.SysProcAttr{}
		}
		cmd.SysProcAttr.Setpgid = true
	}
	cmd.Cancel = func() error {
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}
