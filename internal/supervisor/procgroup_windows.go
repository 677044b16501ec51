//go:build windows

package supervisor

import "os/exec"

// Process groups are handled differently on Windows; the command is left
// untouched and both escalation steps end the process directly.
func configureProcessGroup(cmd *exec.Cmd) {
	_ = cmd
}

func processGroupID(cmd *exec.Cmd) int {
	return 0
}

func terminateProcess(cmd *exec.Cmd, _ int) error {
	return cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd, _ int) error {
	return cmd.Process.Kill()
}
