//go:build unix

package runner

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup gives the child its own process group so signals reach
// the whole ansible fork tree, not just the leader.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Negative pid targets the process group.

func signalTerm(p *os.Process) {
	_ = syscall.Kill(-p.Pid, syscall.SIGTERM)
}

func signalKill(p *os.Process) {
	_ = syscall.Kill(-p.Pid, syscall.SIGKILL)
}
