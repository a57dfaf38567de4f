//go:build !unix

package runner

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// Without process groups the best available is killing the leader.

func signalTerm(p *os.Process) {
	_ = p.Kill()
}

func signalKill(p *os.Process) {
	_ = p.Kill()
}
