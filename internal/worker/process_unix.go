//go:build unix

package worker

import (
	"os"
	"os/exec"
	"syscall"
)

// startProcessGroup puts the child in its own process group so signals reach
// everything it spawns.
func startProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	return syscall.Kill(-p.Pid, sig)
}
