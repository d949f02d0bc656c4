//go:build !unix

package worker

import (
	"os"
	"os/exec"
	"syscall"
)

func startProcessGroup(*exec.Cmd) {}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		return p.Kill()
	}
	return p.Signal(sig)
}
