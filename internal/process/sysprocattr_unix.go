//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// The engine leads its own group so the whole tree can be signalled and so a
// terminal SIGINT aimed at the daemon does not reach it.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
