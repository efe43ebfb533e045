//go:build unix

package service

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so termination
// signals can be delivered to the whole tree via the negative pgid.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
