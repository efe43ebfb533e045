//go:build unix

package supervisor

import "syscall"

// signalGroup delivers sig to the child's whole process group.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
