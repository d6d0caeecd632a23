//go:build linux

package server

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// workerSysProcAttr puts a worker in its own process group, so terminal
// signals reach only the supervisor, and asks the kernel to deliver SIGTERM
// to the worker when the supervisor dies.
func workerSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pdeathsig: unix.SIGTERM}
}
