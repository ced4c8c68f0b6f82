//go:build unix

package procreg

import (
	"errors"

	"golang.org/x/sys/unix"
)

type systemController struct{}

func (systemController) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// EPERM means the process exists but belongs to someone else.
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !zombie(pid)
}

func (systemController) Terminate(pid int) error { return signal(pid, unix.SIGTERM) }

func (systemController) Kill(pid int) error { return signal(pid, unix.SIGKILL) }

func (systemController) CommandLine(pid int) (string, error) { return commandLine(pid) }

func signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return unix.EINVAL
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
