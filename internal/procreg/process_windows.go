//go:build windows

package procreg

import (
	"errors"

	"golang.org/x/sys/windows"
)

const stillActive = 259

type systemController struct{}

func (systemController) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		// Access denied still proves the process exists.
		return errors.Is(err, windows.ERROR_ACCESS_DENIED)
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// Terminate has no graceful form on Windows; the browser is stopped outright.
func (c systemController) Terminate(pid int) error { return c.Kill(pid) }

func (systemController) Kill(pid int) error {
	if pid <= 0 {
		return windows.ERROR_INVALID_PARAMETER
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil // already gone
		}
		return err
	}
	defer windows.CloseHandle(h)
	return windows.TerminateProcess(h, 1)
}

func (systemController) CommandLine(int) (string, error) { return "", errors.ErrUnsupported }
