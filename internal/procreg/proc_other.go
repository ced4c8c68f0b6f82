//go:build unix && !linux

package procreg

import "errors"

func zombie(int) bool { return false }

func commandLine(int) (string, error) { return "", errors.ErrUnsupported }
