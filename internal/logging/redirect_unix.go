//go:build unix && !linux

package logging

import (
	"os"

	"golang.org/x/sys/unix"
)

func redirectFD(src, target int) (*os.File, error) {
	saved, err := unix.Dup(target)
	if err != nil {
		return nil, err
	}
	if err := unix.Dup2(src, target); err != nil {
		unix.Close(saved)
		return nil, err
	}
	return os.NewFile(uintptr(saved), "saved"), nil
}

func restoreFD(saved *os.File, target int) error {
	return unix.Dup2(int(saved.Fd()), target)
}
